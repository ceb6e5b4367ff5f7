package datev

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/pbxlink/datev-connector/internal/call"
	"github.com/pbxlink/datev-connector/internal/history"
)

// ErrCallsActive is returned when a journal send is deferred because calls
// are still being tracked. The history entry stays unsubmitted and is
// retried on the next flush.
var ErrCallsActive = errors.New("journal deferred, calls still active")

// Counter reports how many calls are currently tracked. Satisfied by the
// tracker.
type Counter interface {
	Count() int
}

// JournalSender pushes completed calls into the accounting application's
// journal. A journal entry may only be created while no call is in flight;
// the accounting application opens a modal dialog for it, and a dialog during
// a live call would steal focus from the call popup.
type JournalSender struct {
	notifier Notifier
	tracker  Counter
	history  *history.Store
	log      *logrus.Entry
}

func NewJournalSender(notifier Notifier, tracker Counter, store *history.Store, log *logrus.Entry) *JournalSender {
	return &JournalSender{notifier: notifier, tracker: tracker, history: store, log: log}
}

// SendHistoryJournal submits one history entry as a journal. It refuses while
// any call is tracked and marks the entry submitted on success.
func (s *JournalSender) SendHistoryJournal(e *history.Entry) error {
	if n := s.tracker.Count(); n > 0 {
		s.log.WithFields(logrus.Fields{"call_id": e.CallID, "active": n}).
			Info("deferring journal, calls active")
		return ErrCallsActive
	}

	err := s.notifier.NewJournal(CallNotification{
		CorrelationID: e.CorrelationID,
		ContactID:     e.ContactID,
		ContactName:   e.ContactName,
		DataSource:    e.DataSource,
		Begin:         e.Begin,
		End:           e.End,
		State:         call.DomainFinished,
		Incoming:      e.Incoming,
		Number:        e.Number,
		Note:          e.Note,
	})
	if err != nil {
		return err
	}

	s.history.MarkSubmitted(e.CallID, e.Incoming)
	s.log.WithField("call_id", e.CallID).Info("journal submitted")
	return nil
}

// FlushUnsubmitted retries every deferred journal entry. Returns how many
// were submitted; stops early once calls become active again.
func (s *JournalSender) FlushUnsubmitted() int {
	var sent int
	for _, e := range s.history.Unsubmitted() {
		if err := s.SendHistoryJournal(e); err != nil {
			if errors.Is(err, ErrCallsActive) {
				break
			}
			s.log.WithError(err).WithField("call_id", e.CallID).Warn("journal resubmission failed")
			continue
		}
		sent++
	}
	return sent
}
