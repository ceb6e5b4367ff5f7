// Package datev is the boundary to the accounting application: the outbound
// notification contract, its resilience decorator, the journal sender and the
// inbound command handler.
package datev

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pbxlink/datev-connector/internal/call"
)

// CallNotification is the payload pushed to the accounting side. Fields are
// passed through as-is; the connector only fills them, it never interprets
// them.
type CallNotification struct {
	CorrelationID string
	ContactID     string
	ContactName   string
	DataSource    string
	Begin         time.Time
	End           time.Time
	State         call.DomainState
	Incoming      bool
	Number        string
	Note          string
}

// Notifier pushes call lifecycle notifications to the accounting application.
// Implementations may block briefly; callers requiring isolation wrap them in
// a GuardedNotifier.
type Notifier interface {
	NewCall(n CallNotification) error
	CallStateChanged(n CallNotification) error
	CallAdressatChanged(n CallNotification) error
	NewJournal(n CallNotification) error
}

// NotificationFrom snapshots a record into the outbound payload. The caller
// must hold the record's lock or otherwise own it exclusively.
func NotificationFrom(rec *call.Record) CallNotification {
	return CallNotification{
		CorrelationID: rec.External.CorrelationID,
		ContactID:     rec.External.ContactID,
		ContactName:   rec.External.ContactName,
		DataSource:    rec.External.DataSource,
		Begin:         rec.External.Begin,
		End:           rec.External.End,
		State:         rec.Domain,
		Incoming:      rec.Incoming,
		Number:        rec.RemoteNumber,
		Note:          rec.External.Note,
	}
}

// Fanout delivers every notification to a primary notifier and mirrors it to
// any number of taps. Only the primary's error propagates; tap failures are
// logged and swallowed so a diagnostic sink can never disturb the accounting
// side.
type Fanout struct {
	Primary Notifier
	Taps    []Notifier
	Log     *logrus.Entry
}

func (f *Fanout) NewCall(n CallNotification) error {
	f.mirror("new_call", n, Notifier.NewCall)
	return f.Primary.NewCall(n)
}

func (f *Fanout) CallStateChanged(n CallNotification) error {
	f.mirror("call_state_changed", n, Notifier.CallStateChanged)
	return f.Primary.CallStateChanged(n)
}

func (f *Fanout) CallAdressatChanged(n CallNotification) error {
	f.mirror("call_adressat_changed", n, Notifier.CallAdressatChanged)
	return f.Primary.CallAdressatChanged(n)
}

func (f *Fanout) NewJournal(n CallNotification) error {
	f.mirror("new_journal", n, Notifier.NewJournal)
	return f.Primary.NewJournal(n)
}

func (f *Fanout) mirror(kind string, n CallNotification, send func(Notifier, CallNotification) error) {
	for _, tap := range f.Taps {
		if err := send(tap, n); err != nil && f.Log != nil {
			f.Log.WithError(err).WithField("kind", kind).Debug("notification tap failed")
		}
	}
}
