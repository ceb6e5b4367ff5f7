// Package engine reconciles transport call events against the tracked call
// set and drives the outbound notifications toward the accounting
// application. One Processor instance survives transport reconnects; only the
// provider underneath it changes.
package engine

import (
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pbxlink/datev-connector/internal/call"
	"github.com/pbxlink/datev-connector/internal/config"
	"github.com/pbxlink/datev-connector/internal/datev"
	"github.com/pbxlink/datev-connector/internal/history"
	"github.com/pbxlink/datev-connector/internal/phone"
	"github.com/pbxlink/datev-connector/internal/routing"
	"github.com/pbxlink/datev-connector/internal/tracker"
	"github.com/pbxlink/datev-connector/internal/transport"
)

// ContactResolver looks up contacts for a normalized number in the accounting
// application's address pools.
type ContactResolver interface {
	Resolve(normalized string) []routing.Contact
}

// UserInterface is the popup surface shown alongside a call. Implementations
// must not block; the engine calls them from the event path.
type UserInterface interface {
	ShowCallerPopup(callID string, n datev.CallNotification)
	CloseCallerPopup(callID string)
	// OfferContactChoice lets the user correct an ambiguous contact match on
	// a live call. Returns false if the user dismissed the choice.
	OfferContactChoice(callID string, contacts []routing.Contact) (routing.Contact, bool)
	// OfferJournal asks whether a finished call should be journaled.
	OfferJournal(e *history.Entry) bool
}

// Clock provides the current time. Defaults to time.Now; override in tests.
type Clock func() time.Time

// After schedules fn after d. Defaults to time.AfterFunc; tests inject a
// synchronous variant.
type After func(d time.Duration, fn func())

type Options struct {
	Tracker    *tracker.Tracker
	Routes     *routing.Cache
	Resolver   ContactResolver
	UI         UserInterface
	Notifier   datev.Notifier
	History    *history.Store
	Journal    *datev.JournalSender
	Normalizer phone.Normalizer
	Policy     config.JournalConfig
	Clock      Clock
	After      After
	Log        *logrus.Entry
}

// Processor is the reconciliation engine. It is driven single-mindedly by
// HandleEvent; all shared state lives in the tracker and the per-record
// locks, so events from the transport's read loop and the delayed reshow
// goroutine can interleave safely.
type Processor struct {
	tracker    *tracker.Tracker
	routes     *routing.Cache
	resolver   ContactResolver
	ui         UserInterface
	notifier   datev.Notifier
	history    *history.Store
	journal    *datev.JournalSender
	normalizer phone.Normalizer
	policy     config.JournalConfig
	clock      Clock
	after      After
	log        *logrus.Entry
}

func New(opts Options) *Processor {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.After == nil {
		opts.After = func(d time.Duration, fn func()) { time.AfterFunc(d, fn) }
	}
	return &Processor{
		tracker:    opts.Tracker,
		routes:     opts.Routes,
		resolver:   opts.Resolver,
		ui:         opts.UI,
		notifier:   opts.Notifier,
		history:    opts.History,
		journal:    opts.Journal,
		normalizer: opts.Normalizer,
		policy:     opts.Policy,
		clock:      opts.Clock,
		after:      opts.After,
		log:        opts.Log,
	}
}

// CallStateChanged implements transport.Handler.
func (p *Processor) CallStateChanged(evt transport.CallEvent) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithField("call_id", evt.ID).Errorf("event handling panicked: %v", r)
		}
	}()

	log := p.log.WithFields(logrus.Fields{"call_id": evt.ID, "state": evt.State})
	switch evt.State {
	case transport.StateOffering:
		p.handleOffering(evt, log)
	case transport.StateRingback:
		p.handleRingback(evt, log)
	case transport.StateConnected:
		p.handleConnected(evt, log)
	case transport.StateDisconnected, transport.StateBusy:
		p.handleTerminal(evt, log)
	case transport.StateIdle:
		// Carries no call information.
	case transport.StateDialing, transport.StateProceeding:
		log.Debug("call progressing")
	default:
		log.Debug("ignoring unknown call state")
	}
}

// LineConnected implements transport.Handler.
func (p *Processor) LineConnected(line string) {
	p.log.WithField("line", line).Info("line connected")
}

// LineDisconnected implements transport.Handler.
func (p *Processor) LineDisconnected(line string) {
	p.log.WithField("line", line).Warn("line disconnected")
}

func (p *Processor) handleOffering(evt transport.CallEvent, log *logrus.Entry) {
	if rec := p.tracker.GetCall(evt.ID); rec != nil {
		// Transports repeat the ring while the phone rings. The first event
		// did all the work.
		call.TryTransition(rec, call.StateRinging, log)
		return
	}

	rec := p.tracker.AddCall(evt.ID, true)
	if !call.TryTransition(rec, call.StateRinging, log) {
		return
	}
	p.describeCall(rec, evt)
	log.WithField("number", rec.RemoteNumber).Info("inbound call ringing")
	p.announce(rec)
}

func (p *Processor) handleRingback(evt transport.CallEvent, log *logrus.Entry) {
	if rec := p.tracker.GetCall(evt.ID); rec != nil {
		call.TryTransition(rec, call.StateRingback, log)
		return
	}

	normalized := p.normalizer.Normalize(evt.RemoteNumber())
	if pending := p.tracker.FindPendingCallByNumber(normalized); pending != nil {
		rec := p.tracker.PromotePendingCall(pending.ID, evt.ID)
		if rec != nil {
			call.TryTransition(rec, call.StateRingback, log)
			rec.Lock()
			if evt.RemoteName() != "" {
				rec.RemoteName = evt.RemoteName()
			}
			rec.LocalNumber = evt.CallerNumber
			rec.NormalizedRemote = normalized
			n := datev.NotificationFrom(rec)
			id := rec.ID
			rec.Unlock()

			log.WithField("correlation_id", n.CorrelationID).Info("dial matched to transport call")
			p.notify("new_call", id, func() error { return p.notifier.NewCall(n) })
			p.ui.ShowCallerPopup(id, n)
			return
		}
	}

	// Dialed on the phone itself, not from the accounting application.
	rec := p.tracker.AddCall(evt.ID, false)
	if !call.TryTransition(rec, call.StateRingback, log) {
		return
	}
	p.describeCall(rec, evt)
	log.WithField("number", rec.RemoteNumber).Info("outbound call ringing")
	p.announce(rec)
}

func (p *Processor) handleConnected(evt transport.CallEvent, log *logrus.Entry) {
	rec := p.tracker.GetCall(evt.ID)
	if rec == nil {
		// The offering or ringback event was missed, e.g. the connector
		// started mid-call. Reconstruct what the event carries.
		log.Info("connect for unseen call, synthesizing record")
		rec = p.tracker.AddCall(evt.ID, evt.Incoming)
		p.describeCall(rec, evt)
	}
	if !call.TryTransition(rec, call.StateConnected, log) {
		return
	}

	now := p.clock()
	rec.Lock()
	rec.ConnectedAt = now
	rec.WasConnected = true
	rec.Domain = call.DomainConnected
	datevOriginated := rec.DatevOriginated
	n := datev.NotificationFrom(rec)
	id := rec.ID
	rec.Unlock()

	p.ui.CloseCallerPopup(id)
	p.notify("call_state_changed", id, func() error { return p.notifier.CallStateChanged(n) })

	if !datevOriginated && p.policy.ReshowDelay > 0 {
		p.after(p.policy.ReshowDelay, func() { p.reshowContact(id) })
	}
}

// reshowContact runs after the reshow delay and lets the user correct the
// contact match. The call may have ended in the meantime, so everything is
// re-verified against current tracker state before any UI appears.
func (p *Processor) reshowContact(id string) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithField("call_id", id).Errorf("contact reshow panicked: %v", r)
		}
	}()

	rec := p.tracker.GetCall(id)
	if rec == nil || rec.State() != call.StateConnected {
		return
	}

	rec.Lock()
	normalized := rec.NormalizedRemote
	currentContact := rec.External.ContactID
	rec.Unlock()

	contacts := p.resolver.Resolve(normalized)
	if len(contacts) == 0 {
		return
	}
	contacts = p.routes.Reorder(normalized, contacts)

	chosen, ok := p.ui.OfferContactChoice(id, contacts)
	if !ok || chosen.ID == currentContact {
		return
	}

	// Re-verify: the choice dialog may have been open for a while.
	rec = p.tracker.GetCall(id)
	if rec == nil || rec.State() != call.StateConnected {
		return
	}
	rec.Lock()
	rec.External.ContactID = chosen.ID
	rec.External.ContactName = chosen.Name
	rec.External.DataSource = chosen.DataSource
	rec.ContactResolved = true
	n := datev.NotificationFrom(rec)
	rec.Unlock()

	p.routes.Remember(normalized, chosen.ID)
	p.log.WithFields(logrus.Fields{"call_id": id, "contact_id": chosen.ID}).
		Info("contact corrected on live call")
	p.notify("call_adressat_changed", id, func() error { return p.notifier.CallAdressatChanged(n) })
}

func (p *Processor) handleTerminal(evt transport.CallEvent, log *logrus.Entry) {
	rec := p.tracker.GetCall(evt.ID)
	if rec == nil {
		log.Debug("terminal event for untracked call")
		return
	}
	if !call.TryTransition(rec, call.StateDisconnected, log) {
		return
	}
	p.tracker.RemoveCall(evt.ID)
	p.ui.CloseCallerPopup(evt.ID)

	now := p.clock()
	rec.Lock()
	rec.EndedAt = now
	rec.External.End = now
	if rec.WasConnected {
		rec.Domain = call.DomainFinished
	} else {
		rec.Domain = call.DomainAbsent
	}
	n := datev.NotificationFrom(rec)
	entry := &history.Entry{
		CallID:        rec.ID,
		Incoming:      rec.Incoming,
		Number:        rec.RemoteNumber,
		ContactID:     rec.External.ContactID,
		ContactName:   rec.External.ContactName,
		DataSource:    rec.External.DataSource,
		CorrelationID: rec.External.CorrelationID,
		Begin:         rec.External.Begin,
		End:           now,
		State:         rec.Domain,
		Note:          rec.External.Note,
	}
	wasConnected := rec.WasConnected
	contactResolved := rec.ContactResolved
	incoming := rec.Incoming
	rec.Unlock()

	log.WithFields(logrus.Fields{"domain": n.State, "duration": rec.Duration()}).
		Info("call ended")
	p.notify("call_state_changed", evt.ID, func() error { return p.notifier.CallStateChanged(n) })

	if contactResolved {
		p.history.Add(entry)
	}
	if p.shouldOfferJournal(wasConnected, contactResolved, incoming) && p.ui.OfferJournal(entry) {
		if err := p.journal.SendHistoryJournal(entry); err != nil {
			log.WithError(err).Warn("journal not sent")
		}
	}
}

// shouldOfferJournal is the journal policy: enabled, the call was actually
// answered, a contact is attached, and outbound calls only when explicitly
// configured.
func (p *Processor) shouldOfferJournal(wasConnected, contactResolved, incoming bool) bool {
	if !p.policy.Enabled || !wasConnected || !contactResolved {
		return false
	}
	return incoming || p.policy.Outbound
}

// describeCall fills a fresh record from the event: remote identity, contact
// resolution and a newly issued correlation id. Promoted records never pass
// through here; their external data is already attached.
func (p *Processor) describeCall(rec *call.Record, evt transport.CallEvent) {
	normalized := p.normalizer.Normalize(evt.RemoteNumber())
	now := p.clock()

	rec.Lock()
	defer rec.Unlock()

	rec.RemoteNumber = evt.RemoteNumber()
	rec.RemoteName = evt.RemoteName()
	rec.NormalizedRemote = normalized
	if evt.Incoming {
		rec.LocalNumber = evt.CalledNumber
	} else {
		rec.LocalNumber = evt.CallerNumber
	}
	rec.External.CorrelationID = uuid.NewString()
	rec.External.Begin = now
	rec.Domain = call.DomainOffered

	if normalized == "" {
		return
	}
	contacts := p.resolver.Resolve(normalized)
	if len(contacts) == 0 {
		return
	}
	contacts = p.routes.Reorder(normalized, contacts)
	rec.External.ContactID = contacts[0].ID
	rec.External.ContactName = contacts[0].Name
	rec.External.DataSource = contacts[0].DataSource
	rec.ContactResolved = true
	p.routes.Remember(normalized, contacts[0].ID)
}

// announce emits the new-call notification and the caller popup for a record
// freshly described by describeCall.
func (p *Processor) announce(rec *call.Record) {
	rec.Lock()
	n := datev.NotificationFrom(rec)
	id := rec.ID
	rec.Unlock()

	p.notify("new_call", id, func() error { return p.notifier.NewCall(n) })
	p.ui.ShowCallerPopup(id, n)
}

func (p *Processor) notify(kind, callID string, send func() error) {
	if err := send(); err != nil {
		p.log.WithError(err).WithFields(logrus.Fields{"kind": kind, "call_id": callID}).
			Warn("notification not delivered")
	}
}
