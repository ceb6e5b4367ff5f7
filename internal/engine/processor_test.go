package engine

import (
	"io"
	"sync"
	"testing"
	"time"

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

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type fakeResolver struct {
	contacts map[string][]routing.Contact
}

func (f *fakeResolver) Resolve(normalized string) []routing.Contact {
	return f.contacts[normalized]
}

type fakeUI struct {
	mu            sync.Mutex
	popups        []string
	closed        []string
	choice        routing.Contact
	choiceOK      bool
	choiceOffers  int
	journalOffers int
	acceptJournal bool
}

func (f *fakeUI) ShowCallerPopup(callID string, _ datev.CallNotification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.popups = append(f.popups, callID)
}

func (f *fakeUI) CloseCallerPopup(callID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, callID)
}

func (f *fakeUI) OfferContactChoice(string, []routing.Contact) (routing.Contact, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.choiceOffers++
	return f.choice, f.choiceOK
}

func (f *fakeUI) OfferJournal(*history.Entry) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.journalOffers++
	return f.acceptJournal
}

// fixture wires a processor with recording collaborators and a manual reshow
// trigger.
type fixture struct {
	proc     *Processor
	tracker  *tracker.Tracker
	notifier *datev.MockNotifier
	ui       *fakeUI
	resolver *fakeResolver
	history  *history.Store

	mu        sync.Mutex
	scheduled []func()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	tr := tracker.New(tracker.Options{
		StaleActive:  4 * time.Hour,
		StalePending: 3 * time.Minute,
		Log:          quietLog(),
	})
	t.Cleanup(tr.Close)

	store, err := history.New(history.Options{MaxEntries: 10, MaxAge: time.Hour})
	if err != nil {
		t.Fatalf("creating history store: %v", err)
	}

	f := &fixture{
		tracker:  tr,
		notifier: datev.NewMockNotifier(),
		ui:       &fakeUI{acceptJournal: true},
		resolver: &fakeResolver{contacts: map[string][]routing.Contact{}},
		history:  store,
	}
	f.proc = New(Options{
		Tracker:    tr,
		Routes:     routing.New(time.Hour, 0),
		Resolver:   f.resolver,
		UI:         f.ui,
		Notifier:   f.notifier,
		History:    store,
		Journal:    datev.NewJournalSender(f.notifier, tr, store, quietLog()),
		Normalizer: phone.Normalizer{DefaultCountry: "49"},
		Policy:     config.JournalConfig{Enabled: true, Outbound: false, ReshowDelay: 10 * time.Second},
		After: func(_ time.Duration, fn func()) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.scheduled = append(f.scheduled, fn)
		},
		Log: quietLog(),
	})
	return f
}

// runScheduled fires everything the processor deferred, simulating the reshow
// delay elapsing.
func (f *fixture) runScheduled() {
	f.mu.Lock()
	fns := f.scheduled
	f.scheduled = nil
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func event(id string, state transport.CallState, incoming bool, remote string) transport.CallEvent {
	evt := transport.CallEvent{ID: id, State: state, Incoming: incoming}
	if incoming {
		evt.CallerNumber = remote
	} else {
		evt.CalledNumber = remote
	}
	return evt
}

// Click-to-dial: the correlation id supplied with the dial command must
// survive promotion onto the transport's call id.
func TestClickToDialCorrelation(t *testing.T) {
	f := newFixture(t)

	tempID := f.tracker.GenerateTempID()
	rec := f.tracker.AddPendingCall(tempID, false)
	rec.External.CorrelationID = "X"
	rec.External.ContactID = "c-1"
	rec.DatevOriginated = true
	rec.ContactResolved = true
	f.tracker.UpdatePendingPhoneIndex(tempID, "491701234567")

	f.proc.CallStateChanged(event("77", transport.StateRingback, false, "+49 170 1234567"))

	promoted := f.tracker.GetCall("77")
	if promoted == nil {
		t.Fatal("pending call was not promoted to the transport id")
	}
	if promoted.External.CorrelationID != "X" {
		t.Errorf("correlation id = %q after promotion, want %q", promoted.External.CorrelationID, "X")
	}
	if f.tracker.PendingCount() != 0 {
		t.Errorf("pending count = %d after promotion, want 0", f.tracker.PendingCount())
	}

	calls := f.notifier.OfKind("new_call")
	if len(calls) != 1 {
		t.Fatalf("expected 1 new-call notification, got %d", len(calls))
	}
	if calls[0].Note.CorrelationID != "X" {
		t.Errorf("notification carried correlation id %q, want the preserved %q", calls[0].Note.CorrelationID, "X")
	}
}

// A repeated offering for the same call id must not create a second record or
// a second notification.
func TestDuplicateOfferingIsAbsorbed(t *testing.T) {
	f := newFixture(t)

	offering := event("5", transport.StateOffering, true, "01701234567")
	f.proc.CallStateChanged(offering)
	f.proc.CallStateChanged(offering)

	if f.tracker.Count() != 1 {
		t.Errorf("tracked calls = %d, want 1", f.tracker.Count())
	}
	rec := f.tracker.GetCall("5")
	if rec == nil || rec.State() != call.StateRinging {
		t.Fatalf("record missing or in wrong state: %v", rec)
	}
	if got := len(f.notifier.OfKind("new_call")); got != 1 {
		t.Errorf("new-call notifications = %d, want 1", got)
	}
	if len(f.ui.popups) != 1 {
		t.Errorf("popups = %d, want 1", len(f.ui.popups))
	}
}

// A call that rings and ends without connecting is missed: absent domain
// state and no journal opportunity.
func TestMissedCall(t *testing.T) {
	f := newFixture(t)
	f.resolver.contacts["491701234567"] = []routing.Contact{{ID: "c-1", Name: "Acme"}}

	f.proc.CallStateChanged(event("9", transport.StateOffering, true, "01701234567"))
	f.proc.CallStateChanged(event("9", transport.StateDisconnected, true, ""))

	if f.tracker.Count() != 0 {
		t.Errorf("tracked calls = %d after disconnect, want 0", f.tracker.Count())
	}

	changed := f.notifier.OfKind("call_state_changed")
	if len(changed) != 1 {
		t.Fatalf("expected 1 final state notification, got %d", len(changed))
	}
	if changed[0].Note.State != call.DomainAbsent {
		t.Errorf("final domain state = %s, want %s", changed[0].Note.State, call.DomainAbsent)
	}
	if f.ui.journalOffers != 0 {
		t.Error("journal offered for a missed call")
	}
	if e, ok := f.history.Get("9", true); !ok || e.State != call.DomainAbsent {
		t.Errorf("history entry missing or wrong: %+v", e)
	}
}

func TestAnsweredInboundCallLifecycle(t *testing.T) {
	f := newFixture(t)
	f.resolver.contacts["491701234567"] = []routing.Contact{{ID: "c-1", Name: "Acme", DataSource: "sdd-1"}}

	f.proc.CallStateChanged(event("5", transport.StateOffering, true, "01701234567"))
	f.proc.CallStateChanged(event("5", transport.StateConnected, true, "01701234567"))

	rec := f.tracker.GetCall("5")
	if rec.State() != call.StateConnected || !rec.WasConnected {
		t.Fatalf("record not connected: state=%s", rec.State())
	}
	if rec.External.ContactID != "c-1" {
		t.Errorf("contact not resolved: %+v", rec.External)
	}
	if len(f.ui.closed) != 1 {
		t.Errorf("popup not closed on connect: %v", f.ui.closed)
	}

	f.proc.CallStateChanged(event("5", transport.StateDisconnected, true, ""))

	changed := f.notifier.OfKind("call_state_changed")
	final := changed[len(changed)-1]
	if final.Note.State != call.DomainFinished {
		t.Errorf("final domain state = %s, want %s", final.Note.State, call.DomainFinished)
	}
	if f.ui.journalOffers != 1 {
		t.Errorf("journal offers = %d, want 1", f.ui.journalOffers)
	}
	// The call set is empty by now, so accepting the offer submits directly.
	if got := len(f.notifier.OfKind("new_journal")); got != 1 {
		t.Errorf("journal notifications = %d, want 1", got)
	}
}

// Busy is a terminal event like Disconnected.
func TestBusyEndsCall(t *testing.T) {
	f := newFixture(t)

	f.proc.CallStateChanged(event("5", transport.StateRingback, false, "01701234567"))
	f.proc.CallStateChanged(event("5", transport.StateBusy, false, ""))

	if f.tracker.Count() != 0 {
		t.Errorf("tracked calls = %d after busy, want 0", f.tracker.Count())
	}
}

func TestTerminalEventForUntrackedCallIgnored(t *testing.T) {
	f := newFixture(t)
	f.proc.CallStateChanged(event("ghost", transport.StateDisconnected, true, ""))
	if len(f.notifier.Sent()) != 0 {
		t.Error("untracked disconnect produced notifications")
	}
}

// Connect for a call the connector never saw ringing (startup mid-call).
func TestConnectSynthesizesMissingRecord(t *testing.T) {
	f := newFixture(t)

	f.proc.CallStateChanged(event("31", transport.StateConnected, true, "01701234567"))

	rec := f.tracker.GetCall("31")
	if rec == nil || rec.State() != call.StateConnected {
		t.Fatal("record not synthesized")
	}
	if rec.External.CorrelationID == "" {
		t.Error("synthesized record has no correlation id")
	}
}

func TestReshowReverifiesCallStillConnected(t *testing.T) {
	f := newFixture(t)
	f.resolver.contacts["491701234567"] = []routing.Contact{
		{ID: "c-1", Name: "Acme"},
		{ID: "c-2", Name: "Acme Holding"},
	}
	f.ui.choice = routing.Contact{ID: "c-2", Name: "Acme Holding"}
	f.ui.choiceOK = true

	f.proc.CallStateChanged(event("5", transport.StateOffering, true, "01701234567"))
	f.proc.CallStateChanged(event("5", transport.StateConnected, true, "01701234567"))
	f.proc.CallStateChanged(event("5", transport.StateDisconnected, true, ""))

	// The reshow fires after the call already ended; nothing may surface.
	f.runScheduled()
	if f.ui.choiceOffers != 0 {
		t.Error("contact choice offered for an ended call")
	}
	if len(f.notifier.OfKind("call_adressat_changed")) != 0 {
		t.Error("contact change emitted for an ended call")
	}
}

func TestReshowEmitsContactChangeOnlyOnRealChange(t *testing.T) {
	f := newFixture(t)
	f.resolver.contacts["491701234567"] = []routing.Contact{
		{ID: "c-1", Name: "Acme"},
		{ID: "c-2", Name: "Acme Holding"},
	}

	f.proc.CallStateChanged(event("5", transport.StateOffering, true, "01701234567"))
	f.proc.CallStateChanged(event("5", transport.StateConnected, true, "01701234567"))

	// User re-picks the contact that is already attached: no notification.
	f.ui.choice = routing.Contact{ID: "c-1", Name: "Acme"}
	f.ui.choiceOK = true
	f.runScheduled()
	if got := len(f.notifier.OfKind("call_adressat_changed")); got != 0 {
		t.Fatalf("no-op choice emitted %d contact changes", got)
	}

	// Schedule another reshow by hand and pick the other match.
	f.ui.choice = routing.Contact{ID: "c-2", Name: "Acme Holding"}
	f.proc.reshowContact("5")
	changed := f.notifier.OfKind("call_adressat_changed")
	if len(changed) != 1 {
		t.Fatalf("expected 1 contact change, got %d", len(changed))
	}
	if changed[0].Note.ContactID != "c-2" {
		t.Errorf("contact change carries %q, want c-2", changed[0].Note.ContactID)
	}
	rec := f.tracker.GetCall("5")
	if rec.External.ContactID != "c-2" {
		t.Errorf("record contact = %q, want c-2", rec.External.ContactID)
	}
}

func TestNoReshowForClickToDialCalls(t *testing.T) {
	f := newFixture(t)

	tempID := f.tracker.GenerateTempID()
	rec := f.tracker.AddPendingCall(tempID, false)
	rec.External.CorrelationID = "X"
	rec.DatevOriginated = true
	f.tracker.UpdatePendingPhoneIndex(tempID, "491701234567")

	f.proc.CallStateChanged(event("77", transport.StateRingback, false, "01701234567"))
	f.proc.CallStateChanged(event("77", transport.StateConnected, false, "01701234567"))

	if len(f.scheduled) != 0 {
		t.Error("reshow scheduled for an accounting-initiated call")
	}
}

func TestOutboundJournalRequiresPolicyFlag(t *testing.T) {
	f := newFixture(t)
	f.resolver.contacts["491701234567"] = []routing.Contact{{ID: "c-1", Name: "Acme"}}

	f.proc.CallStateChanged(event("5", transport.StateRingback, false, "01701234567"))
	f.proc.CallStateChanged(event("5", transport.StateConnected, false, "01701234567"))
	f.proc.CallStateChanged(event("5", transport.StateDisconnected, false, ""))

	if f.ui.journalOffers != 0 {
		t.Error("outbound journal offered with outbound journaling disabled")
	}
}

func TestRoutingCachePrefersRememberedContact(t *testing.T) {
	f := newFixture(t)
	f.resolver.contacts["491701234567"] = []routing.Contact{
		{ID: "c-1", Name: "Acme"},
		{ID: "c-2", Name: "Acme Holding"},
	}

	// First call establishes c-2 as the user's pick.
	f.ui.choice = routing.Contact{ID: "c-2", Name: "Acme Holding"}
	f.ui.choiceOK = true
	f.proc.CallStateChanged(event("5", transport.StateOffering, true, "01701234567"))
	f.proc.CallStateChanged(event("5", transport.StateConnected, true, "01701234567"))
	f.runScheduled()
	f.proc.CallStateChanged(event("5", transport.StateDisconnected, true, ""))

	// The next call from that number resolves to c-2 straight away.
	f.proc.CallStateChanged(event("6", transport.StateOffering, true, "01701234567"))
	rec := f.tracker.GetCall("6")
	if rec.External.ContactID != "c-2" {
		t.Errorf("second call resolved to %q, want remembered c-2", rec.External.ContactID)
	}
}
