package datev

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pbxlink/datev-connector/internal/call"
	"github.com/pbxlink/datev-connector/internal/phone"
	"github.com/pbxlink/datev-connector/internal/tracker"
	"github.com/pbxlink/datev-connector/internal/transport"
)

// fakeControl scripts the transport's verdicts and records what was asked.
type fakeControl struct {
	mu         sync.Mutex
	monitoring bool
	dialResult int
	dropResult int
	dialed     []string
	dropped    []string
}

func (f *fakeControl) MakeCall(destination string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialed = append(f.dialed, destination)
	return f.dialResult
}

func (f *fakeControl) DropCall(handle string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, handle)
	return f.dropResult
}

func (f *fakeControl) IsMonitoring() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.monitoring
}

func newHandler(t *testing.T, ctl *fakeControl) (*CommandHandler, *tracker.Tracker) {
	t.Helper()
	tr := tracker.New(tracker.Options{
		StaleActive:  4 * time.Hour,
		StalePending: 3 * time.Minute,
		Log:          quietLog(),
	})
	t.Cleanup(tr.Close)
	h := NewCommandHandler(CommandHandlerOptions{
		Tracker:    tr,
		Provider:   func() CallControl { return ctl },
		Normalizer: phone.Normalizer{DefaultCountry: "49"},
		Log:        quietLog(),
	})
	return h, tr
}

func TestDialRegistersPendingBeforePlacingCall(t *testing.T) {
	ctl := &fakeControl{monitoring: true, dialResult: transport.DialAccepted}
	h, tr := newHandler(t, ctl)

	ext := call.ExternalData{CorrelationID: "X", ContactID: "c-1", ContactName: "Acme"}
	if err := h.Dial("0170/123 45 67", ext); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	if len(ctl.dialed) != 1 || ctl.dialed[0] != "0170/123 45 67" {
		t.Fatalf("transport dialed %v, want the raw destination", ctl.dialed)
	}
	rec := tr.FindPendingCallByNumber("491701234567")
	if rec == nil {
		t.Fatal("no pending call indexed under the normalized number")
	}
	if rec.External.CorrelationID != "X" || rec.External.ContactID != "c-1" {
		t.Errorf("pending record lost external data: %+v", rec.External)
	}
	if !rec.DatevOriginated {
		t.Error("pending record not marked as click-to-dial")
	}
	if rec.External.Begin.IsZero() {
		t.Error("begin timestamp not stamped")
	}
}

func TestDialRollsBackPendingOnRejection(t *testing.T) {
	ctl := &fakeControl{monitoring: true, dialResult: transport.DialRejected}
	h, tr := newHandler(t, ctl)

	if err := h.Dial("01701234567", call.ExternalData{CorrelationID: "X"}); err == nil {
		t.Fatal("Dial succeeded despite transport rejection")
	}
	if tr.PendingCount() != 0 {
		t.Errorf("pending count = %d after rollback, want 0", tr.PendingCount())
	}
	if tr.FindPendingCallByNumber("491701234567") != nil {
		t.Error("number index still resolves after rollback")
	}
}

func TestDialRejectsUndialableDestination(t *testing.T) {
	ctl := &fakeControl{monitoring: true, dialResult: transport.DialAccepted}
	h, _ := newHandler(t, ctl)

	if err := h.Dial("not a number", call.ExternalData{}); !errors.Is(err, ErrNoDestination) {
		t.Errorf("expected ErrNoDestination, got %v", err)
	}
	if len(ctl.dialed) != 0 {
		t.Error("transport was asked to dial garbage")
	}
}

func TestDialRequiresConnectedTransport(t *testing.T) {
	ctl := &fakeControl{monitoring: false}
	h, tr := newHandler(t, ctl)

	if err := h.Dial("01701234567", call.ExternalData{}); !errors.Is(err, ErrNotMonitoring) {
		t.Errorf("expected ErrNotMonitoring, got %v", err)
	}
	if tr.PendingCount() != 0 {
		t.Error("pending call registered without a transport")
	}
}

func TestDropConnectedCall(t *testing.T) {
	ctl := &fakeControl{monitoring: true, dropResult: transport.DialAccepted}
	h, tr := newHandler(t, ctl)

	rec := tr.AddCall("77", false)
	rec.External.CorrelationID = "X"
	if !call.TryTransition(rec, call.StateRingback, quietLog()) ||
		!call.TryTransition(rec, call.StateConnected, quietLog()) {
		t.Fatal("setting up connected call")
	}

	if err := h.Drop("X"); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	if len(ctl.dropped) != 1 || ctl.dropped[0] != "77" {
		t.Errorf("transport dropped %v, want [77]", ctl.dropped)
	}
}

func TestDropRefusesRingingCall(t *testing.T) {
	ctl := &fakeControl{monitoring: true, dropResult: transport.DialAccepted}
	h, tr := newHandler(t, ctl)

	rec := tr.AddCall("5", true)
	rec.External.CorrelationID = "X"
	call.TryTransition(rec, call.StateRinging, quietLog())

	if err := h.Drop("X"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if len(ctl.dropped) != 0 {
		t.Error("ringing call was dropped")
	}
}

func TestDropRefusesUnpromotedPendingCall(t *testing.T) {
	ctl := &fakeControl{monitoring: true, dialResult: transport.DialAccepted, dropResult: transport.DialAccepted}
	h, tr := newHandler(t, ctl)

	if err := h.Dial("01701234567", call.ExternalData{CorrelationID: "X"}); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	// Even if the pending record somehow reached Connected, its temp id is
	// meaningless to the transport.
	rec := tr.FindPendingCallByNumber("491701234567")
	if rec == nil {
		t.Fatal("pending call not registered")
	}
	call.TryTransition(rec, call.StateConnected, quietLog())

	if err := h.Drop("X"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if len(ctl.dropped) != 0 {
		t.Errorf("transport asked to drop temp handle: %v", ctl.dropped)
	}
}

func TestDropUnknownCorrelationID(t *testing.T) {
	ctl := &fakeControl{monitoring: true}
	h, _ := newHandler(t, ctl)

	if err := h.Drop("nope"); !errors.Is(err, ErrUnknownCall) {
		t.Errorf("expected ErrUnknownCall, got %v", err)
	}
}
