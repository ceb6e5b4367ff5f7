package call

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func recordIn(t *testing.T, state MachineState) *Record {
	t.Helper()
	rec := New("1", true, time.Now())
	switch state {
	case StateInitializing:
	case StateRinging:
		mustTransition(t, rec, StateRinging)
	case StateRingback:
		mustTransition(t, rec, StateRingback)
	case StateConnected:
		mustTransition(t, rec, StateConnected)
	case StateDisconnected:
		mustTransition(t, rec, StateDisconnected)
	}
	return rec
}

func mustTransition(t *testing.T, rec *Record, target MachineState) {
	t.Helper()
	if !TryTransition(rec, target, quietLog()) {
		t.Fatalf("setup transition %s -> %s failed", rec.State(), target)
	}
}

func TestTransitionTable(t *testing.T) {
	all := []MachineState{StateInitializing, StateRinging, StateRingback, StateConnected, StateDisconnected}
	valid := map[MachineState][]MachineState{
		StateInitializing: {StateRinging, StateRingback, StateConnected, StateDisconnected},
		StateRinging:      {StateConnected, StateDisconnected},
		StateRingback:     {StateConnected, StateDisconnected},
		StateConnected:    {StateDisconnected},
		StateDisconnected: {},
	}

	for from, targets := range valid {
		allowed := map[MachineState]bool{}
		for _, tgt := range targets {
			allowed[tgt] = true
		}
		for _, to := range all {
			rec := recordIn(t, from)
			got := TryTransition(rec, to, quietLog())
			if got != allowed[to] {
				t.Errorf("%s -> %s: got %v, want %v", from, to, got, allowed[to])
			}
			if allowed[to] && rec.State() != to {
				t.Errorf("%s -> %s: state not advanced, still %s", from, to, rec.State())
			}
			if !allowed[to] && rec.State() != from {
				t.Errorf("%s -> %s: rejected transition mutated state to %s", from, to, rec.State())
			}
		}
	}
}

func TestDisconnectedIsAbsorbing(t *testing.T) {
	rec := recordIn(t, StateConnected)
	mustTransition(t, rec, StateDisconnected)

	for _, to := range []MachineState{StateInitializing, StateRinging, StateRingback, StateConnected, StateDisconnected} {
		if TryTransition(rec, to, quietLog()) {
			t.Errorf("transition out of disconnected to %s succeeded", to)
		}
	}
	if rec.State() != StateDisconnected {
		t.Errorf("state left disconnected: %s", rec.State())
	}
}

func TestConcurrentDisconnectAppliesOnce(t *testing.T) {
	rec := recordIn(t, StateConnected)

	results := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		go func() { results <- TryTransition(rec, StateDisconnected, quietLog()) }()
	}

	wins := 0
	for i := 0; i < 2; i++ {
		if <-results {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("expected exactly one racing disconnect to win, got %d", wins)
	}
}

func TestDuration(t *testing.T) {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	rec := New("1", true, start)

	if rec.Duration() != 0 {
		t.Error("expected zero duration before call ends")
	}

	rec.ConnectedAt = start.Add(5 * time.Second)
	rec.EndedAt = start.Add(65 * time.Second)
	if rec.Duration() != time.Minute {
		t.Errorf("expected 1m talk duration, got %v", rec.Duration())
	}

	missed := New("2", true, start)
	missed.EndedAt = start.Add(20 * time.Second)
	if missed.Duration() != 20*time.Second {
		t.Errorf("expected ring duration for unanswered call, got %v", missed.Duration())
	}
}

func TestTempID(t *testing.T) {
	a, b := TempID(), TempID()
	if a == b {
		t.Error("temp ids must be unique")
	}
	if !IsTempID(a) {
		t.Errorf("temp id %q not recognized", a)
	}
	if IsTempID("77") {
		t.Error("transport id misclassified as temp id")
	}
}
