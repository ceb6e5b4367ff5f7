package call

import (
	"context"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"
)

// MachineState is the internal lifecycle state guarded by the transition
// table. It is only ever advanced through TryTransition.
type MachineState string

const (
	StateInitializing MachineState = "initializing"
	StateRinging      MachineState = "ringing"
	StateRingback     MachineState = "ringback"
	StateConnected    MachineState = "connected"
	// StateDisconnected is terminal; no transition leaves it.
	StateDisconnected MachineState = "disconnected"
)

// machine wraps a looplab FSM carrying the physically meaningful
// progressions of a phone call:
//
//	Initializing -> Ringing | Ringback | Connected | Disconnected
//	Ringing      -> Connected | Disconnected
//	Ringback     -> Connected | Disconnected
//	Connected    -> Disconnected
//
// Event names equal the target state, so attempting a transition is just
// firing the event named after the desired state.
type machine struct {
	f *fsm.FSM
}

func newMachine() *machine {
	init := string(StateInitializing)
	return &machine{f: fsm.NewFSM(
		init,
		fsm.Events{
			{Name: string(StateRinging), Src: []string{init}, Dst: string(StateRinging)},
			{Name: string(StateRingback), Src: []string{init}, Dst: string(StateRingback)},
			{Name: string(StateConnected), Src: []string{init, string(StateRinging), string(StateRingback)}, Dst: string(StateConnected)},
			{Name: string(StateDisconnected), Src: []string{init, string(StateRinging), string(StateRingback), string(StateConnected)}, Dst: string(StateDisconnected)},
		},
		fsm.Callbacks{},
	)}
}

func (m *machine) current() MachineState {
	return MachineState(m.f.Current())
}

// TryTransition attempts to move rec to target. On success the record's
// state advances and true is returned. Any pair outside the table leaves the
// record untouched, logs the rejection and returns false: transports deliver
// duplicated and out-of-order events, so a rejected transition is expected
// traffic, not an error.
//
// The check-and-set runs under the record's lock so two racing events can
// never both observe the same pre-transition state.
func TryTransition(rec *Record, target MachineState, log *logrus.Entry) bool {
	rec.Lock()
	defer rec.Unlock()

	from := rec.machine.current()
	if err := rec.machine.f.Event(context.Background(), string(target)); err != nil {
		if log != nil {
			log.WithFields(logrus.Fields{
				"call_id": rec.ID,
				"from":    from,
				"to":      target,
			}).Debug("rejected call state transition")
		}
		return false
	}
	return true
}
