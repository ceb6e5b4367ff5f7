// Package call holds the per-call state that the reconciliation engine
// accumulates across transport events, and the state machine guarding its
// transitions.
package call

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DomainState is the outward-facing call state reported to the accounting side.
type DomainState string

const (
	DomainOffered   DomainState = "offered"
	DomainConnected DomainState = "connected"
	DomainFinished  DomainState = "finished"
	// DomainAbsent marks a call that ended without ever connecting (missed).
	DomainAbsent DomainState = "absent"
)

// ExternalData carries the accounting-side fields that must survive the
// call's whole lifetime. CorrelationID in particular is assigned once and
// never overwritten; re-issuing it would break the accounting application's
// own de-duplication.
type ExternalData struct {
	CorrelationID string
	ContactID     string
	ContactName   string
	DataSource    string
	Begin         time.Time
	End           time.Time
	Note          string
}

// Record is the mutable state of one call. It is owned by the tracker for
// its lifetime and handed by reference to the event processor for mutation
// during event handling. The embedded mutex serializes transitions and field
// stamps; TryTransition takes it itself.
type Record struct {
	sync.Mutex

	// ID is the transport-assigned call identifier, or a temporary id
	// (see TempID) until the call is promoted.
	ID       string
	Incoming bool

	RemoteNumber string
	RemoteName   string
	// NormalizedRemote is the index key for RemoteNumber.
	NormalizedRemote string
	LocalNumber      string

	Start       time.Time
	ConnectedAt time.Time
	EndedAt     time.Time

	Domain   DomainState
	External ExternalData

	// DatevOriginated marks click-to-dial calls created by a Dial command.
	DatevOriginated bool
	ContactResolved bool
	WasConnected    bool

	machine *machine
}

// New creates a Record in the Initializing machine state.
func New(id string, incoming bool, start time.Time) *Record {
	return &Record{
		ID:       id,
		Incoming: incoming,
		Start:    start,
		Domain:   DomainOffered,
		machine:  newMachine(),
	}
}

// State returns the current state-machine state.
func (r *Record) State() MachineState {
	return r.machine.current()
}

// Duration is end - (connected if the call was answered, else start).
// Zero until the call has ended.
func (r *Record) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return 0
	}
	from := r.Start
	if !r.ConnectedAt.IsZero() {
		from = r.ConnectedAt
	}
	return r.EndedAt.Sub(from)
}

// Age reports how long the call has been tracked.
func (r *Record) Age(now time.Time) time.Duration {
	return now.Sub(r.Start)
}

const tempIDPrefix = "tmp-"

var tempSeq atomic.Uint64

// TempID returns a process-unique temporary call id. The prefix keeps it out
// of the transport id space; the uuid suffix keeps ids unique across
// restarts, the counter keeps them monotonic within a process.
func TempID() string {
	return fmt.Sprintf("%s%d-%s", tempIDPrefix, tempSeq.Add(1), uuid.NewString()[:8])
}

// IsTempID reports whether id was produced by TempID.
func IsTempID(id string) bool {
	return len(id) > len(tempIDPrefix) && id[:len(tempIDPrefix)] == tempIDPrefix
}
