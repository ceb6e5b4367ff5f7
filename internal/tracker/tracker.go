// Package tracker is the single source of truth for in-flight calls. It owns
// every Record from creation to removal and keeps the reverse indexes that
// let the engine correlate transport events with accounting-side commands.
package tracker

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pbxlink/datev-connector/internal/call"
)

// Clock provides the current time. Defaults to time.Now; override in tests.
type Clock func() time.Time

type Options struct {
	// SweepInterval is how often the staleness sweep runs.
	SweepInterval time.Duration
	// StaleActive evicts active calls that never received a terminal event.
	StaleActive time.Duration
	// StalePending evicts pending calls whose dial never produced a
	// matching transport event.
	StalePending time.Duration
	Clock        Clock
	Log          *logrus.Entry
}

// Tracker is safe for concurrent use; all access goes through its methods,
// callers never lock around it. Promotion and removal update all indexes
// under one critical section so a concurrent lookup never observes a call in
// neither or both tables.
type Tracker struct {
	mu      sync.RWMutex
	active  map[string]*call.Record
	pending map[string]*call.Record

	// byCorrelation maps accounting correlation id -> active call id.
	byCorrelation map[string]string
	// pendingByNumber maps normalized number -> temp ids, oldest first, so
	// concurrent dials to the same number resolve in dial order.
	pendingByNumber map[string][]string

	staleActive  time.Duration
	stalePending time.Duration
	clock        Clock
	log          *logrus.Entry

	done      chan struct{}
	closeOnce sync.Once
}

func New(opts Options) *Tracker {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	t := &Tracker{
		active:          make(map[string]*call.Record),
		pending:         make(map[string]*call.Record),
		byCorrelation:   make(map[string]string),
		pendingByNumber: make(map[string][]string),
		staleActive:     opts.StaleActive,
		stalePending:    opts.StalePending,
		clock:           opts.Clock,
		log:             opts.Log,
		done:            make(chan struct{}),
	}
	if opts.SweepInterval > 0 {
		go t.sweepLoop(opts.SweepInterval)
	}
	return t
}

// GenerateTempID returns a fresh temporary call id for a pending call.
func (t *Tracker) GenerateTempID() string {
	return call.TempID()
}

// AddPendingCall registers a call that the accounting side initiated before
// any transport confirmation exists. Idempotent: an existing record under
// tempID is returned unchanged.
func (t *Tracker) AddPendingCall(tempID string, incoming bool) *call.Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec, ok := t.pending[tempID]; ok {
		return rec
	}
	rec := call.New(tempID, incoming, t.clock())
	t.pending[tempID] = rec
	return rec
}

// UpdatePendingPhoneIndex (re)indexes tempID under the normalized number.
// No-op for an empty number.
func (t *Tracker) UpdatePendingPhoneIndex(tempID, normalized string) {
	if normalized == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.pending[tempID]
	if !ok {
		return
	}
	if prev := rec.NormalizedRemote; prev != "" && prev != normalized {
		t.dropNumberIndexLocked(tempID, prev)
	}
	rec.NormalizedRemote = normalized

	for _, id := range t.pendingByNumber[normalized] {
		if id == tempID {
			return
		}
	}
	t.pendingByNumber[normalized] = append(t.pendingByNumber[normalized], tempID)
}

// PromotePendingCall atomically moves the pending record to the active table
// under the transport's real id, carrying every field over, in particular
// the accounting correlation data. Returns nil if tempID is unknown (already
// removed or swept); callers treat that as "create fresh".
func (t *Tracker) PromotePendingCall(tempID, realID string) *call.Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.pending[tempID]
	if !ok {
		return nil
	}
	delete(t.pending, tempID)
	t.dropNumberIndexLocked(tempID, rec.NormalizedRemote)

	rec.ID = realID
	t.active[realID] = rec
	if cid := rec.External.CorrelationID; cid != "" {
		t.byCorrelation[cid] = realID
	}

	t.log.WithFields(logrus.Fields{"temp_id": tempID, "call_id": realID}).
		Debug("promoted pending call")
	return rec
}

// RemovePendingCall drops a pending record, e.g. after the transport rejected
// the dial. Returns nil if absent.
func (t *Tracker) RemovePendingCall(tempID string) *call.Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.pending[tempID]
	if !ok {
		return nil
	}
	delete(t.pending, tempID)
	t.dropNumberIndexLocked(tempID, rec.NormalizedRemote)
	return rec
}

// AddCall inserts a call reported by the transport. Idempotent: duplicate
// transport notifications for the same id return the existing record instead
// of creating a second one.
func (t *Tracker) AddCall(id string, incoming bool) *call.Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec, ok := t.active[id]; ok {
		return rec
	}
	rec := call.New(id, incoming, t.clock())
	t.active[id] = rec
	return rec
}

// GetCall returns the active record for id, or nil.
func (t *Tracker) GetCall(id string) *call.Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active[id]
}

// FindCallByCorrelationID resolves an accounting correlation id to its call.
// The reverse index is consulted first; on a miss the active and then the
// pending tables are scanned and the index self-heals from the hit.
func (t *Tracker) FindCallByCorrelationID(correlationID string) *call.Record {
	if correlationID == "" {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.byCorrelation[correlationID]; ok {
		if rec, ok := t.active[id]; ok {
			return rec
		}
		delete(t.byCorrelation, correlationID)
	}
	for id, rec := range t.active {
		if rec.External.CorrelationID == correlationID {
			t.byCorrelation[correlationID] = id
			return rec
		}
	}
	for _, rec := range t.pending {
		if rec.External.CorrelationID == correlationID {
			return rec
		}
	}
	return nil
}

// FindPendingCallByNumber returns the oldest pending call dialed to the
// normalized number, or nil. Same index-then-scan-then-heal pattern as
// FindCallByCorrelationID.
func (t *Tracker) FindPendingCallByNumber(normalized string) *call.Record {
	if normalized == "" {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := t.pendingByNumber[normalized]
	for len(ids) > 0 {
		if rec, ok := t.pending[ids[0]]; ok {
			t.pendingByNumber[normalized] = ids
			return rec
		}
		ids = ids[1:] // stale entry, heal as we go
	}
	delete(t.pendingByNumber, normalized)

	var oldest *call.Record
	for _, rec := range t.pending {
		if rec.NormalizedRemote != normalized {
			continue
		}
		if oldest == nil || rec.Start.Before(oldest.Start) {
			oldest = rec
		}
	}
	if oldest != nil {
		t.pendingByNumber[normalized] = []string{oldest.ID}
	}
	return oldest
}

// RemoveCall removes id from the active table and its correlation index.
// Returns the removed record, or nil.
func (t *Tracker) RemoveCall(id string) *call.Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.active[id]
	if !ok {
		return nil
	}
	delete(t.active, id)
	if cid := rec.External.CorrelationID; cid != "" && t.byCorrelation[cid] == id {
		delete(t.byCorrelation, cid)
	}
	return rec
}

// Count returns the number of active calls. The journal gate depends on it.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.active)
}

// PendingCount returns the number of pending calls.
func (t *Tracker) PendingCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pending)
}

// Snapshot lists the active records for diagnostics.
func (t *Tracker) Snapshot() []*call.Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*call.Record, 0, len(t.active))
	for _, rec := range t.active {
		out = append(out, rec)
	}
	return out
}

// Sweep runs one eviction pass: active calls older than StaleActive and
// pending calls older than StalePending never received a terminal transport
// event and are force-removed to bound growth. Exposed for the timer loop
// and for tests.
func (t *Tracker) Sweep() {
	now := t.clock()

	t.mu.Lock()
	defer t.mu.Unlock()

	for id, rec := range t.active {
		if age := rec.Age(now); age > t.staleActive {
			delete(t.active, id)
			if cid := rec.External.CorrelationID; cid != "" && t.byCorrelation[cid] == id {
				delete(t.byCorrelation, cid)
			}
			t.log.WithFields(logrus.Fields{"call_id": id, "age": age}).
				Warn("evicted stale active call")
		}
	}
	for id, rec := range t.pending {
		if age := rec.Age(now); age > t.stalePending {
			delete(t.pending, id)
			t.dropNumberIndexLocked(id, rec.NormalizedRemote)
			t.log.WithFields(logrus.Fields{"temp_id": id, "age": age}).
				Warn("evicted stale pending call")
		}
	}
}

// Close stops the sweep loop. No operations are valid afterwards.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() { close(t.done) })
}

func (t *Tracker) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.Sweep()
		case <-t.done:
			return
		}
	}
}

// dropNumberIndexLocked removes tempID from the number index. Caller holds mu.
func (t *Tracker) dropNumberIndexLocked(tempID, normalized string) {
	if normalized == "" {
		return
	}
	ids := t.pendingByNumber[normalized]
	for i, id := range ids {
		if id == tempID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(t.pendingByNumber, normalized)
	} else {
		t.pendingByNumber[normalized] = ids
	}
}
