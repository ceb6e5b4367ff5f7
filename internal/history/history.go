// Package history keeps bounded, direction-segmented snapshots of finished
// calls whose contact was resolved, so a journal notification that could not
// be sent at hangup time can be re-submitted later.
package history

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pbxlink/datev-connector/internal/call"
)

// Clock provides the current time. Defaults to time.Now; override in tests.
type Clock func() time.Time

// Entry is an immutable-after-creation snapshot of a terminal call. Only
// Submitted is ever mutated, via Store.MarkSubmitted.
type Entry struct {
	CallID        string
	Incoming      bool
	Number        string
	ContactID     string
	ContactName   string
	DataSource    string
	CorrelationID string
	Begin         time.Time
	End           time.Time
	State         call.DomainState
	Note          string
	Submitted     bool

	addedAt time.Time
}

type Options struct {
	// MaxEntries bounds each direction's buffer independently.
	MaxEntries int
	// MaxAge drops entries older than this on read and sweep.
	MaxAge time.Duration
	Clock  Clock
}

// Store holds one LRU-bounded buffer per call direction. Size eviction is
// delegated to the LRU; age eviction happens on access and in Sweep.
type Store struct {
	mu       sync.Mutex
	inbound  *lru.Cache[string, *Entry]
	outbound *lru.Cache[string, *Entry]
	maxAge   time.Duration
	clock    Clock
}

func New(opts Options) (*Store, error) {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	in, err := lru.New[string, *Entry](opts.MaxEntries)
	if err != nil {
		return nil, err
	}
	out, err := lru.New[string, *Entry](opts.MaxEntries)
	if err != nil {
		return nil, err
	}
	return &Store{
		inbound:  in,
		outbound: out,
		maxAge:   opts.MaxAge,
		clock:    opts.Clock,
	}, nil
}

// Add stores the snapshot, displacing the oldest entry of the same direction
// when the buffer is full.
func (s *Store) Add(e *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.addedAt = s.clock()
	s.buf(e.Incoming).Add(e.CallID, e)
}

// Get returns the entry for callID in the given direction.
func (s *Store) Get(callID string, incoming bool) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.buf(incoming).Get(callID)
	if !ok {
		return nil, false
	}
	if s.expired(e) {
		s.buf(incoming).Remove(callID)
		return nil, false
	}
	return e, true
}

// Unsubmitted returns all live entries whose journal has not been sent yet,
// pruning anything past its age limit along the way.
func (s *Store) Unsubmitted() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Entry
	for _, buf := range []*lru.Cache[string, *Entry]{s.inbound, s.outbound} {
		for _, key := range buf.Keys() {
			e, ok := buf.Peek(key)
			if !ok {
				continue
			}
			if s.expired(e) {
				buf.Remove(key)
				continue
			}
			if !e.Submitted {
				out = append(out, e)
			}
		}
	}
	return out
}

// MarkSubmitted flips the single mutable flag of an entry.
func (s *Store) MarkSubmitted(callID string, incoming bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.buf(incoming).Peek(callID); ok {
		e.Submitted = true
	}
}

// Sweep removes entries past their age limit.
func (s *Store) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, buf := range []*lru.Cache[string, *Entry]{s.inbound, s.outbound} {
		for _, key := range buf.Keys() {
			if e, ok := buf.Peek(key); ok && s.expired(e) {
				buf.Remove(key)
			}
		}
	}
}

// Len reports live entry counts per direction.
func (s *Store) Len() (in, out int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inbound.Len(), s.outbound.Len()
}

func (s *Store) buf(incoming bool) *lru.Cache[string, *Entry] {
	if incoming {
		return s.inbound
	}
	return s.outbound
}

func (s *Store) expired(e *Entry) bool {
	return s.maxAge > 0 && s.clock().Sub(e.addedAt) > s.maxAge
}
