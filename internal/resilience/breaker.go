// Package resilience holds the generic failure-isolation primitives: a
// three-state circuit breaker and a bounded exponential-backoff retry
// executor. Both absorb errors and panics instead of propagating them.
package resilience

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// BreakerState is the circuit's position.
type BreakerState string

const (
	Closed   BreakerState = "closed"
	Open     BreakerState = "open"
	HalfOpen BreakerState = "half-open"
)

type BreakerOptions struct {
	// FailureThreshold is how many consecutive failures open the circuit.
	FailureThreshold int
	// OpenTimeout is how long the circuit stays open before probing.
	OpenTimeout time.Duration
	// ProbeInterval rate-limits probes while half-open.
	ProbeInterval time.Duration
	Clock         Clock
	Log           *logrus.Entry
}

// Clock provides the current time. Defaults to time.Now; override in tests.
type Clock func() time.Time

// CircuitBreaker guards calls to one named unreliable dependency. One
// instance per dependency, created at startup and shared by every call site;
// all state is protected by an internal lock.
type CircuitBreaker struct {
	name string

	mu        sync.Mutex
	state     BreakerState
	failures  int
	openedAt  time.Time
	lastProbe time.Time

	threshold     int
	openTimeout   time.Duration
	probeInterval time.Duration
	clock         Clock
	log           *logrus.Entry
}

func NewCircuitBreaker(name string, opts BreakerOptions) *CircuitBreaker {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &CircuitBreaker{
		name:          name,
		state:         Closed,
		threshold:     opts.FailureThreshold,
		openTimeout:   opts.OpenTimeout,
		probeInterval: opts.ProbeInterval,
		clock:         opts.Clock,
		log:           opts.Log.WithField("breaker", name),
	}
}

// IsOperationAllowed gates a call. Closed always admits. Open blocks until
// the open timeout has elapsed, then auto-transitions to half-open and admits
// one probe. Half-open admits at most one probe per probe interval.
func (b *CircuitBreaker) IsOperationAllowed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	switch b.state {
	case Closed:
		return true
	case Open:
		if now.Sub(b.openedAt) < b.openTimeout {
			return false
		}
		b.state = HalfOpen
		b.lastProbe = now
		b.log.Info("circuit half-open, probing")
		return true
	case HalfOpen:
		if now.Sub(b.lastProbe) < b.probeInterval {
			return false
		}
		b.lastProbe = now
		return true
	}
	return false
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state != Closed {
		b.log.Info("circuit closed")
		b.state = Closed
	}
}

// RecordFailure counts a failure, opening the circuit on threshold breach
// from closed, or immediately on a failed half-open probe.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch b.state {
	case Closed:
		if b.failures >= b.threshold {
			b.trip()
		}
	case HalfOpen:
		b.trip()
	}
}

// trip opens the circuit. Caller holds mu.
func (b *CircuitBreaker) trip() {
	b.state = Open
	b.openedAt = b.clock()
	b.log.WithField("failures", b.failures).Warn("circuit opened")
}

// Reset manually closes the circuit and clears its counters.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
}

// State returns the current circuit position.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs op under the breaker. It returns false without running op when
// the gate is shut; otherwise the outcome is recorded and reported. Panics in
// op count as failures and never escape.
func (b *CircuitBreaker) Execute(op func() error) bool {
	if !b.IsOperationAllowed() {
		return false
	}
	err := b.run(op)
	if err != nil {
		b.RecordFailure()
		b.log.WithError(err).Debug("guarded operation failed")
		return false
	}
	b.RecordSuccess()
	return true
}

// ExecuteValue runs op under breaker b, returning op's value and true on
// success, or the zero value and false when gated or failed.
func ExecuteValue[T any](b *CircuitBreaker, op func() (T, error)) (T, bool) {
	var result T
	ok := b.Execute(func() error {
		v, err := op()
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if !ok {
		var zero T
		return zero, false
	}
	return result, true
}

func (b *CircuitBreaker) run(op func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in guarded operation: %v", r)
		}
	}()
	return op()
}
