package datev

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/pbxlink/datev-connector/internal/config"
	"github.com/pbxlink/datev-connector/internal/resilience"
)

// ErrCircuitOpen is returned while the notifier breaker refuses traffic.
var ErrCircuitOpen = errors.New("notifier circuit open")

// GuardedNotifier wraps a Notifier with a circuit breaker and retries, so a
// hung or crashed accounting application cannot stall call handling. Every
// method shares one breaker: the accounting side is one dependency, not four.
type GuardedNotifier struct {
	inner   Notifier
	breaker *resilience.CircuitBreaker
	policy  resilience.RetryPolicy
	log     *logrus.Entry
}

func NewGuardedNotifier(inner Notifier, cfg config.NotifierConfig, log *logrus.Entry) *GuardedNotifier {
	return &GuardedNotifier{
		inner: inner,
		breaker: resilience.NewCircuitBreaker("datev-notifier", resilience.BreakerOptions{
			FailureThreshold: cfg.FailureThreshold,
			OpenTimeout:      cfg.OpenTimeout,
			ProbeInterval:    cfg.ProbeInterval,
			Log:              log,
		}),
		policy: resilience.RetryPolicy{
			MaxAttempts:  cfg.RetryAttempts,
			InitialDelay: cfg.RetryDelay,
			MaxDelay:     cfg.RetryMaxDelay,
			Log:          log,
		},
		log: log,
	}
}

func (g *GuardedNotifier) NewCall(n CallNotification) error {
	return g.send("new_call", n, g.inner.NewCall)
}

func (g *GuardedNotifier) CallStateChanged(n CallNotification) error {
	return g.send("call_state_changed", n, g.inner.CallStateChanged)
}

func (g *GuardedNotifier) CallAdressatChanged(n CallNotification) error {
	return g.send("call_adressat_changed", n, g.inner.CallAdressatChanged)
}

func (g *GuardedNotifier) NewJournal(n CallNotification) error {
	return g.send("new_journal", n, g.inner.NewJournal)
}

// Breaker exposes the underlying breaker for diagnostics.
func (g *GuardedNotifier) Breaker() *resilience.CircuitBreaker {
	return g.breaker
}

func (g *GuardedNotifier) send(kind string, n CallNotification, op func(CallNotification) error) error {
	if !g.breaker.IsOperationAllowed() {
		g.log.WithField("kind", kind).Debug("dropping notification, circuit open")
		return ErrCircuitOpen
	}

	_, ok := resilience.Retry(g.policy, "notify:"+kind, func() (struct{}, error) {
		return struct{}{}, op(n)
	})
	if !ok {
		g.breaker.RecordFailure()
		return errors.New("notifying accounting application failed: " + kind)
	}
	g.breaker.RecordSuccess()
	return nil
}
