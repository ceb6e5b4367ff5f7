package datev

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/pbxlink/datev-connector/internal/config"
	"github.com/pbxlink/datev-connector/internal/resilience"
)

// DataSource is one entry of the accounting application's data-source
// catalogue (client inventories, address pools). Calls are tagged with the
// data source their contact was resolved from.
type DataSource struct {
	ID   string
	Name string
}

// CatalogueFetch retrieves the current catalogue from the accounting
// application.
type CatalogueFetch func(ctx context.Context) ([]DataSource, error)

// ErrCatalogueUnavailable is returned when the catalogue cannot be fetched
// and no earlier fetch succeeded.
var ErrCatalogueUnavailable = errors.New("data source catalogue unavailable")

// DataSourceLoader fetches the catalogue behind a breaker and retries,
// falling back to the last successful result while the accounting
// application is unreachable.
type DataSourceLoader struct {
	fetch   CatalogueFetch
	breaker *resilience.CircuitBreaker
	policy  resilience.RetryPolicy
	log     *logrus.Entry

	mu   sync.Mutex
	last []DataSource
}

func NewDataSourceLoader(fetch CatalogueFetch, cfg config.NotifierConfig, log *logrus.Entry) *DataSourceLoader {
	return &DataSourceLoader{
		fetch: fetch,
		breaker: resilience.NewCircuitBreaker("sdd-catalogue", resilience.BreakerOptions{
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

// Load returns the catalogue, from the accounting application if it answers,
// otherwise from the last good fetch.
func (l *DataSourceLoader) Load(ctx context.Context) ([]DataSource, error) {
	if l.breaker.IsOperationAllowed() {
		sources, ok := resilience.RetryContext(ctx, l.policy, "sdd-catalogue", func(ctx context.Context) ([]DataSource, error) {
			return l.fetch(ctx)
		})
		if ok {
			l.breaker.RecordSuccess()
			l.mu.Lock()
			l.last = sources
			l.mu.Unlock()
			return sources, nil
		}
		l.breaker.RecordFailure()
	}

	l.mu.Lock()
	last := l.last
	l.mu.Unlock()
	if last == nil {
		return nil, ErrCatalogueUnavailable
	}
	l.log.WithField("sources", len(last)).Debug("serving cached data source catalogue")
	return last, nil
}
