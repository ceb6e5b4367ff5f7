// Package service composes the connector: configuration, transport
// selection, the reconciliation engine and the outbound notifier chain, plus
// the reconnect loop that keeps a provider attached.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pbxlink/datev-connector/internal/config"
	"github.com/pbxlink/datev-connector/internal/datev"
	"github.com/pbxlink/datev-connector/internal/engine"
	"github.com/pbxlink/datev-connector/internal/history"
	"github.com/pbxlink/datev-connector/internal/monitor"
	"github.com/pbxlink/datev-connector/internal/phone"
	"github.com/pbxlink/datev-connector/internal/routing"
	"github.com/pbxlink/datev-connector/internal/tracker"
	"github.com/pbxlink/datev-connector/internal/transport"
	"github.com/pbxlink/datev-connector/internal/transport/browserext"
	"github.com/pbxlink/datev-connector/internal/transport/linemon"
	"github.com/pbxlink/datev-connector/internal/transport/pipe"
)

// Options inject the accounting-side collaborators. Nil fields fall back to
// headless defaults: notifications to the log, contact resolution empty,
// journal offers auto-accepted.
type Options struct {
	ConfigPath string
	Notifier   datev.Notifier
	Resolver   engine.ContactResolver
	UI         engine.UserInterface
	// Catalogue fetches the accounting application's data-source catalogue.
	// Nil yields an empty catalogue.
	Catalogue datev.CatalogueFetch
	Log       *logrus.Entry
}

// Connector is the long-running service. Create with New, drive with Run,
// dispose with Close.
type Connector struct {
	configPath string
	log        *logrus.Entry

	tracker *tracker.Tracker
	routes  *routing.Cache
	history *history.Store
	journal *datev.JournalSender
	proc    *engine.Processor
	cmds    *datev.CommandHandler
	sdd     *datev.DataSourceLoader
	tap     *monitor.Tap

	mu       sync.Mutex
	provider transport.ConnectionMethod
}

func New(opts Options) (*Connector, error) {
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	cfg, err := config.Load(opts.ConfigPath)
	if errors.Is(err, os.ErrNotExist) {
		log.WithField("path", opts.ConfigPath).Info("no config file, using defaults")
		cfg = config.Default()
	} else if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if lvl, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		log.Logger.SetLevel(lvl)
	}

	c := &Connector{
		configPath: opts.ConfigPath,
		log:        log,
	}

	c.tracker = tracker.New(tracker.Options{
		SweepInterval: cfg.Tracker.SweepInterval,
		StaleActive:   cfg.Tracker.StaleActive,
		StalePending:  cfg.Tracker.StalePending,
		Log:           log.WithField("component", "tracker"),
	})
	c.routes = routing.New(cfg.Routing.TTL, cfg.Routing.SweepInterval)
	c.history, err = history.New(history.Options{
		MaxEntries: cfg.History.MaxEntries,
		MaxAge:     cfg.History.MaxAge,
	})
	if err != nil {
		return nil, fmt.Errorf("creating history store: %w", err)
	}

	base := opts.Notifier
	if base == nil {
		base = datev.NewLogNotifier(log)
	}
	guarded := datev.NewGuardedNotifier(base, cfg.Notifier, log.WithField("component", "notifier"))

	var notifier datev.Notifier = guarded
	if cfg.Monitor.Enabled {
		tap, err := monitor.New(cfg.Monitor, log.WithField("component", "monitor"))
		if err != nil {
			// The tap is diagnostic only; a dead broker must not keep the
			// connector from starting.
			log.WithError(err).Warn("monitor tap unavailable")
		} else {
			c.tap = tap
			notifier = &datev.Fanout{Primary: guarded, Taps: []datev.Notifier{tap}, Log: log}
		}
	}

	c.journal = datev.NewJournalSender(notifier, c.tracker, c.history, log.WithField("component", "journal"))

	resolver := opts.Resolver
	if resolver == nil {
		resolver = emptyResolver{}
	}
	ui := opts.UI
	if ui == nil {
		ui = &logUI{log: log.WithField("component", "ui")}
	}

	normalizer := phone.Normalizer{DefaultCountry: cfg.Phone.DefaultCountry}
	c.proc = engine.New(engine.Options{
		Tracker:    c.tracker,
		Routes:     c.routes,
		Resolver:   resolver,
		UI:         ui,
		Notifier:   notifier,
		History:    c.history,
		Journal:    c.journal,
		Normalizer: normalizer,
		Policy:     cfg.Journal,
		Log:        log.WithField("component", "engine"),
	})

	c.cmds = datev.NewCommandHandler(datev.CommandHandlerOptions{
		Tracker:    c.tracker,
		Provider:   func() datev.CallControl { return c.currentProvider() },
		Normalizer: normalizer,
		Log:        log.WithField("component", "commands"),
	})

	fetch := opts.Catalogue
	if fetch == nil {
		fetch = func(context.Context) ([]datev.DataSource, error) { return nil, nil }
	}
	c.sdd = datev.NewDataSourceLoader(fetch, cfg.Notifier, log.WithField("component", "sdd"))

	return c, nil
}

// Commands exposes the dial/drop handler for the accounting-side adapter.
func (c *Connector) Commands() *datev.CommandHandler { return c.cmds }

// DataSources exposes the catalogue loader for the accounting-side adapter.
func (c *Connector) DataSources() *datev.DataSourceLoader { return c.sdd }

// Run blocks until ctx is cancelled, reconnecting to a transport whenever the
// session ends. Configuration is re-read each cycle so mode changes apply
// without a restart.
func (c *Connector) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.sessionLoop(ctx) })
	g.Go(func() error { return c.maintenanceLoop(ctx) })

	return g.Wait()
}

func (c *Connector) sessionLoop(ctx context.Context) error {
	for {
		cfg, err := config.Load(c.configPath)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				c.log.WithError(err).Error("reloading config")
			}
			cfg = config.Default()
		}

		if err := c.runSession(ctx, cfg); err != nil {
			c.log.WithError(err).Warn("transport session ended")
		}
		if ctx.Err() != nil {
			return nil
		}

		delay := cfg.Provider.ReconnectDelay
		if delay <= 0 {
			delay = 5 * time.Second
		}
		c.log.WithField("delay", delay).Info("reconnecting")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connector) runSession(ctx context.Context, cfg *config.Config) error {
	selector := &transport.Selector{
		NewPipe:        pipe.New,
		NewLineMonitor: linemon.New,
		NewBrowserExt:  browserext.New,
		Log:            c.log.WithField("component", "selector"),
	}

	provider, transcript, err := selector.Select(ctx, cfg)
	if err != nil {
		c.log.WithError(err).Error("selecting connection method")
		for _, line := range splitLines(transcript) {
			c.log.Info(line)
		}
		return err
	}

	provider.SetHandler(c.proc)
	c.setProvider(provider)
	defer func() {
		c.setProvider(nil)
		provider.Close()
	}()

	c.log.WithField("provider", provider.Name()).Info("transport session starting")
	return provider.Start(ctx)
}

// maintenanceLoop ages out history entries and retries deferred journals once
// a minute.
func (c *Connector) maintenanceLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.history.Sweep()
			if sent := c.journal.FlushUnsubmitted(); sent > 0 {
				c.log.WithField("sent", sent).Info("resubmitted deferred journals")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connector) setProvider(p transport.ConnectionMethod) {
	c.mu.Lock()
	c.provider = p
	c.mu.Unlock()
}

func (c *Connector) currentProvider() transport.ConnectionMethod {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.provider
}

// Close releases everything Run left behind. Safe after Run returned.
func (c *Connector) Close() {
	c.tracker.Close()
	if c.tap != nil {
		c.tap.Close()
	}
	if p := c.currentProvider(); p != nil {
		p.Close()
	}
}

func splitLines(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// emptyResolver is the headless default: no contact lookup available.
type emptyResolver struct{}

func (emptyResolver) Resolve(string) []routing.Contact { return nil }

// logUI renders the popup surface into the log. Journal offers are accepted
// so finished calls still reach the journal; contact choices are declined
// because there is nobody to ask.
type logUI struct {
	log *logrus.Entry
}

func (u *logUI) ShowCallerPopup(callID string, n datev.CallNotification) {
	u.log.WithFields(logrus.Fields{"call_id": callID, "number": n.Number}).Info("caller popup")
}

func (u *logUI) CloseCallerPopup(callID string) {
	u.log.WithField("call_id", callID).Debug("caller popup closed")
}

func (u *logUI) OfferContactChoice(string, []routing.Contact) (routing.Contact, bool) {
	return routing.Contact{}, false
}

func (u *logUI) OfferJournal(*history.Entry) bool { return true }
