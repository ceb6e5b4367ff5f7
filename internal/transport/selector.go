package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pbxlink/datev-connector/internal/config"
)

// ErrNoProvider is returned when no connection method could be selected. The
// transcript accompanying it is the operator-facing diagnosis.
var ErrNoProvider = errors.New("no connection method available")

// Factory builds a provider from the current configuration. Factories are
// injected (rather than imported) so the selector stays testable and free of
// provider dependencies.
type Factory func(cfg *config.Config, log *logrus.Entry) ConnectionMethod

// Selector decides which connection method to use. It is re-invoked on every
// reconnect cycle with freshly loaded configuration, since both the
// environment (terminal server vs. desktop, driver availability) and the
// configured mode can change at runtime.
type Selector struct {
	NewPipe        Factory
	NewLineMonitor Factory
	NewBrowserExt  Factory

	// TerminalSession reports whether we run in a session-isolated
	// (terminal server) environment, which prefers the pipe provider.
	// Defaults to inspecting SESSIONNAME.
	TerminalSession func() bool

	Log *logrus.Entry
}

// Select picks a provider per cfg. Explicit modes instantiate directly
// without probing. Auto mode probes candidates in priority order, each probe
// time-boxed, the whole pass bounded by SelectTimeout. The returned
// transcript describes every attempt and its outcome regardless of success.
func (s *Selector) Select(ctx context.Context, cfg *config.Config) (ConnectionMethod, string, error) {
	ts := s.TerminalSession
	if ts == nil {
		ts = inTerminalSession
	}

	var transcript strings.Builder
	note := func(format string, args ...any) {
		fmt.Fprintf(&transcript, format+"\n", args...)
	}

	if cfg.Provider.Mode != config.ModeAuto {
		provider, err := s.build(cfg.Provider.Mode, cfg)
		if err != nil {
			note("configured mode %s: %v", cfg.Provider.Mode, err)
			return nil, transcript.String(), err
		}
		note("configured mode %s selected without probing", cfg.Provider.Mode)
		return provider, transcript.String(), nil
	}

	deadline := cfg.Provider.SelectTimeout
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	order := []config.ProviderMode{config.ModeLineMonitor, config.ModePipe}
	if ts() {
		// Session isolation breaks the driver's line binding; prefer the
		// pipe transport there.
		note("terminal session detected, preferring pipe transport")
		order = []config.ProviderMode{config.ModePipe, config.ModeLineMonitor}
	}
	if cfg.BrowserExt.Enabled {
		order = append(order, config.ModeBrowserExt)
	} else {
		note("browser extension transport disabled by configuration")
	}

	for _, mode := range order {
		if ctx.Err() != nil {
			note("auto-detection aborted: %v", ctx.Err())
			break
		}

		provider, err := s.build(mode, cfg)
		if err != nil {
			note("%s: %v", mode, err)
			continue
		}

		probeCtx, probeCancel := context.WithTimeout(ctx, cfg.Provider.ProbeTimeout)
		err = provider.Probe(probeCtx)
		probeCancel()
		if err != nil {
			note("probing %s: %v", mode, err)
			provider.Close()
			continue
		}

		note("probing %s: ok", mode)
		if s.Log != nil {
			s.Log.WithField("provider", provider.Name()).Info("connection method selected")
		}
		return provider, transcript.String(), nil
	}

	note("no connection method available")
	return nil, transcript.String(), ErrNoProvider
}

func (s *Selector) build(mode config.ProviderMode, cfg *config.Config) (ConnectionMethod, error) {
	log := s.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	var f Factory
	switch mode {
	case config.ModePipe:
		f = s.NewPipe
	case config.ModeLineMonitor:
		f = s.NewLineMonitor
	case config.ModeBrowserExt:
		f = s.NewBrowserExt
	default:
		return nil, fmt.Errorf("unknown provider mode %q", mode)
	}
	if f == nil {
		return nil, fmt.Errorf("provider %s not available in this build", mode)
	}
	return f(cfg, log), nil
}

// inTerminalSession checks the session-isolation signal. A SESSIONNAME other
// than the local console indicates a terminal-server session.
func inTerminalSession() bool {
	name := os.Getenv("SESSIONNAME")
	return name != "" && !strings.EqualFold(name, "Console")
}
