package transport

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pbxlink/datev-connector/internal/config"
)

// fakeProvider implements ConnectionMethod for selector tests.
type fakeProvider struct {
	name     string
	probeErr error
	closed   bool
}

func (f *fakeProvider) Name() string                          { return f.name }
func (f *fakeProvider) Probe(context.Context) error           { return f.probeErr }
func (f *fakeProvider) Start(context.Context) error           { return nil }
func (f *fakeProvider) SetHandler(Handler)                    {}
func (f *fakeProvider) MakeCall(string) int                   { return DialAccepted }
func (f *fakeProvider) DropCall(string) int                   { return DialAccepted }
func (f *fakeProvider) FindCallByID(string) (CallEvent, bool) { return CallEvent{}, false }
func (f *fakeProvider) ReconnectLine(string) error            { return nil }
func (f *fakeProvider) ReconnectAllLines() error              { return nil }
func (f *fakeProvider) TestLine(string) error                 { return nil }
func (f *fakeProvider) IsMonitoring() bool                    { return true }
func (f *fakeProvider) ConnectedLineCount() int               { return 1 }
func (f *fakeProvider) Lines() []Line                         { return nil }
func (f *fakeProvider) Close() error                          { f.closed = true; return nil }

func factoryFor(p *fakeProvider) Factory {
	return func(*config.Config, *logrus.Entry) ConnectionMethod { return p }
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func testConfig(mode config.ProviderMode) *config.Config {
	cfg := config.Default()
	cfg.Provider.Mode = mode
	cfg.Provider.SelectTimeout = time.Second
	cfg.Provider.ProbeTimeout = 100 * time.Millisecond
	return cfg
}

func TestExplicitModeSkipsProbing(t *testing.T) {
	// Probe would fail, but explicit mode must not probe.
	pipe := &fakeProvider{name: "pipe", probeErr: errors.New("unavailable")}
	s := &Selector{NewPipe: factoryFor(pipe), Log: quietLog()}

	got, transcript, err := s.Select(context.Background(), testConfig(config.ModePipe))
	if err != nil {
		t.Fatalf("unexpected error: %v (transcript: %s)", err, transcript)
	}
	if got != pipe {
		t.Error("explicit mode did not return the configured provider")
	}
	if !strings.Contains(transcript, "without probing") {
		t.Errorf("transcript missing explicit-mode note: %q", transcript)
	}
}

func TestAutoPrefersLineMonitorOnDesktop(t *testing.T) {
	linemon := &fakeProvider{name: "line_monitor"}
	pipe := &fakeProvider{name: "pipe"}
	s := &Selector{
		NewPipe:         factoryFor(pipe),
		NewLineMonitor:  factoryFor(linemon),
		TerminalSession: func() bool { return false },
		Log:             quietLog(),
	}

	got, _, err := s.Select(context.Background(), testConfig(config.ModeAuto))
	if err != nil {
		t.Fatal(err)
	}
	if got != linemon {
		t.Errorf("expected line monitor first on desktop, got %s", got.Name())
	}
}

func TestAutoPrefersPipeInTerminalSession(t *testing.T) {
	linemon := &fakeProvider{name: "line_monitor"}
	pipe := &fakeProvider{name: "pipe"}
	s := &Selector{
		NewPipe:         factoryFor(pipe),
		NewLineMonitor:  factoryFor(linemon),
		TerminalSession: func() bool { return true },
		Log:             quietLog(),
	}

	got, transcript, err := s.Select(context.Background(), testConfig(config.ModeAuto))
	if err != nil {
		t.Fatal(err)
	}
	if got != pipe {
		t.Errorf("expected pipe first in terminal session, got %s", got.Name())
	}
	if !strings.Contains(transcript, "terminal session") {
		t.Errorf("transcript missing terminal-session note: %q", transcript)
	}
}

func TestAutoFallsThroughFailedProbes(t *testing.T) {
	linemon := &fakeProvider{name: "line_monitor", probeErr: errors.New("driver not present")}
	pipe := &fakeProvider{name: "pipe", probeErr: errors.New("address in use")}
	ext := &fakeProvider{name: "browser_extension"}

	cfg := testConfig(config.ModeAuto)
	cfg.BrowserExt.Enabled = true

	s := &Selector{
		NewPipe:         factoryFor(pipe),
		NewLineMonitor:  factoryFor(linemon),
		NewBrowserExt:   factoryFor(ext),
		TerminalSession: func() bool { return false },
		Log:             quietLog(),
	}

	got, transcript, err := s.Select(context.Background(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v (transcript: %s)", err, transcript)
	}
	if got != ext {
		t.Errorf("expected browser extension fallback, got %s", got.Name())
	}
	if !linemon.closed || !pipe.closed {
		t.Error("failed candidates were not closed")
	}
	for _, want := range []string{"driver not present", "address in use", "probing browser_extension: ok"} {
		if !strings.Contains(transcript, want) {
			t.Errorf("transcript missing %q:\n%s", want, transcript)
		}
	}
}

func TestAutoAllProbesFail(t *testing.T) {
	linemon := &fakeProvider{name: "line_monitor", probeErr: errors.New("nope")}
	pipe := &fakeProvider{name: "pipe", probeErr: errors.New("nope")}

	s := &Selector{
		NewPipe:         factoryFor(pipe),
		NewLineMonitor:  factoryFor(linemon),
		TerminalSession: func() bool { return false },
		Log:             quietLog(),
	}

	got, transcript, err := s.Select(context.Background(), testConfig(config.ModeAuto))
	if !errors.Is(err, ErrNoProvider) {
		t.Fatalf("expected ErrNoProvider, got %v", err)
	}
	if got != nil {
		t.Error("expected nil provider")
	}
	if !strings.Contains(transcript, "browser extension transport disabled") {
		t.Errorf("transcript missing disabled note:\n%s", transcript)
	}
	if !strings.Contains(transcript, "no connection method available") {
		t.Errorf("transcript missing failure summary:\n%s", transcript)
	}
}
