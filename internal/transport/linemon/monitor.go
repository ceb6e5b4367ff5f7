package linemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pbxlink/datev-connector/internal/config"
	"github.com/pbxlink/datev-connector/internal/transport"
)

const providerName = "line_monitor"

// Provider monitors the driver service's lines and normalizes its call
// events. One TCP session per Start; the reconnect loop owns re-dialing.
type Provider struct {
	cfg config.LineMonitorConfig
	log *logrus.Entry

	mu      sync.Mutex
	handler transport.Handler
	conn    net.Conn
	lines   map[string]bool
	known   map[string]transport.CallEvent
	replies map[string]chan block

	seq atomic.Uint64
}

func New(cfg *config.Config, log *logrus.Entry) transport.ConnectionMethod {
	return &Provider{
		cfg:     cfg.LineMonitor,
		log:     log.WithField("provider", providerName),
		lines:   make(map[string]bool),
		known:   make(map[string]transport.CallEvent),
		replies: make(map[string]chan block),
	}
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) SetHandler(h transport.Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

// Probe checks that the driver service is reachable.
func (p *Provider) Probe(ctx context.Context) error {
	d := net.Dialer{Timeout: p.connectTimeout()}
	conn, err := d.DialContext(ctx, "tcp", p.cfg.Addr())
	if err != nil {
		return fmt.Errorf("driver service unreachable: %w", err)
	}
	conn.Close()
	return nil
}

func (p *Provider) connectTimeout() time.Duration {
	if p.cfg.ConnectTimeout > 0 {
		return p.cfg.ConnectTimeout
	}
	return 5 * time.Second
}

// Start connects to the driver service, subscribes to line monitoring and
// processes events until the session drops or ctx is cancelled.
func (p *Provider) Start(ctx context.Context) error {
	conn, err := net.DialTimeout("tcp", p.cfg.Addr(), p.connectTimeout())
	if err != nil {
		return fmt.Errorf("dialing driver service: %w", err)
	}

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	if err := p.send("Action: Monitor\r\n\r\n"); err != nil {
		conn.Close()
		return fmt.Errorf("subscribing to line monitor: %w", err)
	}
	p.log.WithField("addr", p.cfg.Addr()).Info("driver session established")

	par := newParser(conn)
	for {
		blk, ok := par.next()
		if !ok {
			p.teardown()
			if ctx.Err() != nil {
				return nil
			}
			return errors.New("driver session closed")
		}
		p.dispatch(blk)
	}
}

func (p *Provider) teardown() {
	p.mu.Lock()
	p.conn = nil
	for name := range p.lines {
		p.lines[name] = false
	}
	p.mu.Unlock()
}

func (p *Provider) dispatch(blk block) {
	if blk.isResponse() {
		actionID := blk.get("ActionID")
		p.mu.Lock()
		ch, ok := p.replies[actionID]
		if ok {
			delete(p.replies, actionID)
		}
		p.mu.Unlock()
		if ok {
			ch <- blk
		}
		return
	}

	switch blk.event() {
	case "CallState":
		p.handleCallState(blk)
	case "LineUp":
		p.setLine(blk.get("Line"), true)
	case "LineDown":
		p.setLine(blk.get("Line"), false)
	default:
		p.log.WithField("event", blk.event()).Debug("ignoring driver event")
	}
}

// stateNames maps the driver's state words onto the normalized event codes.
var stateNames = map[string]transport.CallState{
	"Offering":     transport.StateOffering,
	"Ringback":     transport.StateRingback,
	"Connected":    transport.StateConnected,
	"Disconnected": transport.StateDisconnected,
	"Busy":         transport.StateBusy,
	"Idle":         transport.StateIdle,
	"Dialing":      transport.StateDialing,
	"Proceeding":   transport.StateProceeding,
}

func (p *Provider) handleCallState(blk block) {
	state, ok := stateNames[blk.get("State")]
	if !ok {
		p.log.WithField("state", blk.get("State")).Debug("unknown driver call state")
		return
	}

	evt := transport.CallEvent{
		ID:           blk.get("CallID"),
		State:        state,
		Incoming:     blk.get("Direction") == "in",
		CallerNumber: blk.get("CallerNumber"),
		CallerName:   blk.get("CallerName"),
		CalledNumber: blk.get("CalledNumber"),
		CalledName:   blk.get("CalledName"),
	}
	if evt.ID == "" {
		p.log.Debug("driver call event without call id")
		return
	}

	p.mu.Lock()
	if state == transport.StateDisconnected || state == transport.StateBusy {
		delete(p.known, evt.ID)
	} else {
		p.known[evt.ID] = evt
	}
	h := p.handler
	p.mu.Unlock()

	if h != nil {
		h.CallStateChanged(evt)
	}
}

func (p *Provider) setLine(name string, up bool) {
	if name == "" {
		return
	}
	p.mu.Lock()
	p.lines[name] = up
	h := p.handler
	p.mu.Unlock()

	if h == nil {
		return
	}
	if up {
		h.LineConnected(name)
	} else {
		h.LineDisconnected(name)
	}
}

func (p *Provider) send(raw string) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return errors.New("driver session not established")
	}
	_, err := conn.Write([]byte(raw))
	return err
}

// request sends an action and waits for its response block.
func (p *Provider) request(action string, kvs ...string) (block, error) {
	actionID := strconv.FormatUint(p.seq.Add(1), 10)

	raw := "Action: " + action + "\r\nActionID: " + actionID + "\r\n"
	for i := 0; i+1 < len(kvs); i += 2 {
		raw += kvs[i] + ": " + kvs[i+1] + "\r\n"
	}
	raw += "\r\n"

	ch := make(chan block, 1)
	p.mu.Lock()
	p.replies[actionID] = ch
	p.mu.Unlock()

	cleanup := func() {
		p.mu.Lock()
		delete(p.replies, actionID)
		p.mu.Unlock()
	}

	if err := p.send(raw); err != nil {
		cleanup()
		return block{}, err
	}

	select {
	case blk := <-ch:
		if blk.get("Response") != "Success" {
			return blk, fmt.Errorf("driver rejected %s: %s", action, blk.get("Message"))
		}
		return blk, nil
	case <-time.After(p.connectTimeout()):
		cleanup()
		return block{}, fmt.Errorf("driver response timeout for %s", action)
	}
}

func (p *Provider) MakeCall(destination string) int {
	if _, err := p.request("MakeCall", "Number", destination); err != nil {
		p.log.WithError(err).Warn("make call failed")
		return transport.DialRejected
	}
	return transport.DialAccepted
}

func (p *Provider) DropCall(handle string) int {
	if _, err := p.request("DropCall", "CallID", handle); err != nil {
		p.log.WithError(err).Warn("drop call failed")
		return transport.DialRejected
	}
	return transport.DialAccepted
}

func (p *Provider) FindCallByID(id string) (transport.CallEvent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	evt, ok := p.known[id]
	return evt, ok
}

func (p *Provider) ReconnectLine(name string) error {
	_, err := p.request("ReconnectLine", "Line", name)
	return err
}

func (p *Provider) ReconnectAllLines() error {
	_, err := p.request("ReconnectAll")
	return err
}

func (p *Provider) TestLine(name string) error {
	_, err := p.request("TestLine", "Line", name)
	return err
}

func (p *Provider) IsMonitoring() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

func (p *Provider) ConnectedLineCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, up := range p.lines {
		if up {
			n++
		}
	}
	return n
}

func (p *Provider) Lines() []transport.Line {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]transport.Line, 0, len(p.lines))
	for name, up := range p.lines {
		out = append(out, transport.Line{Name: name, Connected: up})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	return nil
}
