package pipe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pbxlink/datev-connector/internal/config"
	"github.com/pbxlink/datev-connector/internal/transport"
)

const lineName = "pipe"

// Provider is the framed-pipe connection method. It listens for the
// softphone peer, greets it with SRVHELLO, translates its call commands into
// normalized events and relays MAKE-CALL/DROP-CALL in the other direction.
// Only one peer is serviced at a time; a new connection replaces the old one.
type Provider struct {
	cfg config.PipeConfig
	log *logrus.Entry

	mu      sync.Mutex
	handler transport.Handler
	conn    net.Conn
	ln      net.Listener
	replies map[string]chan Message
	// known caches the last event per call id to serve FindCallByID and to
	// keep direction/party info across CALL-INFO updates.
	known map[string]transport.CallEvent
}

func New(cfg *config.Config, log *logrus.Entry) transport.ConnectionMethod {
	return &Provider{
		cfg:     cfg.Pipe,
		log:     log.WithField("provider", lineName),
		replies: make(map[string]chan Message),
		known:   make(map[string]transport.CallEvent),
	}
}

func (p *Provider) Name() string { return lineName }

func (p *Provider) SetHandler(h transport.Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

// Probe checks that the endpoint can be bound.
func (p *Provider) Probe(_ context.Context) error {
	ln, err := p.listen()
	if err != nil {
		return err
	}
	ln.Close()
	if p.cfg.Network == "unix" {
		os.Remove(p.cfg.Address)
	}
	return nil
}

func (p *Provider) listen() (net.Listener, error) {
	if p.cfg.Network == "unix" {
		// A stale socket file from an unclean shutdown blocks the bind.
		os.Remove(p.cfg.Address)
	}
	ln, err := net.Listen(p.cfg.Network, p.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("binding pipe endpoint %s: %w", p.cfg.Address, err)
	}
	return ln, nil
}

// Start accepts softphone connections until ctx is cancelled.
func (p *Provider) Start(ctx context.Context) error {
	ln, err := p.listen()
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.ln = ln
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	p.log.WithField("addr", p.cfg.Address).Info("pipe endpoint listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting pipe peer: %w", err)
		}
		p.attach(conn)
		// The read loop must not hold up Accept: a wedged peer would
		// otherwise block its own replacement from ever attaching.
		go p.serve(ctx, conn)
	}
}

// attach makes conn the active peer, displacing any previous one, and sends
// the handshake greeting.
func (p *Provider) attach(conn net.Conn) {
	p.mu.Lock()
	old := p.conn
	p.conn = conn
	h := p.handler
	p.mu.Unlock()

	if old != nil {
		old.Close()
	}

	if err := WriteFrame(conn, NewMessage(CmdSrvHello).Encode()); err != nil {
		p.log.WithError(err).Warn("sending handshake greeting")
	}
	p.log.Info("softphone peer connected")
	if h != nil {
		h.LineConnected(lineName)
	}
}

func (p *Provider) serve(ctx context.Context, conn net.Conn) {
	for {
		payload, err := ReadFrame(conn)
		if err != nil {
			break
		}
		p.dispatch(ParseMessage(payload))
	}

	p.mu.Lock()
	current := p.conn == conn
	if current {
		p.conn = nil
	}
	h := p.handler
	p.mu.Unlock()
	conn.Close()

	if current && ctx.Err() == nil {
		p.log.Info("softphone peer disconnected")
		if h != nil {
			h.LineDisconnected(lineName)
		}
	}
}

func (p *Provider) dispatch(msg Message) {
	// Replies must be recognized before command interpretation, or a
	// MAKE-CALL acknowledgement would be misread as a call event.
	if msg.IsReply() {
		p.mu.Lock()
		ch, ok := p.replies[msg.RequestID()]
		if ok {
			delete(p.replies, msg.RequestID())
		}
		p.mu.Unlock()
		if ok {
			ch <- msg
		} else {
			p.log.WithField("req_id", msg.RequestID()).Debug("unmatched reply")
		}
		return
	}

	switch msg.Cmd() {
	case CmdRinging:
		p.emit(p.eventFrom(msg, transport.StateOffering, true))
	case CmdRingback:
		p.emit(p.eventFrom(msg, transport.StateRingback, false))
	case CmdConnected:
		p.emit(p.eventFrom(msg, transport.StateConnected, p.directionOf(msg.CallID())))
	case CmdDisconnected, CmdDropCall:
		evt := p.eventFrom(msg, transport.StateDisconnected, p.directionOf(msg.CallID()))
		p.emit(evt)
		p.mu.Lock()
		delete(p.known, evt.ID)
		p.mu.Unlock()
	case CmdCallInfo:
		// Party info update only; no state transition.
		p.updateInfo(msg)
	default:
		p.log.WithField("cmd", msg.Cmd()).Debug("ignoring unknown pipe command")
	}
}

func (p *Provider) eventFrom(msg Message, state transport.CallState, incoming bool) transport.CallEvent {
	evt := transport.CallEvent{
		ID:           msg.CallID(),
		State:        state,
		Incoming:     incoming,
		CallerNumber: firstOf(msg.Get(KeyOriginator), msg.Get(KeyNumber)),
		CallerName:   msg.Get(KeyOriginatorName),
		CalledNumber: firstOf(msg.Get(KeyCalledNumber), msg.Get(KeyNumber)),
		CalledName:   msg.Get(KeyCalledName),
	}

	p.mu.Lock()
	if prev, ok := p.known[evt.ID]; ok {
		evt.Incoming = prev.Incoming
		if evt.CallerNumber == "" {
			evt.CallerNumber = prev.CallerNumber
		}
		if evt.CallerName == "" {
			evt.CallerName = prev.CallerName
		}
		if evt.CalledNumber == "" {
			evt.CalledNumber = prev.CalledNumber
		}
		if evt.CalledName == "" {
			evt.CalledName = prev.CalledName
		}
	}
	p.known[evt.ID] = evt
	p.mu.Unlock()
	return evt
}

func (p *Provider) directionOf(callID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.known[callID]; ok {
		return prev.Incoming
	}
	return false
}

func (p *Provider) updateInfo(msg Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev, ok := p.known[msg.CallID()]
	if !ok {
		p.log.WithField("call_id", msg.CallID()).Debug("call info for unknown call")
		return
	}
	if v := msg.Get(KeyOriginatorName); v != "" {
		prev.CallerName = v
	}
	if v := msg.Get(KeyCalledName); v != "" {
		prev.CalledName = v
	}
	p.known[msg.CallID()] = prev
}

func (p *Provider) emit(evt transport.CallEvent) {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h != nil {
		h.CallStateChanged(evt)
	}
}

// MakeCall asks the peer to dial destination and waits for its verdict.
func (p *Provider) MakeCall(destination string) int {
	reqID := uuid.NewString()
	msg := NewMessage(CmdMakeCall, KeyNumber, destination, KeyRequestID, reqID)

	reply, ok := p.request(reqID, msg)
	if !ok {
		return transport.DialRejected
	}
	if result := reply.Get(KeyResult); result != "" {
		if n, err := strconv.Atoi(result); err == nil {
			return n
		}
	}
	return transport.DialAccepted
}

// DropCall asks the peer to tear down the call behind handle.
func (p *Provider) DropCall(handle string) int {
	reqID := uuid.NewString()
	msg := NewMessage(CmdDropCall, KeyCallID, handle, KeyRequestID, reqID)

	if _, ok := p.request(reqID, msg); !ok {
		return transport.DialRejected
	}
	return transport.DialAccepted
}

// request sends msg and waits for the matching reply, bounded by the
// configured reply timeout.
func (p *Provider) request(reqID string, msg Message) (Message, bool) {
	p.mu.Lock()
	conn := p.conn
	if conn == nil {
		p.mu.Unlock()
		p.log.Warn("command issued with no softphone peer attached")
		return Message{}, false
	}
	ch := make(chan Message, 1)
	p.replies[reqID] = ch
	p.mu.Unlock()

	cleanup := func() {
		p.mu.Lock()
		delete(p.replies, reqID)
		p.mu.Unlock()
	}

	if err := WriteFrame(conn, msg.Encode()); err != nil {
		cleanup()
		p.log.WithError(err).Warn("sending pipe command")
		return Message{}, false
	}

	timeout := p.cfg.ReplyTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case reply := <-ch:
		return reply, true
	case <-time.After(timeout):
		cleanup()
		p.log.WithField("req_id", reqID).Warn("pipe command reply timeout")
		return Message{}, false
	}
}

func (p *Provider) FindCallByID(id string) (transport.CallEvent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	evt, ok := p.known[id]
	return evt, ok
}

// ReconnectLine drops the current peer so it re-attaches with a fresh
// handshake.
func (p *Provider) ReconnectLine(string) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return errors.New("no softphone peer attached")
	}
	return conn.Close()
}

func (p *Provider) ReconnectAllLines() error { return p.ReconnectLine(lineName) }

func (p *Provider) TestLine(string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return errors.New("no softphone peer attached")
	}
	return nil
}

func (p *Provider) IsMonitoring() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

func (p *Provider) ConnectedLineCount() int {
	if p.IsMonitoring() {
		return 1
	}
	return 0
}

func (p *Provider) Lines() []transport.Line {
	return []transport.Line{{Name: lineName, Connected: p.IsMonitoring()}}
}

func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	if p.ln != nil {
		p.ln.Close()
		p.ln = nil
	}
	return nil
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
