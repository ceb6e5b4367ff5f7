// Package browserext accepts a websocket connection from the browser
// extension and translates its JSON messages into normalized call events.
// The extension sees call state through the web softphone, so this provider
// only works while a browser tab with the extension is open.
package browserext

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/pbxlink/datev-connector/internal/config"
	"github.com/pbxlink/datev-connector/internal/transport"
)

const (
	typeHello     = "hello"
	typeCallEvent = "call_event"
	typeMakeCall  = "make_call"
	typeDropCall  = "drop_call"
	typeResult    = "result"
)

// message is the wire shape in both directions. Fields are sparse; only the
// ones relevant to the type are set.
type message struct {
	Type         string `json:"type"`
	ReqID        string `json:"req_id,omitempty"`
	Code         int    `json:"code,omitempty"`
	Number       string `json:"number,omitempty"`
	CallID       string `json:"call_id,omitempty"`
	State        string `json:"state,omitempty"`
	Incoming     bool   `json:"incoming,omitempty"`
	CallerNumber string `json:"caller_number,omitempty"`
	CallerName   string `json:"caller_name,omitempty"`
	CalledNumber string `json:"called_number,omitempty"`
	CalledName   string `json:"called_name,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The extension connects from a browser origin; the listener is bound to
	// loopback so any local origin is acceptable.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// peer is the single connected extension. Writes go through the send channel
// so the read loop never blocks on a slow socket.
type peer struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// Provider implements transport.ConnectionMethod over a websocket listener.
type Provider struct {
	cfg *config.Config
	log *logrus.Entry

	mu      sync.Mutex
	handler transport.Handler
	peer    *peer
	ln      net.Listener
	replies map[string]chan message
	known   map[string]transport.CallEvent
}

func New(cfg *config.Config, log *logrus.Entry) transport.ConnectionMethod {
	return &Provider{
		cfg:     cfg,
		log:     log.WithField("provider", "browser_extension"),
		replies: make(map[string]chan message),
		known:   make(map[string]transport.CallEvent),
	}
}

func (p *Provider) Name() string { return "browser_extension" }

func (p *Provider) SetHandler(h transport.Handler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

// Probe checks that the websocket port can be bound. The extension itself
// connects lazily, so a free port is the best availability signal we have.
func (p *Provider) Probe(ctx context.Context) error {
	if !p.cfg.BrowserExt.Enabled {
		return errors.New("browser extension transport is disabled")
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", p.cfg.BrowserExt.Addr())
	if err != nil {
		return fmt.Errorf("binding %s: %w", p.cfg.BrowserExt.Addr(), err)
	}
	return ln.Close()
}

// Start serves the websocket endpoint until ctx is cancelled or the listener
// fails. An extension connecting counts as the line coming up; we keep
// serving through extension reconnects (browser tab reloads are routine).
func (p *Provider) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.cfg.BrowserExt.Addr())
	if err != nil {
		return fmt.Errorf("binding %s: %w", p.cfg.BrowserExt.Addr(), err)
	}
	p.mu.Lock()
	p.ln = ln
	p.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/", p.handleUpgrade)
	srv := &http.Server{Handler: mux}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	p.log.WithField("addr", p.cfg.BrowserExt.Addr()).Info("waiting for browser extension")
	err = srv.Serve(ln)
	p.teardown()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (p *Provider) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	p.attach(conn)
}

func (p *Provider) attach(conn *websocket.Conn) {
	pr := &peer{
		conn: conn,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}

	p.mu.Lock()
	old := p.peer
	p.peer = pr
	h := p.handler
	p.mu.Unlock()

	if old != nil {
		p.log.Warn("new extension connection displaces the current one")
		old.conn.Close()
	}

	p.log.WithField("remote", conn.RemoteAddr().String()).Info("browser extension connected")
	go pr.writePump()
	pr.enqueue(encode(message{Type: typeHello}))
	if h != nil && old == nil {
		h.LineConnected(p.lineName())
	}

	go p.readLoop(pr)
}

func (p *Provider) readLoop(pr *peer) {
	defer func() {
		close(pr.done)
		pr.conn.Close()

		p.mu.Lock()
		stillCurrent := p.peer == pr
		if stillCurrent {
			p.peer = nil
		}
		h := p.handler
		p.mu.Unlock()

		if stillCurrent {
			p.log.Info("browser extension disconnected")
			if h != nil {
				h.LineDisconnected(p.lineName())
			}
		}
	}()

	for {
		_, raw, err := pr.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.log.WithError(err).Debug("extension read error")
			}
			return
		}
		var msg message
		if err := json.Unmarshal(raw, &msg); err != nil {
			p.log.WithError(err).Warn("discarding malformed extension message")
			continue
		}
		p.dispatch(msg)
	}
}

func (p *Provider) dispatch(msg message) {
	switch msg.Type {
	case typeResult:
		p.mu.Lock()
		ch, ok := p.replies[msg.ReqID]
		if ok {
			delete(p.replies, msg.ReqID)
		}
		p.mu.Unlock()
		if ok {
			ch <- msg
		}
	case typeCallEvent:
		p.handleCallEvent(msg)
	case typeHello:
		// Extension greeting; nothing to do.
	default:
		p.log.WithField("type", msg.Type).Debug("ignoring extension message")
	}
}

func (p *Provider) handleCallEvent(msg message) {
	state := transport.CallState(msg.State)
	switch state {
	case transport.StateOffering, transport.StateRingback, transport.StateConnected,
		transport.StateDisconnected, transport.StateBusy, transport.StateIdle,
		transport.StateDialing, transport.StateProceeding:
	default:
		p.log.WithField("state", msg.State).Debug("unknown extension call state")
		return
	}
	if msg.CallID == "" {
		p.log.Debug("extension call event without call id")
		return
	}

	evt := transport.CallEvent{
		ID:           msg.CallID,
		State:        state,
		Incoming:     msg.Incoming,
		CallerNumber: msg.CallerNumber,
		CallerName:   msg.CallerName,
		CalledNumber: msg.CalledNumber,
		CalledName:   msg.CalledName,
	}

	p.mu.Lock()
	if prev, ok := p.known[evt.ID]; ok {
		// The extension may omit fields on follow-up events; carry the
		// direction and identity forward from the first sighting.
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

// request sends a message to the extension and waits for the matching result.
func (p *Provider) request(msg message) (message, error) {
	reqID := uuid.NewString()
	msg.ReqID = reqID

	ch := make(chan message, 1)
	p.mu.Lock()
	pr := p.peer
	if pr == nil {
		p.mu.Unlock()
		return message{}, errors.New("no browser extension connected")
	}
	p.replies[reqID] = ch
	p.mu.Unlock()

	if !pr.enqueue(encode(msg)) {
		p.dropReply(reqID)
		return message{}, errors.New("extension connection closed")
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-time.After(p.cfg.BrowserExt.ReplyTimeout):
		p.dropReply(reqID)
		return message{}, fmt.Errorf("extension did not answer within %s", p.cfg.BrowserExt.ReplyTimeout)
	}
}

func (p *Provider) dropReply(reqID string) {
	p.mu.Lock()
	delete(p.replies, reqID)
	p.mu.Unlock()
}

func (p *Provider) MakeCall(destination string) int {
	reply, err := p.request(message{Type: typeMakeCall, Number: destination})
	if err != nil {
		p.log.WithError(err).Warn("make_call failed")
		return transport.DialRejected
	}
	return reply.Code
}

func (p *Provider) DropCall(handle string) int {
	reply, err := p.request(message{Type: typeDropCall, CallID: handle})
	if err != nil {
		p.log.WithError(err).Warn("drop_call failed")
		return transport.DialRejected
	}
	return reply.Code
}

func (p *Provider) FindCallByID(id string) (transport.CallEvent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	evt, ok := p.known[id]
	return evt, ok
}

// ReconnectLine drops the current extension connection; the extension's own
// retry loop brings it back.
func (p *Provider) ReconnectLine(string) error {
	p.mu.Lock()
	pr := p.peer
	p.mu.Unlock()
	if pr == nil {
		return errors.New("no browser extension connected")
	}
	return pr.conn.Close()
}

func (p *Provider) ReconnectAllLines() error { return p.ReconnectLine("") }

func (p *Provider) TestLine(string) error {
	if !p.IsMonitoring() {
		return errors.New("no browser extension connected")
	}
	return nil
}

func (p *Provider) IsMonitoring() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peer != nil
}

func (p *Provider) ConnectedLineCount() int {
	if p.IsMonitoring() {
		return 1
	}
	return 0
}

func (p *Provider) Lines() []transport.Line {
	return []transport.Line{{Name: p.lineName(), Connected: p.IsMonitoring()}}
}

func (p *Provider) lineName() string { return "browser_extension" }

func (p *Provider) teardown() {
	p.mu.Lock()
	pr := p.peer
	p.peer = nil
	ln := p.ln
	p.ln = nil
	p.mu.Unlock()

	if pr != nil {
		pr.conn.Close()
	}
	if ln != nil {
		ln.Close()
	}
}

func (p *Provider) Close() error {
	p.teardown()
	return nil
}

// enqueue hands a frame to the write pump. Returns false once the peer is
// gone or its queue is saturated.
func (pr *peer) enqueue(raw []byte) bool {
	if raw == nil {
		return false
	}
	select {
	case pr.send <- raw:
		return true
	case <-pr.done:
		return false
	}
}

func (pr *peer) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		pr.conn.Close()
	}()

	for {
		select {
		case raw := <-pr.send:
			pr.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := pr.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			pr.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := pr.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-pr.done:
			return
		}
	}
}

func encode(msg message) []byte {
	raw, _ := json.Marshal(msg)
	return raw
}
