// Package transport defines the contract every connection method fulfills:
// normalize one signaling channel (line-monitor driver, framed pipe, browser
// extension) into the shared call-event shape and expose call control.
package transport

import "context"

// CallState is the normalized event code emitted by every provider.
type CallState string

const (
	// StateOffering is an inbound ring.
	StateOffering CallState = "offering"
	// StateRingback is the outbound equivalent of ringing.
	StateRingback     CallState = "ringback"
	StateConnected    CallState = "connected"
	StateDisconnected CallState = "disconnected"
	// StateBusy is treated as a disconnect by the engine.
	StateBusy CallState = "busy"
	// StateIdle carries no information and is ignored.
	StateIdle       CallState = "idle"
	StateDialing    CallState = "dialing"
	StateProceeding CallState = "proceeding"
)

// CallEvent is the normalized call event shared by all providers.
type CallEvent struct {
	ID           string
	State        CallState
	Incoming     bool
	CallerNumber string
	CallerName   string
	CalledNumber string
	CalledName   string
}

// RemoteNumber is the far end's number: the caller for inbound calls, the
// called party for outbound ones.
func (e CallEvent) RemoteNumber() string {
	if e.Incoming {
		return e.CallerNumber
	}
	return e.CalledNumber
}

// RemoteName is the far end's display name, when the transport knows it.
func (e CallEvent) RemoteName() string {
	if e.Incoming {
		return e.CallerName
	}
	return e.CalledName
}

// Line is one monitored signaling line.
type Line struct {
	Name      string
	Connected bool
}

// Handler receives a provider's normalized events. Implementations must not
// block; providers deliver events from their read loop.
type Handler interface {
	CallStateChanged(CallEvent)
	LineConnected(line string)
	LineDisconnected(line string)
}

// MakeCall results: positive means the transport accepted the dial,
// non-positive means it rejected it.
const (
	DialAccepted = 1
	DialRejected = 0
)

// ConnectionMethod is one transport adapter. Start blocks until the
// transport disconnects or ctx is cancelled; the reconnect loop then selects
// and starts a provider again.
type ConnectionMethod interface {
	Name() string

	// Probe cheaply checks whether this transport is available right now.
	// Used by auto-detection; explicit mode skips it.
	Probe(ctx context.Context) error

	Start(ctx context.Context) error
	SetHandler(h Handler)

	MakeCall(destination string) int
	DropCall(handle string) int
	FindCallByID(id string) (CallEvent, bool)

	ReconnectLine(name string) error
	ReconnectAllLines() error
	TestLine(name string) error

	IsMonitoring() bool
	ConnectedLineCount() int
	Lines() []Line

	Close() error
}
