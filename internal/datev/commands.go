package datev

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pbxlink/datev-connector/internal/call"
	"github.com/pbxlink/datev-connector/internal/phone"
	"github.com/pbxlink/datev-connector/internal/tracker"
	"github.com/pbxlink/datev-connector/internal/transport"
)

// CallControl is the slice of the transport contract the command handler
// needs. The active provider changes across reconnect cycles, so the handler
// resolves it per command.
type CallControl interface {
	MakeCall(destination string) int
	DropCall(handle string) int
	IsMonitoring() bool
}

// CommandHandler executes click-to-dial and hang-up commands coming from the
// accounting application. Dial registers a pending call before placing it so
// the transport's ringback event can be matched back to the command's
// correlation id.
type CommandHandler struct {
	tracker    *tracker.Tracker
	provider   func() CallControl
	normalizer phone.Normalizer
	clock      func() time.Time
	log        *logrus.Entry
}

type CommandHandlerOptions struct {
	Tracker    *tracker.Tracker
	Provider   func() CallControl
	Normalizer phone.Normalizer
	Clock      func() time.Time
	Log        *logrus.Entry
}

func NewCommandHandler(opts CommandHandlerOptions) *CommandHandler {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &CommandHandler{
		tracker:    opts.Tracker,
		provider:   opts.Provider,
		normalizer: opts.Normalizer,
		clock:      opts.Clock,
		log:        opts.Log,
	}
}

var (
	ErrNoDestination = errors.New("dial command without a dialable destination")
	ErrNotMonitoring = errors.New("no transport connected")
	ErrUnknownCall   = errors.New("no tracked call for correlation id")
	ErrNotConnected  = errors.New("call is not connected")
)

// Dial places an outbound call on behalf of the accounting application. ext
// carries the caller-supplied correlation id and contact fields; they are
// attached to the pending record so the eventual transport events report them
// back unchanged.
func (h *CommandHandler) Dial(destination string, ext call.ExternalData) error {
	normalized := h.normalizer.Normalize(destination)
	if normalized == "" {
		return fmt.Errorf("%w: %q", ErrNoDestination, destination)
	}

	p := h.provider()
	if p == nil || !p.IsMonitoring() {
		return ErrNotMonitoring
	}

	tempID := h.tracker.GenerateTempID()
	rec := h.tracker.AddPendingCall(tempID, false)
	rec.Lock()
	rec.RemoteNumber = destination
	rec.External = ext
	rec.DatevOriginated = true
	rec.ContactResolved = ext.ContactID != ""
	if rec.External.Begin.IsZero() {
		rec.External.Begin = h.clock()
	}
	rec.Unlock()
	h.tracker.UpdatePendingPhoneIndex(tempID, normalized)

	log := h.log.WithFields(logrus.Fields{
		"temp_id":        tempID,
		"destination":    destination,
		"correlation_id": ext.CorrelationID,
	})
	log.Info("placing call")

	if result := p.MakeCall(destination); result <= transport.DialRejected {
		h.tracker.RemovePendingCall(tempID)
		log.WithField("result", result).Warn("transport rejected dial")
		return fmt.Errorf("transport rejected dial to %q (result %d)", destination, result)
	}
	return nil
}

// Drop hangs up the tracked call carrying the given correlation id. Only
// connected calls can be dropped; ringing calls are still owned by the phone.
func (h *CommandHandler) Drop(correlationID string) error {
	rec := h.tracker.FindCallByCorrelationID(correlationID)
	if rec == nil {
		return fmt.Errorf("%w: %q", ErrUnknownCall, correlationID)
	}
	rec.Lock()
	id := rec.ID
	rec.Unlock()
	if call.IsTempID(id) {
		// A pending click-to-dial call has no transport handle yet.
		return fmt.Errorf("%w: %q awaits transport confirmation", ErrNotConnected, correlationID)
	}
	if rec.State() != call.StateConnected {
		return fmt.Errorf("%w: %q is %s", ErrNotConnected, correlationID, rec.State())
	}

	p := h.provider()
	if p == nil || !p.IsMonitoring() {
		return ErrNotMonitoring
	}

	h.log.WithFields(logrus.Fields{"call_id": id, "correlation_id": correlationID}).
		Info("dropping call")
	if result := p.DropCall(id); result <= transport.DialRejected {
		return fmt.Errorf("transport refused to drop call %q (result %d)", id, result)
	}
	return nil
}

// DialAsync runs Dial on its own goroutine. Commands come from the accounting
// application's UI thread, which must never wait on the transport.
func (h *CommandHandler) DialAsync(destination string, ext call.ExternalData) {
	go h.supervised("dial", func() error { return h.Dial(destination, ext) })
}

// DropAsync runs Drop on its own goroutine.
func (h *CommandHandler) DropAsync(correlationID string) {
	go h.supervised("drop", func() error { return h.Drop(correlationID) })
}

func (h *CommandHandler) supervised(name string, op func() error) {
	defer func() {
		if r := recover(); r != nil {
			h.log.WithField("command", name).Errorf("command panicked: %v", r)
		}
	}()
	if err := op(); err != nil {
		h.log.WithError(err).WithField("command", name).Warn("command failed")
	}
}
