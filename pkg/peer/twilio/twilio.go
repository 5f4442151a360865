// Package twilio implements the server-side peer adapter for a telephony
// media-stream WebSocket connection.
//
// The telephony provider opens the connection after the voice webhook
// answers with a stream instruction, then performs a two-step handshake: a
// "connected" event followed by a "start" event carrying the stream SID and
// call metadata. [Adapter.Open] runs that handshake, binds the telephony
// codec to the stream SID, and starts the receive loop. From then on the
// adapter speaks only Frames.
package twilio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxbridge/voxbridge/pkg/frame"
	"github.com/voxbridge/voxbridge/pkg/peer"
)

const (
	// defaultMaxMessageBytes bounds a single inbound wire message. A 20 ms
	// µ-law media event is well under 1 KiB of base64, so 64 KiB leaves
	// generous headroom without letting a misbehaving peer buffer megabytes.
	defaultMaxMessageBytes = 64 * 1024

	// defaultHandshakeTimeout bounds the connected/start handshake.
	defaultHandshakeTimeout = 10 * time.Second

	defaultFrameBuf = 64
)

// StreamInfo is the call metadata learned from the start handshake event.
type StreamInfo struct {
	StreamSID string
	CallSID   string
	Encoding  string
}

// Config holds the tuning knobs for a telephony adapter. Zero values are
// replaced with defaults.
type Config struct {
	// MaxMessageBytes is the largest inbound wire message the adapter will
	// read before failing closed with [peer.ErrOversized].
	MaxMessageBytes int64

	// HandshakeTimeout bounds how long Open waits for the connected and
	// start events.
	HandshakeTimeout time.Duration

	// PingInterval enables a keepalive ping loop when positive.
	PingInterval time.Duration

	// PingTimeout bounds each keepalive round trip.
	PingTimeout time.Duration
}

// Option is a functional option for configuring an [Adapter].
type Option func(*Adapter)

// WithStateHook registers a lifecycle transition observer.
func WithStateHook(h peer.StateHook) Option {
	return func(a *Adapter) { a.lc.SetHook(h) }
}

// WithErrorHook registers an observer for dropped malformed frames.
func WithErrorHook(h peer.ErrorHook) Option {
	return func(a *Adapter) { a.errHook = h }
}

// Adapter is the telephony-side [peer.Adapter]. Create one with [New] around
// an accepted WebSocket connection; the adapter never owns the HTTP upgrade,
// only the socket lifetime from Open to Close.
type Adapter struct {
	conn    *websocket.Conn
	cfg     Config
	lc      peer.Lifecycle
	errHook peer.ErrorHook

	codec    *frame.TelephonyCodec
	info     StreamInfo
	framesCh chan frame.Frame

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	writeMu sync.Mutex

	mu     sync.Mutex
	errVal error
}

var _ peer.Adapter = (*Adapter)(nil)

// New wraps an accepted media-stream connection. Call [Adapter.Open] next.
func New(conn *websocket.Conn, cfg Config, opts ...Option) *Adapter {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	a := &Adapter{
		conn:     conn,
		cfg:      cfg,
		framesCh: make(chan frame.Frame, defaultFrameBuf),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Open performs the connected/start handshake and starts the receive loop.
// ctx bounds the handshake only; the adapter's lifetime is governed by Close.
func (a *Adapter) Open(ctx context.Context) error {
	if a.lc.State() >= peer.StateClosing {
		return peer.ErrClosed
	}

	a.conn.SetReadLimit(a.cfg.MaxMessageBytes)

	hsCtx, cancel := context.WithTimeout(ctx, a.cfg.HandshakeTimeout)
	defer cancel()

	if err := a.awaitEvent(hsCtx, "connected"); err != nil {
		a.failClosed(err)
		return fmt.Errorf("twilio: handshake: %w", err)
	}

	start, err := a.awaitStart(hsCtx)
	if err != nil {
		a.failClosed(err)
		return fmt.Errorf("twilio: handshake: %w", err)
	}

	a.info = StreamInfo{
		StreamSID: start.StreamID,
		CallSID:   start.CallID,
		Encoding:  start.Encoding,
	}
	a.codec = frame.NewTelephonyCodec(start.StreamID)

	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.lc.Advance(peer.StateOpen)

	go a.readLoop()
	if a.cfg.PingInterval > 0 {
		go a.keepalive()
	}
	return nil
}

// Info returns the stream metadata from the start event. Valid after a
// successful Open.
func (a *Adapter) Info() StreamInfo { return a.info }

// awaitEvent reads one message and requires it to be the named control event.
func (a *Adapter) awaitEvent(ctx context.Context, event string) error {
	_, data, err := a.conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("read %s event: %w", event, err)
	}
	f, err := (&frame.TelephonyCodec{}).Decode(data)
	if err != nil {
		return err
	}
	if f.Kind != frame.KindSessionControl || f.Subtype != event {
		return fmt.Errorf("expected %s event, got %s", event, describe(f))
	}
	return nil
}

// awaitStart reads one message and requires it to be the start event.
func (a *Adapter) awaitStart(ctx context.Context) (frame.Frame, error) {
	_, data, err := a.conn.Read(ctx)
	if err != nil {
		return frame.Frame{}, fmt.Errorf("read start event: %w", err)
	}
	f, err := (&frame.TelephonyCodec{}).Decode(data)
	if err != nil {
		return frame.Frame{}, err
	}
	if f.Kind != frame.KindStart {
		return frame.Frame{}, fmt.Errorf("expected start event, got %s", describe(f))
	}
	return f, nil
}

func describe(f frame.Frame) string {
	if f.Kind == frame.KindSessionControl {
		return f.Subtype
	}
	return f.Kind.String()
}

// Send encodes f and writes it to the socket. A [frame.ErrUnsupported]
// encode failure is returned as-is and is not terminal; a write failure is.
func (a *Adapter) Send(f frame.Frame) error {
	if a.lc.State() >= peer.StateClosing {
		return peer.ErrClosed
	}
	if a.codec == nil {
		return fmt.Errorf("twilio: send before open")
	}
	data, err := a.codec.Encode(f)
	if err != nil {
		return err
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := a.conn.Write(a.ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("twilio: write: %w", err)
	}
	return nil
}

// Frames returns the inbound frame stream.
func (a *Adapter) Frames() <-chan frame.Frame { return a.framesCh }

// State reports the lifecycle state.
func (a *Adapter) State() peer.State { return a.lc.State() }

// Err returns the terminal error, or nil after an orderly close.
func (a *Adapter) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.errVal
}

// Close releases the socket. Idempotent.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		a.lc.Advance(peer.StateClosing)
		if a.cancel != nil {
			a.cancel()
		}
		a.conn.Close(websocket.StatusNormalClosure, "session ended")
		a.lc.Advance(peer.StateClosed)
	})
	return nil
}

// failClosed records err as terminal and closes the adapter. Used when the
// connection dies before or during the handshake.
func (a *Adapter) failClosed(err error) {
	a.setErr(err)
	_ = a.Close()
}

func (a *Adapter) setErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.errVal == nil {
		a.errVal = err
	}
}

// readLoop reads, decodes, and publishes inbound frames. It owns framesCh
// and closes it on exit. Malformed messages are dropped and reported via the
// error hook; transport errors end the stream.
func (a *Adapter) readLoop() {
	defer close(a.framesCh)
	defer a.lc.Advance(peer.StateClosed)

	for {
		_, data, err := a.conn.Read(a.ctx)
		if err != nil {
			a.recordReadEnd(err)
			return
		}

		f, err := a.codec.Decode(data)
		if err != nil {
			slog.Debug("twilio: dropping malformed message", "err", err)
			if a.errHook != nil {
				a.errHook(err)
			}
			continue
		}

		select {
		case a.framesCh <- f:
		case <-a.ctx.Done():
			return
		}
	}
}

// recordReadEnd classifies the error that ended the read loop. An orderly
// close, or a close we initiated ourselves, leaves Err nil.
func (a *Adapter) recordReadEnd(err error) {
	if a.ctx.Err() != nil {
		return
	}
	if isReadLimit(err) {
		a.setErr(fmt.Errorf("%w: %v", peer.ErrOversized, err))
		return
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return
	default:
		if errors.Is(err, context.Canceled) {
			return
		}
		a.setErr(fmt.Errorf("twilio: read: %w", err))
	}
}

// isReadLimit reports whether err ended the read loop on an oversized
// message. A locally breached read limit surfaces as a plain "read limited"
// error; the too-big close status only appears when the peer reports the
// breach.
func isReadLimit(err error) bool {
	if websocket.CloseStatus(err) == websocket.StatusMessageTooBig {
		return true
	}
	return strings.Contains(err.Error(), "read limited at")
}

// keepalive pings the peer at the configured interval and fails the adapter
// when a round trip does not complete in time.
func (a *Adapter) keepalive() {
	ticker := time.NewTicker(a.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
		}

		pingCtx := a.ctx
		var cancel context.CancelFunc
		if a.cfg.PingTimeout > 0 {
			pingCtx, cancel = context.WithTimeout(a.ctx, a.cfg.PingTimeout)
		}
		err := a.conn.Ping(pingCtx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			if a.ctx.Err() == nil {
				a.setErr(fmt.Errorf("twilio: keepalive: %w", err))
				_ = a.Close()
			}
			return
		}
	}
}
