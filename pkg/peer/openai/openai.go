// Package openai implements the client-side peer adapter for the OpenAI
// Realtime API.
//
// [Adapter.Open] dials the realtime WebSocket endpoint, configures the
// session for telephone audio (G.711 µ-law in and out, server-side voice
// activity detection), optionally requests an opening greeting, and starts
// the receive loop. Tool calls surfaced by the model are executed against
// the registered [Tool] set and answered on the same connection; everything
// else flows through the bridge as Frames.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/voxbridge/voxbridge/pkg/frame"
	"github.com/voxbridge/voxbridge/pkg/peer"
)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// defaultMaxMessageBytes bounds a single inbound event. Audio deltas are
	// the largest events the realtime stream produces; 512 KiB covers
	// multi-second deltas with room to spare.
	defaultMaxMessageBytes = 512 * 1024

	defaultFrameBuf = 64
)

// Config holds the connection and session settings for an AI adapter.
type Config struct {
	// APIKey authenticates the realtime connection.
	APIKey string

	// Model selects the realtime model. Default: gpt-4o-realtime-preview.
	Model string

	// BaseURL overrides the realtime endpoint, primarily for tests.
	BaseURL string

	// Voice selects the synthesised voice.
	Voice string

	// Instructions is the system prompt for the session.
	Instructions string

	// Greeting, when non-empty, is sent as a response request immediately
	// after session setup so the model speaks first.
	Greeting string

	// Temperature is the sampling temperature. Zero means provider default.
	Temperature float64

	// Tools are offered to the model at session setup.
	Tools []Tool

	// MaxMessageBytes bounds a single inbound event before the adapter
	// fails closed with [peer.ErrOversized].
	MaxMessageBytes int64

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

// ToolHook observes completed tool invocations. err is nil when the tool
// produced a result the model can use.
type ToolHook func(tool string, err error)

// WithToolHook registers an observer for tool invocations.
func WithToolHook(h ToolHook) Option {
	return func(a *Adapter) { a.toolHook = h }
}

// Adapter is the AI-side [peer.Adapter].
type Adapter struct {
	cfg      Config
	lc       peer.Lifecycle
	errHook  peer.ErrorHook
	toolHook ToolHook
	tools    map[string]Tool

	conn     *websocket.Conn
	codec    *frame.AICodec
	framesCh chan frame.Frame

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	writeMu sync.Mutex

	mu     sync.Mutex
	errVal error
}

var _ peer.Adapter = (*Adapter)(nil)

// New creates an AI adapter from cfg. Call [Adapter.Open] to connect.
func New(cfg Config, opts ...Option) *Adapter {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	a := &Adapter{
		cfg:      cfg,
		tools:    make(map[string]Tool, len(cfg.Tools)),
		codec:    frame.NewAICodec(frame.EncodingG711ULaw),
		framesCh: make(chan frame.Frame, defaultFrameBuf),
	}
	for _, t := range cfg.Tools {
		if name := toolName(t); name != "" {
			a.tools[name] = t
		}
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Open dials the realtime endpoint, sends the session configuration and the
// optional greeting request, and starts the receive loop. ctx bounds the
// dial and setup only.
func (a *Adapter) Open(ctx context.Context) error {
	if a.lc.State() >= peer.StateClosing {
		return peer.ErrClosed
	}

	wsURL := fmt.Sprintf("%s?model=%s", a.cfg.BaseURL, a.cfg.Model)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + a.cfg.APIKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(a.cfg.MaxMessageBytes)

	a.conn = conn
	a.ctx, a.cancel = context.WithCancel(context.Background())

	if err := a.sendSessionUpdate(); err != nil {
		a.failClosed(err)
		return fmt.Errorf("openai: session update: %w", err)
	}
	if a.cfg.Greeting != "" {
		if err := a.sendGreeting(); err != nil {
			a.failClosed(err)
			return fmt.Errorf("openai: greeting: %w", err)
		}
	}

	a.lc.Advance(peer.StateOpen)

	go a.readLoop()
	if a.cfg.PingInterval > 0 {
		go a.keepalive()
	}
	return nil
}

// sendSessionUpdate configures audio formats, turn detection, voice,
// instructions, temperature, and tools in a single session.update event.
func (a *Adapter) sendSessionUpdate() error {
	session := map[string]any{
		"turn_detection":      map[string]any{"type": "server_vad"},
		"input_audio_format":  frame.EncodingG711ULaw,
		"output_audio_format": frame.EncodingG711ULaw,
		"modalities":          []string{"text", "audio"},
	}
	if a.cfg.Voice != "" {
		session["voice"] = a.cfg.Voice
	}
	if a.cfg.Instructions != "" {
		session["instructions"] = a.cfg.Instructions
	}
	if a.cfg.Temperature != 0 {
		session["temperature"] = a.cfg.Temperature
	}
	if len(a.cfg.Tools) > 0 {
		defs := make([]map[string]any, 0, len(a.cfg.Tools))
		for _, t := range a.cfg.Tools {
			defs = append(defs, t.Definition())
		}
		session["tools"] = defs
		session["tool_choice"] = "auto"
	}
	return a.writeEvent(map[string]any{
		"event_id": newEventID(),
		"type":     "session.update",
		"session":  session,
	})
}

// sendGreeting asks the model to open the conversation.
func (a *Adapter) sendGreeting() error {
	return a.writeEvent(map[string]any{
		"event_id": newEventID(),
		"type":     "response.create",
		"response": map[string]any{
			"modalities":   []string{"text", "audio"},
			"instructions": a.cfg.Greeting,
		},
	})
}

// newEventID generates a unique client event ID.
func newEventID() string {
	return "evt_" + uuid.NewString()[:12]
}

// writeEvent marshals evt and writes it as one text message.
func (a *Adapter) writeEvent(evt map[string]any) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("openai: marshal event: %w", err)
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.Write(a.ctx, websocket.MessageText, data)
}

// Send encodes f and writes it to the socket. A [frame.ErrUnsupported]
// encode failure is returned as-is and is not terminal; a write failure is.
func (a *Adapter) Send(f frame.Frame) error {
	if a.lc.State() >= peer.StateClosing {
		return peer.ErrClosed
	}
	if a.conn == nil {
		return fmt.Errorf("openai: send before open")
	}
	data, err := a.codec.Encode(f)
	if err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := a.conn.Write(a.ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("openai: write: %w", err)
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
		if a.conn != nil {
			a.conn.Close(websocket.StatusNormalClosure, "session ended")
		}
		a.lc.Advance(peer.StateClosed)
	})
	return nil
}

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

// readLoop reads, decodes, and publishes inbound frames. Tool-call results
// in response.done events are answered before the event is published.
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
			slog.Debug("openai: dropping malformed event", "err", err)
			if a.errHook != nil {
				a.errHook(err)
			}
			continue
		}

		if f.Kind == frame.KindSessionControl && f.Subtype == "response.done" {
			a.handleToolCalls(f.Data)
		}

		select {
		case a.framesCh <- f:
		case <-a.ctx.Done():
			return
		}
	}
}

// recordReadEnd classifies the error that ended the read loop.
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
		a.setErr(fmt.Errorf("openai: read: %w", err))
	}
}

// isReadLimit reports whether err ended the read loop on an oversized
// event. A locally breached read limit surfaces as a plain "read limited"
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
				a.setErr(fmt.Errorf("openai: keepalive: %w", err))
				_ = a.Close()
			}
			return
		}
	}
}
