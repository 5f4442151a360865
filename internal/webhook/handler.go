// Package webhook serves the telephony provider's HTTP surface: the call
// webhook that answers with stream-connect instructions, and the websocket
// endpoint the provider then dials back with the call audio. Request
// authenticity is checked by a [Validator] before anything else happens.
package webhook

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
)

// StreamRunner takes ownership of an accepted media websocket and drives the
// call to completion. It blocks until the call ends; the connection is
// closed by the time it returns.
type StreamRunner interface {
	RunStream(ctx context.Context, conn *websocket.Conn)
}

// Handler serves the provider-facing routes. Construct with [NewHandler]
// and mount via [Handler.Register].
type Handler struct {
	publicHost string
	validator  Validator
	runner     StreamRunner

	// ready reports whether the relay can currently take a call. When it
	// returns an error, incoming calls are rejected with 503 instead of
	// being answered and dropped moments later. May be nil.
	ready func() error
}

// Option configures a [Handler].
type Option func(*Handler)

// WithValidator sets the request validator. Defaults to [AllowAll].
func WithValidator(v Validator) Option {
	return func(h *Handler) { h.validator = v }
}

// WithReadyCheck gates call acceptance on fn.
func WithReadyCheck(fn func() error) Option {
	return func(h *Handler) { h.ready = fn }
}

// NewHandler creates a Handler that advertises wss://publicHost/media-stream
// to the provider and hands accepted streams to runner.
func NewHandler(publicHost string, runner StreamRunner, opts ...Option) *Handler {
	h := &Handler{
		publicHost: publicHost,
		validator:  AllowAll{},
		runner:     runner,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds the provider routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.Index)
	mux.HandleFunc("GET /incoming-call", h.IncomingCall)
	mux.HandleFunc("POST /incoming-call", h.IncomingCall)
	mux.HandleFunc("GET /media-stream", h.MediaStream)
}

// Index answers with a small JSON liveness message, mirroring what operators
// expect to see when they open the service root in a browser.
func (h *Handler) Index(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"message": "voxbridge media stream server is running",
	})
}

// twiml is the instruction document returned to the provider: connect this
// call's audio to our media stream endpoint.
type twiml struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL string `xml:"url,attr"`
}

// IncomingCall is the voice webhook. It validates the request, checks that
// the relay can take the call, and answers with the stream-connect document.
func (h *Handler) IncomingCall(w http.ResponseWriter, r *http.Request) {
	if !h.validator.Validate(r) {
		slog.Warn("rejecting call webhook with invalid signature", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}
	if h.ready != nil {
		if err := h.ready(); err != nil {
			slog.Warn("rejecting call, relay not ready", "reason", err)
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}
	}

	doc := twiml{}
	doc.Connect.Stream.URL = "wss://" + h.publicHost + "/media-stream"

	body, err := xml.Marshal(doc)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	slog.Debug("answering incoming call", "stream_url", doc.Connect.Stream.URL)
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(body)
}

// MediaStream upgrades the provider's dial-back to a websocket and hands it
// to the [StreamRunner]. The handler blocks for the lifetime of the call;
// the connection dies with the handler otherwise.
func (h *Handler) MediaStream(w http.ResponseWriter, r *http.Request) {
	if !h.validator.Validate(r) {
		slog.Warn("rejecting media stream with invalid signature", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Error("media stream upgrade failed", "error", err)
		return
	}

	h.runner.RunStream(r.Context(), conn)
}
