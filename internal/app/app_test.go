package app

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	calllogmock "github.com/voxbridge/voxbridge/internal/calllog/mock"
	"github.com/voxbridge/voxbridge/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr: "127.0.0.1:0",
			PublicHost: "relay.example.com",
		},
		AI: config.AIConfig{
			APIKey: "sk-test",
			Model:  "gpt-4o-realtime-preview",
		},
		Bridge: config.BridgeConfig{
			QueueCapacity:     16,
			InactivityTimeout: 5 * time.Second,
		},
	}
}

func newTestApp(t *testing.T, cfg *config.Config) (*App, *calllogmock.Store) {
	t.Helper()
	metrics, _ := newTestMetrics(t)
	store := calllogmock.New()
	a, err := New(context.Background(), cfg, WithCallStore(store), WithMetrics(metrics))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, store
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestAppIndexRoute(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t, testConfig())
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "voxbridge") {
		t.Fatalf("index body = %q, want mention of voxbridge", body)
	}
}

func TestAppHealthRoutes(t *testing.T) {
	t.Parallel()
	a, store := newTestApp(t, testConfig())
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d, want 200", path, resp.StatusCode)
		}
	}

	store.RecentErr = fmt.Errorf("connection refused")
	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz with failing store status = %d, want 503", resp.StatusCode)
	}
}

func TestAppMetricsRoute(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t, testConfig())
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestIncomingCallRejectedWhileDraining(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t, testConfig())
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/incoming-call")
	if err != nil {
		t.Fatalf("GET /incoming-call: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status before drain = %d, want 200", resp.StatusCode)
	}

	if err := a.Manager().Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	resp, err = http.Get(srv.URL + "/incoming-call")
	if err != nil {
		t.Fatalf("GET /incoming-call: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status while draining = %d, want 503", resp.StatusCode)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

// telephonyEvent builds one media-stream wire message.
func telephonyEvent(t *testing.T, v map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return raw
}

// fakeRealtimeServer accepts one WebSocket session, emits a single audio
// delta after the session.update arrives, and then reads until the peer
// disconnects.
func fakeRealtimeServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		if _, _, err := c.Read(ctx); err != nil { // session.update
			return
		}
		delta := map[string]any{
			"type":  "response.audio.delta",
			"delta": base64.StdEncoding.EncodeToString([]byte{0xAA, 0xBB, 0xCC}),
		}
		raw, _ := json.Marshal(delta)
		if err := c.Write(ctx, websocket.MessageText, raw); err != nil {
			return
		}
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCallFlowEndToEnd(t *testing.T) {
	t.Parallel()

	aiSrv := fakeRealtimeServer(t)
	cfg := testConfig()
	cfg.AI.BaseURL = "ws" + strings.TrimPrefix(aiSrv.URL, "http")

	a, store := newTestApp(t, cfg)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	caller, _, err := websocket.Dial(ctx, srv.URL+"/media-stream", nil)
	if err != nil {
		t.Fatalf("dial media stream: %v", err)
	}
	defer caller.Close(websocket.StatusNormalClosure, "")

	send := func(v map[string]any) {
		t.Helper()
		if err := caller.Write(ctx, websocket.MessageText, telephonyEvent(t, v)); err != nil {
			t.Fatalf("write event: %v", err)
		}
	}

	send(map[string]any{"event": "connected", "protocol": "Call"})
	send(map[string]any{
		"event":     "start",
		"streamSid": "MZtest",
		"start": map[string]any{
			"streamSid": "MZtest",
			"callSid":   "CAtest",
			"mediaFormat": map[string]any{
				"encoding":   "audio/x-mulaw",
				"sampleRate": 8000,
				"channels":   1,
			},
		},
	})
	send(map[string]any{
		"event": "media",
		"media": map[string]any{
			"payload": base64.StdEncoding.EncodeToString([]byte{0x11, 0x22, 0x33}),
		},
	})

	// The fake AI's audio delta must come back as an outbound media event.
	_, raw, err := caller.Read(ctx)
	if err != nil {
		t.Fatalf("read outbound media: %v", err)
	}
	var outbound struct {
		Event string `json:"event"`
		Media struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	if err := json.Unmarshal(raw, &outbound); err != nil {
		t.Fatalf("unmarshal outbound: %v", err)
	}
	if outbound.Event != "media" || outbound.Media.Payload == "" {
		t.Fatalf("outbound = %s, want media event with payload", raw)
	}

	send(map[string]any{"event": "stop", "streamSid": "MZtest"})

	waitUntil(t, func() bool { return store.Len() == 1 })
	recs, err := store.Recent(ctx, 1)
	if err != nil || len(recs) != 1 {
		t.Fatalf("Recent: %v (%d records)", err, len(recs))
	}
	rec := recs[0]
	if rec.CallSID != "CAtest" || rec.StreamSID != "MZtest" {
		t.Fatalf("record identifiers = %q/%q, want CAtest/MZtest", rec.CallSID, rec.StreamSID)
	}
	if rec.Cause != "stop" {
		t.Fatalf("record cause = %q, want stop", rec.Cause)
	}
	if rec.Inbound.Forwarded == 0 {
		t.Fatalf("record inbound forwarded = 0, want at least 1")
	}
	if rec.Outbound.Forwarded == 0 {
		t.Fatalf("record outbound forwarded = 0, want at least 1")
	}
	waitUntil(t, func() bool { return a.Manager().ActiveCalls() == 0 })
}

func TestCallFlowCountsMalformedMessages(t *testing.T) {
	t.Parallel()

	aiSrv := fakeRealtimeServer(t)
	cfg := testConfig()
	cfg.AI.BaseURL = "ws" + strings.TrimPrefix(aiSrv.URL, "http")

	a, store := newTestApp(t, cfg)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	caller, _, err := websocket.Dial(ctx, srv.URL+"/media-stream", nil)
	if err != nil {
		t.Fatalf("dial media stream: %v", err)
	}
	defer caller.Close(websocket.StatusNormalClosure, "")

	send := func(v map[string]any) {
		t.Helper()
		if err := caller.Write(ctx, websocket.MessageText, telephonyEvent(t, v)); err != nil {
			t.Fatalf("write event: %v", err)
		}
	}

	send(map[string]any{"event": "connected", "protocol": "Call"})
	send(map[string]any{
		"event":     "start",
		"streamSid": "MZbad",
		"start": map[string]any{
			"streamSid": "MZbad",
			"callSid":   "CAbad",
			"mediaFormat": map[string]any{
				"encoding":   "audio/x-mulaw",
				"sampleRate": 8000,
				"channels":   1,
			},
		},
	})

	// Line noise after the handshake: dropped by the codec, not terminal.
	if err := caller.Write(ctx, websocket.MessageText, []byte("not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	// The call keeps working: the fake AI's delta still comes back.
	if _, _, err := caller.Read(ctx); err != nil {
		t.Fatalf("read outbound media after garbage: %v", err)
	}

	send(map[string]any{"event": "stop", "streamSid": "MZbad"})

	waitUntil(t, func() bool { return store.Len() == 1 })
	recs, err := store.Recent(ctx, 1)
	if err != nil || len(recs) != 1 {
		t.Fatalf("Recent: %v (%d records)", err, len(recs))
	}
	if got := recs[0].CodecErrors; got != 1 {
		t.Fatalf("record CodecErrors = %d, want 1", got)
	}
	waitUntil(t, func() bool { return a.Manager().ActiveCalls() == 0 })
}
