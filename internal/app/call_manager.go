package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/voxbridge/voxbridge/internal/bridge"
	"github.com/voxbridge/voxbridge/internal/calllog"
	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/resilience"
	"github.com/voxbridge/voxbridge/internal/session"
	"github.com/voxbridge/voxbridge/pkg/peer"
	"github.com/voxbridge/voxbridge/pkg/peer/openai"
	"github.com/voxbridge/voxbridge/pkg/peer/twilio"
)

// ErrDraining is returned by [CallManager.Ready] once shutdown has begun.
var ErrDraining = errors.New("app: call manager is draining")

// ErrAIUnavailable is returned by [CallManager.Ready] while the AI endpoint
// breaker is open.
var ErrAIUnavailable = errors.New("app: ai endpoint circuit open")

// CallManager owns the set of in-flight calls. Each accepted media stream
// becomes one [session.Session]; the manager builds the two peer adapters,
// supervises the session, and flushes its final stats into metrics and the
// call log.
type CallManager struct {
	cfg     atomic.Pointer[config.Config]
	store   calllog.Store
	metrics *observe.Metrics
	breaker *resilience.CircuitBreaker
	tools   []openai.Tool

	mu       sync.Mutex
	active   map[*session.Session]context.CancelFunc
	draining bool
	wg       sync.WaitGroup
}

// NewCallManager creates a manager. store may be nil, in which case call
// records are kept only in logs and metrics.
func NewCallManager(cfg *config.Config, store calllog.Store, metrics *observe.Metrics, breaker *resilience.CircuitBreaker, tools []openai.Tool) *CallManager {
	m := &CallManager{
		store:   store,
		metrics: metrics,
		breaker: breaker,
		tools:   tools,
		active:  make(map[*session.Session]context.CancelFunc),
	}
	m.cfg.Store(cfg)
	return m
}

// ApplyConfig swaps the configuration used for calls accepted from now on.
// In-flight calls keep the settings they started with.
func (m *CallManager) ApplyConfig(cfg *config.Config) { m.cfg.Store(cfg) }

// Ready reports whether a new call can be accepted right now.
func (m *CallManager) Ready() error {
	m.mu.Lock()
	draining := m.draining
	m.mu.Unlock()
	if draining {
		return ErrDraining
	}
	if m.breaker != nil && m.breaker.State() == resilience.StateOpen {
		return ErrAIUnavailable
	}
	return nil
}

// ActiveCalls returns the number of sessions currently running.
func (m *CallManager) ActiveCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// RunStream supervises one accepted media-stream connection and blocks until
// the call ends. It implements [webhook.StreamRunner].
func (m *CallManager) RunStream(ctx context.Context, conn *websocket.Conn) {
	cfg := m.cfg.Load()

	// Malformed messages are dropped inside the adapters; count them here so
	// the call record and the codec error metric see them.
	var codecErrs atomic.Uint64
	countCodecErr := func(error) { codecErrs.Add(1) }

	telephony := twilio.New(conn, twilio.Config{
		MaxMessageBytes: int64(cfg.Bridge.MaxMessageBytes),
		PingInterval:    cfg.Bridge.PingInterval,
		PingTimeout:     cfg.Bridge.PingTimeout,
	}, twilio.WithErrorHook(countCodecErr))

	ai := openai.New(openai.Config{
		APIKey:          cfg.AI.APIKey,
		Model:           cfg.AI.Model,
		BaseURL:         cfg.AI.BaseURL,
		Voice:           cfg.AI.Voice,
		Instructions:    cfg.AI.Instructions,
		Greeting:        cfg.AI.Greeting,
		Temperature:     cfg.AI.Temperature,
		Tools:           m.tools,
		MaxMessageBytes: int64(cfg.Bridge.MaxMessageBytes),
		PingInterval:    cfg.Bridge.PingInterval,
		PingTimeout:     cfg.Bridge.PingTimeout,
	},
		openai.WithErrorHook(countCodecErr),
		openai.WithToolHook(func(tool string, err error) {
			status := "ok"
			if err != nil {
				status = "error"
			}
			m.metrics.RecordToolCall(ctx, tool, status)
		}),
	)

	sess := session.New(telephony, m.guard(ai), m.store, session.Config{
		Deadline: cfg.Bridge.SessionDeadline,
		Bridge: bridge.Config{
			QueueCapacity:     cfg.Bridge.QueueCapacity,
			InactivityTimeout: cfg.Bridge.InactivityTimeout,
		},
		Identify: func() session.Meta {
			info := telephony.Info()
			return session.Meta{CallSID: info.CallSID, StreamSID: info.StreamSID}
		},
		CodecErrors: codecErrs.Load,
		OnFinish:    m.flushRecord,
	})

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !m.track(sess, cancel) {
		telephony.Close()
		return
	}
	defer m.untrack(sess)

	m.metrics.SessionStarted(callCtx)
	if err := sess.Run(callCtx); err != nil {
		slog.Error("call ended with error", "err", err)
	}
}

// guard wraps the AI adapter so its dial goes through the circuit breaker.
func (m *CallManager) guard(a peer.Adapter) peer.Adapter {
	if m.breaker == nil {
		return a
	}
	return &guardedAdapter{Adapter: a, breaker: m.breaker}
}

// flushRecord pushes a finished call's counters into the metrics pipeline.
func (m *CallManager) flushRecord(rec calllog.CallRecord) {
	ctx := context.Background()
	m.metrics.SessionEnded(ctx, rec.Cause, rec.Duration())
	m.metrics.RecordRelayTotals(ctx, "telephony_to_ai", rec.Inbound.Forwarded, rec.Inbound.Dropped, rec.Inbound.Bytes)
	m.metrics.RecordRelayTotals(ctx, "ai_to_telephony", rec.Outbound.Forwarded, rec.Outbound.Dropped, rec.Outbound.Bytes)
	m.metrics.RecordCodecErrors(ctx, rec.CodecErrors)
}

// track registers a running session. It reports false when the manager is
// already draining and the call must be refused.
func (m *CallManager) track(s *session.Session, cancel context.CancelFunc) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.draining {
		return false
	}
	m.active[s] = cancel
	m.wg.Add(1)
	return true
}

func (m *CallManager) untrack(s *session.Session) {
	m.mu.Lock()
	delete(m.active, s)
	m.mu.Unlock()
	m.wg.Done()
}

// Drain refuses new calls, cancels every active session, and waits for them
// to finish or for ctx to expire.
func (m *CallManager) Drain(ctx context.Context) error {
	m.mu.Lock()
	m.draining = true
	n := len(m.active)
	for _, cancel := range m.active {
		cancel()
	}
	m.mu.Unlock()

	if n > 0 {
		slog.Info("draining active calls", "count", n)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// guardedAdapter routes Open through the circuit breaker. Repeated dial
// failures against the AI endpoint trip the breaker, which surfaces through
// [CallManager.Ready] as call refusal.
type guardedAdapter struct {
	peer.Adapter
	breaker *resilience.CircuitBreaker
}

func (g *guardedAdapter) Open(ctx context.Context) error {
	return g.breaker.Execute(func() error { return g.Adapter.Open(ctx) })
}
