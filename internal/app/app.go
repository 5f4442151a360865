// Package app wires the relay's subsystems into a runnable server: call log
// storage, metrics, the circuit breaker, the call manager, and the HTTP
// surface (webhook routes, health probes, Prometheus metrics).
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxbridge/voxbridge/internal/calllog"
	callpg "github.com/voxbridge/voxbridge/internal/calllog/postgres"
	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/health"
	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/resilience"
	"github.com/voxbridge/voxbridge/internal/webhook"
	"github.com/voxbridge/voxbridge/pkg/peer/openai"
)

// shutdownTimeout bounds the HTTP server drain during Shutdown when the
// caller's context carries no deadline of its own.
const shutdownTimeout = 10 * time.Second

// App is the assembled relay server. Create one with [New], start it with
// [Run], and stop it with [Shutdown].
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics
	store   calllog.Store
	breaker *resilience.CircuitBreaker
	manager *CallManager
	hooks   *webhook.Handler
	health  *health.Handler
	srv     *http.Server
	tools   []openai.Tool

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option injects a subsystem instead of letting [New] build it from config.
type Option func(*App)

// WithCallStore injects a call log store (e.g. a mock in tests).
func WithCallStore(s calllog.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects a metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTools registers functions the AI peer may invoke mid-call.
func WithTools(tools ...openai.Tool) Option {
	return func(a *App) { a.tools = append(a.tools, tools...) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Metrics ───────────────────────────────────────────────────────
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 2. Call log store ────────────────────────────────────────────────
	if err := a.initCallLog(ctx); err != nil {
		return nil, fmt.Errorf("app: init call log: %w", err)
	}

	// ── 3. AI endpoint breaker ───────────────────────────────────────────
	a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name: "ai-endpoint",
	})

	// ── 4. Call manager ──────────────────────────────────────────────────
	a.manager = NewCallManager(cfg, a.store, a.metrics, a.breaker, a.tools)

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initCallLog connects the PostgreSQL call log when a DSN is configured and
// no store was injected. Without a DSN the store stays nil and call records
// live only in logs and metrics.
func (a *App) initCallLog(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.CallLog.PostgresDSN
	if dsn == "" {
		slog.Info("call log disabled, no postgres dsn configured")
		return nil
	}

	store, err := callpg.New(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// initHTTP assembles the mux and the server. All routes pass through the
// request metrics middleware.
func (a *App) initHTTP() {
	hookOpts := []webhook.Option{webhook.WithReadyCheck(a.manager.Ready)}
	if token := a.cfg.Telephony.AuthToken; token != "" {
		hookOpts = append(hookOpts, webhook.WithValidator(
			webhook.NewSignatureValidator(token, a.cfg.Server.PublicHost)))
	}
	a.hooks = webhook.NewHandler(a.cfg.Server.PublicHost, a.manager, hookOpts...)

	checkers := []health.Checker{{
		Name: "ai_breaker",
		Check: func(context.Context) error {
			if a.breaker.State() == resilience.StateOpen {
				return ErrAIUnavailable
			}
			return nil
		},
	}}
	if a.store != nil {
		checkers = append(checkers, health.Checker{
			Name: "call_log",
			Check: func(ctx context.Context) error {
				_, err := a.store.Recent(ctx, 1)
				return err
			},
		})
	}
	a.health = health.New(checkers...)

	mux := http.NewServeMux()
	a.hooks.Register(mux)
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	a.srv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the HTTP server and blocks until ctx is cancelled or the server
// fails. Call [Shutdown] afterwards to drain active calls.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.srv.ListenAndServe()
		}
		errCh <- err
	}()

	slog.Info("server listening",
		"addr", a.cfg.Server.ListenAddr,
		"public_host", a.cfg.Server.PublicHost,
		"tls", a.cfg.Server.TLS != nil,
	)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	}
}

// ApplyConfig pushes a reloaded configuration to the subsystems that accept
// live updates. Calls accepted after this use the new AI persona settings.
func (a *App) ApplyConfig(cfg *config.Config) {
	a.manager.ApplyConfig(cfg)
}

// Manager exposes the call manager, mainly for tests and readiness probes.
func (a *App) Manager() *CallManager { return a.manager }

// Handler exposes the assembled HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler { return a.srv.Handler }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting calls, drains the HTTP server and active
// sessions, then runs the closers in order. Safe to call more than once;
// only the first call does the work.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()
		}

		slog.Info("shutting down", "active_calls", a.manager.ActiveCalls())

		if srvErr := a.srv.Shutdown(ctx); srvErr != nil {
			slog.Warn("http server shutdown", "err", srvErr)
		}
		if drainErr := a.manager.Drain(ctx); drainErr != nil {
			err = fmt.Errorf("app: drain calls: %w", drainErr)
		}

		for _, closer := range a.closers {
			if cerr := closer(); cerr != nil {
				slog.Warn("closer failed during shutdown", "err", cerr)
			}
		}
	})
	return err
}
