// Package bridge pumps frames between two peer adapters in both directions,
// applying backpressure, tracking health statistics, and enforcing
// synchronized shutdown: when either side stops, errors, or goes silent for
// too long, both sides are closed. A one-sided call is meaningless.
//
// Each running bridge owns four goroutines: one read loop and one queue
// drain per direction, plus a watchdog. The read loop decodes nothing (the
// adapters already speak Frames); it routes. Audio and marks are queued
// through the per-direction [Governor] and delivered by the drain goroutine,
// which is the sole writer to its destination adapter. Stop and Error frames
// terminate the bridge; Start and session-control frames are consumed
// locally and counted as filtered.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxbridge/voxbridge/pkg/frame"
	"github.com/voxbridge/voxbridge/pkg/peer"
)

// Cause names why a bridge run ended. Recorded once, first writer wins.
type Cause string

const (
	CauseStop       Cause = "stop"
	CauseStreamEnd  Cause = "stream_end"
	CausePeerError  Cause = "peer_error"
	CauseSendFailed Cause = "send_failed"
	CauseQueueFull  Cause = "queue_full"
	CauseInactivity Cause = "inactivity"
	CauseCanceled   Cause = "canceled"
)

// graceful sentinels: these terminate the run without counting as failures.
var (
	errStopRequested = errors.New("bridge: stop requested")
	errStreamEnded   = errors.New("bridge: peer stream ended")
	errInactive      = errors.New("bridge: inactivity timeout")
)

// Config holds the per-session tuning for a Bridge.
type Config struct {
	// QueueCapacity bounds each direction's governor queue.
	QueueCapacity int

	// InactivityTimeout is how long both directions may be silent before
	// the watchdog declares the bridge dead. Zero disables the watchdog.
	InactivityTimeout time.Duration
}

// Bridge relays frames between the telephony and AI adapters. It holds
// handles, never socket ownership: the adapters are created and ultimately
// released by the session that owns the bridge, though Run closes both to
// guarantee synchronized shutdown.
type Bridge struct {
	telephony peer.Adapter
	ai        peer.Adapter
	cfg       Config

	stats  *Stats
	queues [2]*Governor

	causeCh chan Cause // capacity 1; first termination cause wins
}

// New creates a Bridge over the two adapters. Call Run to start relaying.
func New(telephony, ai peer.Adapter, cfg Config) *Bridge {
	return &Bridge{
		telephony: telephony,
		ai:        ai,
		cfg:       cfg,
		stats:     NewStats(time.Now()),
		queues: [2]*Governor{
			TelephonyToAI: NewGovernor(cfg.QueueCapacity),
			AIToTelephony: NewGovernor(cfg.QueueCapacity),
		},
		causeCh: make(chan Cause, 1),
	}
}

// Stats exposes the live counters.
func (b *Bridge) Stats() *Stats { return b.stats }

// Cause returns why the run ended. Valid after Run returns.
func (b *Bridge) Cause() Cause {
	select {
	case c := <-b.causeCh:
		b.causeCh <- c
		return c
	default:
		return ""
	}
}

func (b *Bridge) setCause(c Cause) {
	select {
	case b.causeCh <- c:
	default:
	}
}

// Run relays until either side closes, errors, or the watchdog fires. Both
// adapters are closed before Run returns, whatever the termination path.
// The returned error is nil for graceful endings (Stop frame, orderly
// stream end, inactivity, context cancellation) and non-nil for failures
// (peer errors, send failures, a control frame that could not be queued).
func (b *Bridge) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	// Closing the adapters promptly unblocks every loop below, so shutdown
	// is driven by closing rather than by waiting.
	closeDone := make(chan struct{})
	go func() {
		defer close(closeDone)
		<-gctx.Done()
		_ = b.telephony.Close()
		_ = b.ai.Close()
	}()

	g.Go(func() error { return b.pump(gctx, b.telephony, TelephonyToAI) })
	g.Go(func() error { return b.drain(gctx, b.ai, TelephonyToAI) })
	g.Go(func() error { return b.pump(gctx, b.ai, AIToTelephony) })
	g.Go(func() error { return b.drain(gctx, b.telephony, AIToTelephony) })
	if b.cfg.InactivityTimeout > 0 {
		g.Go(func() error { return b.watchdog(gctx) })
	}

	err := g.Wait()
	<-closeDone

	// Frames still queued at shutdown were read but never delivered.
	for dir, q := range b.queues {
		for range q.Drain() {
			b.stats.CountDropped(Direction(dir))
		}
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, errStopRequested),
		errors.Is(err, errStreamEnded),
		errors.Is(err, errInactive),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			b.setCause(CauseCanceled)
		}
		return nil
	default:
		return err
	}
}

// notableEvents are AI session-control event types worth logging above
// debug level.
var notableEvents = map[string]struct{}{
	"session.created":                   {},
	"response.done":                     {},
	"response.content.done":             {},
	"rate_limits.updated":               {},
	"input_audio_buffer.committed":      {},
	"input_audio_buffer.speech_started": {},
	"input_audio_buffer.speech_stopped": {},
}

// pump reads frames from src and routes them for direction dir. Audio and
// marks go through the governor; Stop and Error end the bridge; everything
// else is consumed here. Every return is non-nil so the errgroup context
// cancels and the peer direction shuts down too.
func (b *Bridge) pump(ctx context.Context, src peer.Adapter, dir Direction) error {
	for {
		var f frame.Frame
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok = <-src.Frames():
		}

		if !ok {
			// Closing an adapter ends its stream, so a cancelled context
			// must win over the resulting channel close.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := src.Err(); err != nil {
				b.setCause(CausePeerError)
				return fmt.Errorf("bridge: %s source failed: %w", dir, err)
			}
			b.setCause(CauseStreamEnd)
			return errStreamEnded
		}

		b.stats.CountRead(dir, time.Now())

		switch f.Kind {
		case frame.KindStop:
			b.stats.CountFiltered(dir)
			slog.Debug("stop frame received", "direction", dir.String())
			b.setCause(CauseStop)
			return errStopRequested

		case frame.KindError:
			b.stats.CountFiltered(dir)
			b.setCause(CausePeerError)
			return fmt.Errorf("bridge: %s peer reported error: %s", dir, f.Message)

		case frame.KindStart:
			// Stream metadata is handled during the handshake; a repeat is
			// harmless.
			b.stats.CountFiltered(dir)

		case frame.KindSessionControl:
			b.stats.CountFiltered(dir)
			if _, ok := notableEvents[f.Subtype]; ok {
				slog.Info("session control event", "direction", dir.String(), "type", f.Subtype)
			} else {
				slog.Debug("session control event", "direction", dir.String(), "type", f.Subtype)
			}

		default: // AudioChunk, Mark
			evicted, err := b.queues[dir].Enqueue(f)
			if err != nil {
				b.setCause(CauseQueueFull)
				return fmt.Errorf("bridge: %s: %w", dir, err)
			}
			if evicted != nil {
				b.stats.CountDropped(dir)
			}
		}
	}
}

// drain is the single consumer for direction dir: it dequeues frames and
// writes them to dst. Unsupported frames are dropped and the stream
// continues; any transport failure ends the bridge.
func (b *Bridge) drain(ctx context.Context, dst peer.Adapter, dir Direction) error {
	for {
		f, err := b.queues[dir].Dequeue(ctx)
		if err != nil {
			return err
		}

		if err := dst.Send(f); err != nil {
			if errors.Is(err, frame.ErrUnsupported) {
				b.stats.CountDropped(dir)
				slog.Debug("dropping unsupported frame", "direction", dir.String(), "kind", f.Kind.String())
				continue
			}
			b.stats.CountDropped(dir)
			b.setCause(CauseSendFailed)
			return fmt.Errorf("bridge: %s send: %w", dir, err)
		}

		b.stats.CountForwarded(dir, f.Size(), time.Now())
	}
}

// watchdog ends the bridge when no activity is seen in either direction for
// the configured timeout. Inactivity is a graceful ending, not a failure.
func (b *Bridge) watchdog(ctx context.Context) error {
	interval := b.cfg.InactivityTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			idle := time.Since(b.stats.LastActivity())
			if idle >= b.cfg.InactivityTimeout {
				slog.Info("bridge inactive, shutting down", "idle", idle.Round(time.Millisecond))
				b.setCause(CauseInactivity)
				return errInactive
			}
		}
	}
}
