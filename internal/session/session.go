// Package session supervises the lifecycle of one relayed call: it opens
// both peer adapters, runs the bridge between them, enforces the session
// deadline, and flushes a durable call record exactly once when the call
// ends, whatever the ending looked like.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxbridge/voxbridge/internal/bridge"
	"github.com/voxbridge/voxbridge/internal/calllog"
	"github.com/voxbridge/voxbridge/pkg/peer"
)

// State tracks where a session is in its lifecycle. Transitions are
// monotonic: Validating → Bridging → Terminating → Closed, with failed
// validation skipping straight to Terminating.
type State int

const (
	StateValidating State = iota
	StateBridging
	StateTerminating
	StateClosed
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateValidating:
		return "validating"
	case StateBridging:
		return "bridging"
	case StateTerminating:
		return "terminating"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CauseValidationFailed marks sessions that never reached bridging.
const CauseValidationFailed = "validation_failed"

// CauseDeadline marks sessions ended by the session deadline.
const CauseDeadline = "deadline"

// recordTimeout bounds the call record write at shutdown, which must not
// block teardown on a slow database.
const recordTimeout = 5 * time.Second

// Meta carries the call identifiers learned during the telephony handshake.
type Meta struct {
	CallSID   string
	StreamSID string
}

// Config holds the per-session policy and optional hooks.
type Config struct {
	// Deadline caps the total session lifetime. Zero means unlimited.
	Deadline time.Duration

	// Bridge is passed through to the relay.
	Bridge bridge.Config

	// Identify, when set, is called after the telephony handshake succeeds
	// to learn the call identifiers for logging and the call record.
	Identify func() Meta

	// CodecErrors, when set, is read at finish time and added to the call
	// record's codec error count. Malformed inbound messages are dropped
	// inside the adapters, out of the bridge's sight, so their tally has to
	// come in from outside.
	CodecErrors func() uint64

	// OnStateChange, when set, observes every lifecycle transition.
	OnStateChange func(from, to State)

	// OnFinish, when set, receives the final call record after it has been
	// written (or after the write failed).
	OnFinish func(calllog.CallRecord)
}

// Session supervises one call. Create with [New], drive with [Run]; a
// Session is single-use.
type Session struct {
	id        string
	telephony peer.Adapter
	ai        peer.Adapter
	store     calllog.Store
	cfg       Config

	mu    sync.Mutex
	state State
	meta  Meta

	startedAt  time.Time
	finishOnce sync.Once
	record     calllog.CallRecord
}

// New creates a Session over the two unopened adapters. store may be nil,
// in which case no call record is written.
func New(telephony, ai peer.Adapter, store calllog.Store, cfg Config) *Session {
	return &Session{
		id:        "call-" + uuid.NewString(),
		telephony: telephony,
		ai:        ai,
		store:     store,
		cfg:       cfg,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	if to <= from {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(from, to)
	}
}

// Run drives the session to completion: open both peers, bridge them, and
// flush the call record. It blocks until the call has fully ended and both
// adapters are closed. The returned error is nil for calls that ended
// gracefully and non-nil for validation failures and relay faults.
func (s *Session) Run(ctx context.Context) error {
	s.startedAt = time.Now()
	log := slog.With("session_id", s.id)

	// Validation: both handshakes must succeed before any audio moves.
	if err := s.telephony.Open(ctx); err != nil {
		err = fmt.Errorf("session: telephony handshake: %w", err)
		s.finish(CauseValidationFailed, err, bridge.Snapshot{}, log)
		return err
	}
	if s.cfg.Identify != nil {
		s.mu.Lock()
		s.meta = s.cfg.Identify()
		s.mu.Unlock()
	}
	log = log.With("call_sid", s.meta.CallSID, "stream_sid", s.meta.StreamSID)

	if err := s.ai.Open(ctx); err != nil {
		_ = s.telephony.Close()
		err = fmt.Errorf("session: ai handshake: %w", err)
		s.finish(CauseValidationFailed, err, bridge.Snapshot{}, log)
		return err
	}

	s.setState(StateBridging)
	log.Info("session bridging")

	bctx := ctx
	var cancel context.CancelFunc
	if s.cfg.Deadline > 0 {
		bctx, cancel = context.WithTimeout(ctx, s.cfg.Deadline)
		defer cancel()
	}

	b := bridge.New(s.telephony, s.ai, s.cfg.Bridge)
	err := b.Run(bctx)

	s.setState(StateTerminating)

	cause := string(b.Cause())
	if cause == string(bridge.CauseCanceled) &&
		errors.Is(bctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		cause = CauseDeadline
	}
	s.finish(cause, err, b.Stats().Snapshot(), log)
	return err
}

// finish records the ending exactly once: lifecycle transition, call record
// write, and summary log.
func (s *Session) finish(cause string, runErr error, snap bridge.Snapshot, log *slog.Logger) {
	s.finishOnce.Do(func() {
		s.setState(StateTerminating)
		endedAt := time.Now()

		s.mu.Lock()
		meta := s.meta
		s.mu.Unlock()

		if s.cfg.CodecErrors != nil {
			snap.CodecErrors += s.cfg.CodecErrors()
		}

		rec := calllog.CallRecord{
			SessionID:   s.id,
			CallSID:     meta.CallSID,
			StreamSID:   meta.StreamSID,
			StartedAt:   s.startedAt,
			EndedAt:     endedAt,
			Cause:       cause,
			Inbound:     toCounters(snap.TelephonyToAI),
			Outbound:    toCounters(snap.AIToTelephony),
			CodecErrors: snap.CodecErrors,
		}
		if runErr != nil {
			rec.Error = runErr.Error()
		}

		if s.store != nil {
			rctx, rcancel := context.WithTimeout(context.Background(), recordTimeout)
			defer rcancel()
			if err := s.store.Record(rctx, rec); err != nil {
				log.Warn("call record write failed", "error", err)
			}
		}

		s.mu.Lock()
		s.record = rec
		s.mu.Unlock()

		s.setState(StateClosed)
		log.Info("session closed",
			"cause", cause,
			"duration", rec.Duration().Round(time.Millisecond),
			"frames_in", snap.TelephonyToAI.Forwarded,
			"frames_out", snap.AIToTelephony.Forwarded,
			"dropped", snap.TelephonyToAI.Dropped+snap.AIToTelephony.Dropped,
		)

		if s.cfg.OnFinish != nil {
			s.cfg.OnFinish(rec)
		}
	})
}

// Record returns the final call record. Zero until the session has closed.
func (s *Session) Record() calllog.CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record
}

func toCounters(d bridge.DirectionSnapshot) calllog.DirectionCounters {
	return calllog.DirectionCounters{
		Read:      d.Read,
		Forwarded: d.Forwarded,
		Dropped:   d.Dropped,
		Filtered:  d.Filtered,
		Bytes:     d.Bytes,
	}
}
