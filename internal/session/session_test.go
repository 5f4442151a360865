package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxbridge/voxbridge/internal/bridge"
	"github.com/voxbridge/voxbridge/internal/calllog"
	calllogmock "github.com/voxbridge/voxbridge/internal/calllog/mock"
	"github.com/voxbridge/voxbridge/pkg/frame"
	peermock "github.com/voxbridge/voxbridge/pkg/peer/mock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSessionGracefulStop(t *testing.T) {
	t.Parallel()

	tel := peermock.New()
	ai := peermock.New()
	store := calllogmock.New()

	s := New(tel, ai, store, Config{
		Bridge: bridge.Config{QueueCapacity: 16},
		Identify: func() Meta {
			return Meta{CallSID: "CA123", StreamSID: "MZ456"}
		},
	})

	tel.Emit(frame.Frame{Kind: frame.KindAudioChunk, Payload: []byte{1}})
	tel.Emit(frame.Frame{Kind: frame.KindStop})

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := s.State(); got != StateClosed {
		t.Errorf("State = %v, want closed", got)
	}

	rec, err := store.Get(context.Background(), s.ID())
	if err != nil {
		t.Fatalf("Get record: %v", err)
	}
	if rec.Cause != string(bridge.CauseStop) {
		t.Errorf("Cause = %q, want %q", rec.Cause, bridge.CauseStop)
	}
	if rec.CallSID != "CA123" || rec.StreamSID != "MZ456" {
		t.Errorf("identifiers = %q/%q, want CA123/MZ456", rec.CallSID, rec.StreamSID)
	}
	if rec.Error != "" {
		t.Errorf("Error = %q, want empty for graceful stop", rec.Error)
	}
	if rec.EndedAt.Before(rec.StartedAt) {
		t.Error("EndedAt precedes StartedAt")
	}
}

func TestSessionValidationFailure(t *testing.T) {
	t.Parallel()

	tel := peermock.New()
	tel.OpenErr = errors.New("no start event")
	ai := peermock.New()
	store := calllogmock.New()

	s := New(tel, ai, store, Config{})
	err := s.Run(context.Background())
	if err == nil {
		t.Fatal("Run = nil, want handshake error")
	}
	if !strings.Contains(err.Error(), "telephony handshake") {
		t.Errorf("err = %v, want telephony handshake wrap", err)
	}
	if got := s.State(); got != StateClosed {
		t.Errorf("State = %v, want closed", got)
	}

	rec, err := store.Get(context.Background(), s.ID())
	if err != nil {
		t.Fatalf("Get record: %v", err)
	}
	if rec.Cause != CauseValidationFailed {
		t.Errorf("Cause = %q, want %q", rec.Cause, CauseValidationFailed)
	}
	if rec.Error == "" {
		t.Error("Error must be populated for failed validation")
	}
}

func TestSessionAIHandshakeFailureClosesTelephony(t *testing.T) {
	t.Parallel()

	tel := peermock.New()
	ai := peermock.New()
	ai.OpenErr = errors.New("401 unauthorized")

	s := New(tel, ai, calllogmock.New(), Config{})
	if err := s.Run(context.Background()); err == nil {
		t.Fatal("Run = nil, want handshake error")
	}
	if tel.CloseCount() == 0 {
		t.Error("telephony adapter must be closed when the AI handshake fails")
	}
}

func TestSessionDeadline(t *testing.T) {
	t.Parallel()

	tel := peermock.New()
	ai := peermock.New()
	store := calllogmock.New()

	s := New(tel, ai, store, Config{
		Deadline: 30 * time.Millisecond,
		Bridge:   bridge.Config{QueueCapacity: 16},
	})

	// No traffic and no Stop: only the deadline can end this call.
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v (deadline is a graceful ending)", err)
	}

	rec, err := store.Get(context.Background(), s.ID())
	if err != nil {
		t.Fatalf("Get record: %v", err)
	}
	if rec.Cause != CauseDeadline {
		t.Errorf("Cause = %q, want %q", rec.Cause, CauseDeadline)
	}
}

func TestSessionRecordWrittenOnce(t *testing.T) {
	t.Parallel()

	tel := peermock.New()
	ai := peermock.New()
	store := calllogmock.New()

	var finishes int
	var mu sync.Mutex
	s := New(tel, ai, store, Config{
		Bridge: bridge.Config{QueueCapacity: 16},
		OnFinish: func(calllog.CallRecord) {
			mu.Lock()
			finishes++
			mu.Unlock()
		},
	})

	tel.End(nil)
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// A second finish attempt must be a no-op.
	s.finish("stop", nil, bridge.Snapshot{}, testLogger())

	mu.Lock()
	defer mu.Unlock()
	if finishes != 1 {
		t.Errorf("OnFinish called %d times, want 1", finishes)
	}
	if store.Len() != 1 {
		t.Errorf("store holds %d records, want 1", store.Len())
	}
}

func TestSessionStateTransitions(t *testing.T) {
	t.Parallel()

	tel := peermock.New()
	ai := peermock.New()

	var mu sync.Mutex
	var seen []State
	s := New(tel, ai, nil, Config{
		Bridge: bridge.Config{QueueCapacity: 16},
		OnStateChange: func(_, to State) {
			mu.Lock()
			seen = append(seen, to)
			mu.Unlock()
		},
	})

	tel.Emit(frame.Frame{Kind: frame.KindStop})
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateBridging, StateTerminating, StateClosed}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i, w := range want {
		if seen[i] != w {
			t.Errorf("transition %d = %v, want %v", i, seen[i], w)
		}
	}
}

func TestSessionStoreFailureDoesNotFailRun(t *testing.T) {
	t.Parallel()

	tel := peermock.New()
	ai := peermock.New()
	store := calllogmock.New()
	store.RecordErr = errors.New("db down")

	s := New(tel, ai, store, Config{Bridge: bridge.Config{QueueCapacity: 16}})
	tel.End(nil)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v (record write failures must not fail the call)", err)
	}
}

func TestSessionAddsCodecErrorsToRecord(t *testing.T) {
	t.Parallel()

	tel := peermock.New()
	ai := peermock.New()
	store := calllogmock.New()

	s := New(tel, ai, store, Config{
		Bridge:      bridge.Config{QueueCapacity: 16},
		CodecErrors: func() uint64 { return 3 },
	})

	tel.Emit(frame.Frame{Kind: frame.KindStop})
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := s.Record().CodecErrors; got != 3 {
		t.Errorf("Record().CodecErrors = %d, want 3", got)
	}
	rec, err := store.Get(context.Background(), s.ID())
	if err != nil {
		t.Fatalf("Get record: %v", err)
	}
	if rec.CodecErrors != 3 {
		t.Errorf("stored CodecErrors = %d, want 3", rec.CodecErrors)
	}
}

func TestSessionValidationFailurePassesThroughTerminating(t *testing.T) {
	t.Parallel()

	tel := peermock.New()
	tel.OpenErr = errors.New("no start event")

	var mu sync.Mutex
	var seen []State
	s := New(tel, peermock.New(), nil, Config{
		OnStateChange: func(_, to State) {
			mu.Lock()
			seen = append(seen, to)
			mu.Unlock()
		},
	})

	if err := s.Run(context.Background()); err == nil {
		t.Fatal("Run = nil, want handshake error")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateTerminating, StateClosed}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i, w := range want {
		if seen[i] != w {
			t.Errorf("transition %d = %v, want %v", i, seen[i], w)
		}
	}
}
