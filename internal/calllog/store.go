// Package calllog defines durable storage for per-call session records.
//
// A record is written once, when its session ends, and captures everything
// operations needs to answer "what happened on that call": identifiers,
// timing, termination cause, and the relay counters. The interface is public
// so alternative backends can be supplied without depending on the rest of
// the service; the default backend is PostgreSQL.
//
// Every implementation must be safe for concurrent use.
package calllog

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no record exists for the session.
var ErrNotFound = errors.New("calllog: record not found")

// DirectionCounters holds the relay counters for one direction of a call.
type DirectionCounters struct {
	// Read is the number of frames read from the source peer.
	Read uint64

	// Forwarded is the number of frames delivered to the destination peer.
	Forwarded uint64

	// Dropped counts frames lost to eviction or shutdown.
	Dropped uint64

	// Filtered counts control frames consumed by the relay itself.
	Filtered uint64

	// Bytes is the total payload size forwarded.
	Bytes uint64
}

// CallRecord is the durable summary of one finished session.
type CallRecord struct {
	// SessionID uniquely identifies the session within this service.
	SessionID string

	// CallSID is the telephony provider's call identifier, when known.
	CallSID string

	// StreamSID is the telephony provider's media stream identifier.
	StreamSID string

	// StartedAt and EndedAt bound the session lifetime.
	StartedAt time.Time
	EndedAt   time.Time

	// Cause names why the session ended (stop, stream_end, inactivity, …).
	Cause string

	// Error holds the failure message for sessions that ended abnormally.
	// Empty for graceful endings.
	Error string

	// Inbound covers caller audio towards the model, Outbound the reverse.
	Inbound  DirectionCounters
	Outbound DirectionCounters

	// CodecErrors counts inbound messages dropped by a codec.
	CodecErrors uint64
}

// Duration returns the session lifetime, or zero when the bounds are unset.
func (r CallRecord) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Store persists call records.
type Store interface {
	// Record writes r. Writing the same SessionID twice overwrites the
	// earlier record.
	Record(ctx context.Context, r CallRecord) error

	// Get returns the record for sessionID, or [ErrNotFound].
	Get(ctx context.Context, sessionID string) (CallRecord, error)

	// Recent returns up to limit records ordered newest first. A limit of 0
	// applies the implementation's default.
	Recent(ctx context.Context, limit int) ([]CallRecord, error)
}
