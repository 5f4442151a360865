package bridge

import (
	"sync/atomic"
	"time"
)

// Direction identifies one of the two relay directions.
type Direction int

const (
	// TelephonyToAI carries caller audio towards the model.
	TelephonyToAI Direction = iota

	// AIToTelephony carries synthesised audio back to the caller.
	AIToTelephony
)

// String returns the snake_case name of the direction.
func (d Direction) String() string {
	if d == TelephonyToAI {
		return "telephony_to_ai"
	}
	return "ai_to_telephony"
}

// directionStats accumulates per-direction counters. All fields are atomics;
// the hot path never takes a lock.
type directionStats struct {
	read         atomic.Uint64
	forwarded    atomic.Uint64
	dropped      atomic.Uint64
	filtered     atomic.Uint64
	bytes        atomic.Uint64
	lastActivity atomic.Int64 // unix nanos
}

func (d *directionStats) touch(now time.Time) {
	d.lastActivity.Store(now.UnixNano())
}

// Stats tracks bridge health counters for both directions plus codec
// failures. Safe for concurrent use.
type Stats struct {
	dirs        [2]directionStats
	codecErrors atomic.Uint64
}

// NewStats returns a Stats with both activity clocks set to now, so a bridge
// that never relays a single frame still times out relative to its start.
func NewStats(now time.Time) *Stats {
	s := &Stats{}
	s.dirs[TelephonyToAI].touch(now)
	s.dirs[AIToTelephony].touch(now)
	return s
}

// CountRead records one frame read from the source adapter of dir.
func (s *Stats) CountRead(dir Direction, now time.Time) {
	s.dirs[dir].read.Add(1)
	s.dirs[dir].touch(now)
}

// CountForwarded records one frame delivered to the destination adapter.
func (s *Stats) CountForwarded(dir Direction, size int, now time.Time) {
	s.dirs[dir].forwarded.Add(1)
	s.dirs[dir].bytes.Add(uint64(size))
	s.dirs[dir].touch(now)
}

// CountDropped records one frame lost to eviction, encode failure, or
// shutdown before delivery.
func (s *Stats) CountDropped(dir Direction) {
	s.dirs[dir].dropped.Add(1)
}

// CountFiltered records one control frame consumed by the bridge itself
// instead of being forwarded.
func (s *Stats) CountFiltered(dir Direction) {
	s.dirs[dir].filtered.Add(1)
}

// CountCodecError records one inbound message dropped by a codec.
func (s *Stats) CountCodecError() {
	s.codecErrors.Add(1)
}

// LastActivity returns the most recent activity instant across both
// directions. The watchdog compares this against the inactivity timeout.
func (s *Stats) LastActivity() time.Time {
	a := s.dirs[TelephonyToAI].lastActivity.Load()
	if b := s.dirs[AIToTelephony].lastActivity.Load(); b > a {
		a = b
	}
	return time.Unix(0, a)
}

// DirectionSnapshot is a point-in-time copy of one direction's counters.
type DirectionSnapshot struct {
	Read      uint64
	Forwarded uint64
	Dropped   uint64
	Filtered  uint64
	Bytes     uint64
}

// Snapshot is a point-in-time copy of all counters, suitable for logging
// and the call record.
type Snapshot struct {
	TelephonyToAI DirectionSnapshot
	AIToTelephony DirectionSnapshot
	CodecErrors   uint64
}

// Snapshot copies all counters.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		TelephonyToAI: s.dirs[TelephonyToAI].snapshot(),
		AIToTelephony: s.dirs[AIToTelephony].snapshot(),
		CodecErrors:   s.codecErrors.Load(),
	}
}

func (d *directionStats) snapshot() DirectionSnapshot {
	return DirectionSnapshot{
		Read:      d.read.Load(),
		Forwarded: d.forwarded.Load(),
		Dropped:   d.dropped.Load(),
		Filtered:  d.filtered.Load(),
		Bytes:     d.bytes.Load(),
	}
}
