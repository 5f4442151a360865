// Package peer defines the stream-adapter abstraction shared by both ends of
// the bridge. An Adapter wraps one physical WebSocket connection and exposes
// a uniform surface (open, send, a finite stream of decoded frames, close)
// plus a monotonic lifecycle state machine.
//
// There are exactly two concrete implementations: the telephony adapter
// (server side of an accepted media-stream connection) and the AI adapter
// (client side of a realtime session). Both are compositions of this
// package's Lifecycle with a private transport handle; there is no
// inheritance hierarchy to extend.
//
// All implementations must guarantee:
//
//   - Frames() yields decoded frames in receive order and is closed when the
//     socket closes or errors; the stream is finite and not restartable.
//   - Close is idempotent and promptly unblocks a blocked read.
//   - At most one goroutine calls Send at a time (enforced by the caller;
//     the bridge drains each direction with a single consumer).
package peer

import (
	"context"
	"errors"
	"sync"

	"github.com/voxbridge/voxbridge/pkg/frame"
)

// ErrClosed is returned by Send and Open when the adapter has already
// reached [StateClosed].
var ErrClosed = errors.New("peer: adapter is closed")

// ErrOversized is the terminal error of an adapter whose peer sent a single
// message larger than the configured inbound limit. The adapter closes
// rather than buffer unbounded data.
var ErrOversized = errors.New("peer: inbound message exceeds size limit")

// State is the lifecycle state of an adapter. Transitions are monotonic:
// a state never moves backwards and [StateClosed] is terminal.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StateHook observes lifecycle transitions. It is called synchronously from
// whichever goroutine performed the transition and must not block.
type StateHook func(from, to State)

// ErrorHook observes recoverable per-message failures (a frame that failed
// to decode and was dropped). Terminal failures surface via Err instead.
type ErrorHook func(err error)

// Adapter is the uniform capability set of one bridged peer connection.
type Adapter interface {
	// Open completes connection establishment (dial or handshake) and starts
	// the receive loop. It must be called exactly once.
	Open(ctx context.Context) error

	// Send encodes f and writes it to the socket. It fails with ErrClosed
	// after the adapter closes and with a transport error when the write
	// fails; either way a Send failure is terminal for the adapter.
	Send(f frame.Frame) error

	// Frames returns the stream of decoded inbound frames. The channel is
	// closed when the socket closes or errors; check Err afterwards.
	Frames() <-chan frame.Frame

	// Close transitions the adapter to Closed and releases the socket.
	// It is idempotent: closing a closed adapter is a no-op, never an error.
	Close() error

	// State reports the current lifecycle state.
	State() State

	// Err returns the terminal error after Frames closes, or nil when the
	// stream ended with an orderly close.
	Err() error
}

// Lifecycle is the monotonic state machine embedded by both concrete
// adapters. The zero value starts in [StateConnecting]. Safe for concurrent
// use.
type Lifecycle struct {
	mu    sync.Mutex
	state State
	hook  StateHook
}

// SetHook registers the transition observer. Must be called before the
// adapter is opened.
func (l *Lifecycle) SetHook(h StateHook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hook = h
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Advance moves the state forward to s and reports whether the transition
// was performed. Requests that would move backwards or restate the current
// state are refused, which is what makes Close idempotent: the second call
// finds the machine already at Closed and does nothing.
func (l *Lifecycle) Advance(s State) bool {
	l.mu.Lock()
	if s <= l.state {
		l.mu.Unlock()
		return false
	}
	from := l.state
	l.state = s
	hook := l.hook
	l.mu.Unlock()

	if hook != nil {
		hook(from, s)
	}
	return true
}
