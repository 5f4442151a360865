// Package mock provides a scripted test double for the peer.Adapter
// interface.
//
// Feed inbound frames with [Adapter.Emit] and finish the stream with
// [Adapter.End]; inspect outbound traffic via [Adapter.SentFrames] and
// lifecycle behaviour via [Adapter.CloseCount].
//
// Example:
//
//	a := mock.New()
//	a.Emit(frame.Frame{Kind: frame.KindAudioChunk, Payload: pcm})
//	a.End(nil)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/voxbridge/voxbridge/pkg/frame"
	"github.com/voxbridge/voxbridge/pkg/peer"
)

// Adapter is a mock implementation of peer.Adapter. Configure the exported
// fields before handing it to the code under test.
type Adapter struct {
	// OpenErr, if non-nil, is returned from Open.
	OpenErr error

	// SendErr, if non-nil, is returned from every Send call.
	SendErr error

	// SendDelay, if positive, is slept before each Send returns. Use it to
	// simulate a slow consumer and force governor eviction.
	SendDelay time.Duration

	mu         sync.Mutex
	state      peer.State
	hook       peer.StateHook
	sent       []frame.Frame
	errVal     error
	closeCount int
	framesCh   chan frame.Frame
	endOnce    sync.Once
}

var _ peer.Adapter = (*Adapter)(nil)

// New creates a mock adapter with a buffered inbound stream.
func New() *Adapter {
	return &Adapter{framesCh: make(chan frame.Frame, 256)}
}

// SetHook registers a lifecycle observer, mirroring the concrete adapters'
// WithStateHook option.
func (a *Adapter) SetHook(h peer.StateHook) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hook = h
}

// Emit queues f on the inbound stream. Panics if called after End.
func (a *Adapter) Emit(f frame.Frame) {
	a.framesCh <- f
}

// End finishes the inbound stream, optionally with a terminal error. Safe to
// call more than once.
func (a *Adapter) End(err error) {
	a.endOnce.Do(func() {
		a.mu.Lock()
		if err != nil && a.errVal == nil {
			a.errVal = err
		}
		a.mu.Unlock()
		close(a.framesCh)
	})
}

// Open records the transition to Open and returns OpenErr.
func (a *Adapter) Open(_ context.Context) error {
	if a.OpenErr != nil {
		return a.OpenErr
	}
	a.transition(peer.StateOpen)
	return nil
}

// Send records f, honouring SendDelay and SendErr. Closed adapters reject
// sends with peer.ErrClosed like the real implementations.
func (a *Adapter) Send(f frame.Frame) error {
	if a.SendDelay > 0 {
		time.Sleep(a.SendDelay)
	}
	a.mu.Lock()
	if a.state >= peer.StateClosing {
		a.mu.Unlock()
		return peer.ErrClosed
	}
	if a.SendErr != nil {
		a.mu.Unlock()
		return a.SendErr
	}
	a.sent = append(a.sent, f)
	a.mu.Unlock()
	return nil
}

// Frames returns the scripted inbound stream.
func (a *Adapter) Frames() <-chan frame.Frame { return a.framesCh }

// Close ends the inbound stream and records the call. Every call increments
// CloseCount, but only the first performs the transition.
func (a *Adapter) Close() error {
	a.mu.Lock()
	a.closeCount++
	a.mu.Unlock()
	a.transition(peer.StateClosing)
	a.transition(peer.StateClosed)
	a.End(nil)
	return nil
}

// State reports the current lifecycle state.
func (a *Adapter) State() peer.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Err returns the configured terminal error.
func (a *Adapter) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.errVal
}

// SentFrames returns a copy of everything passed to Send so far.
func (a *Adapter) SentFrames() []frame.Frame {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]frame.Frame, len(a.sent))
	copy(out, a.sent)
	return out
}

// CloseCount returns how many times Close was called.
func (a *Adapter) CloseCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closeCount
}

// transition advances the state monotonically and fires the hook.
func (a *Adapter) transition(to peer.State) {
	a.mu.Lock()
	if to <= a.state {
		a.mu.Unlock()
		return
	}
	from := a.state
	a.state = to
	hook := a.hook
	a.mu.Unlock()
	if hook != nil {
		hook(from, to)
	}
}
