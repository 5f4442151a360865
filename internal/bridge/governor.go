package bridge

import (
	"context"
	"errors"
	"sync"

	"github.com/voxbridge/voxbridge/pkg/frame"
)

// ErrQueueFull is returned by [Governor.Enqueue] when the queue is at
// capacity and holds nothing evictable. That only happens when every queued
// frame is control traffic, and losing control traffic would corrupt the
// protocol, so the caller must terminate the session instead.
var ErrQueueFull = errors.New("bridge: queue full of control frames")

// Governor is the bounded per-direction frame queue that decouples a fast
// producer from a slow consumer.
//
// When the queue is full, the oldest AudioChunk is evicted to admit the new
// frame: for live audio, freshness beats completeness, and the stalest chunk
// is the least valuable one. Control frames are never evicted. Draining is
// strictly FIFO among the frames that survive.
//
// Safe for concurrent use; the bridge runs one producer and one consumer
// per instance.
type Governor struct {
	mu    sync.Mutex
	queue []frame.Frame
	cap   int

	// notify wakes the consumer after an enqueue. Capacity one: the
	// consumer re-checks queue length in a loop, so a coalesced signal is
	// enough.
	notify chan struct{}
}

// defaultQueueCapacity matches the per-client message-queue limit used by
// the transport layer.
const defaultQueueCapacity = 32

// NewGovernor creates a queue bounded at capacity frames. Non-positive
// capacities fall back to the default.
func NewGovernor(capacity int) *Governor {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &Governor{
		queue:  make([]frame.Frame, 0, capacity),
		cap:    capacity,
		notify: make(chan struct{}, 1),
	}
}

// Enqueue admits f, evicting the oldest AudioChunk if the queue is full.
// The evicted frame (if any) is returned so the caller can account for the
// drop. When the queue is full of control frames, f is rejected with
// [ErrQueueFull] and nothing is evicted.
func (g *Governor) Enqueue(f frame.Frame) (evicted *frame.Frame, err error) {
	g.mu.Lock()
	defer func() {
		g.mu.Unlock()
		if err == nil {
			select {
			case g.notify <- struct{}{}:
			default:
			}
		}
	}()

	if len(g.queue) < g.cap {
		g.queue = append(g.queue, f)
		return nil, nil
	}

	// Full: scan from the head for the stalest evictable frame.
	for i := range g.queue {
		if g.queue[i].Kind == frame.KindAudioChunk {
			old := g.queue[i]
			g.queue = append(g.queue[:i], g.queue[i+1:]...)
			g.queue = append(g.queue, f)
			return &old, nil
		}
	}

	return nil, ErrQueueFull
}

// Dequeue removes and returns the head frame, blocking until one is
// available or ctx is done.
func (g *Governor) Dequeue(ctx context.Context) (frame.Frame, error) {
	for {
		g.mu.Lock()
		if len(g.queue) > 0 {
			f := g.queue[0]
			g.queue = g.queue[1:]
			g.mu.Unlock()
			return f, nil
		}
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return frame.Frame{}, ctx.Err()
		case <-g.notify:
		}
	}
}

// Drain empties the queue and returns the abandoned frames. Used at
// shutdown so undelivered frames are accounted for.
func (g *Governor) Drain() []frame.Frame {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.queue
	g.queue = nil
	return out
}

// Len returns the current queue depth.
func (g *Governor) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}
