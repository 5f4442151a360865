package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voxbridge/voxbridge/pkg/frame"
)

func audioFrame(b byte) frame.Frame {
	return frame.Frame{Kind: frame.KindAudioChunk, Payload: []byte{b}}
}

func markFrame(name string) frame.Frame {
	return frame.Frame{Kind: frame.KindMark, Name: name}
}

func TestGovernorFIFO(t *testing.T) {
	t.Parallel()

	g := NewGovernor(8)
	for i := byte(0); i < 3; i++ {
		if _, err := g.Enqueue(audioFrame(i)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	ctx := context.Background()
	for i := byte(0); i < 3; i++ {
		f, err := g.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if f.Payload[0] != i {
			t.Errorf("frame %d: got payload %d", i, f.Payload[0])
		}
	}
}

func TestGovernorEvictsOldestAudio(t *testing.T) {
	t.Parallel()

	g := NewGovernor(2)
	g.Enqueue(audioFrame(0))
	g.Enqueue(audioFrame(1))

	evicted, err := g.Enqueue(audioFrame(2))
	if err != nil {
		t.Fatalf("Enqueue at capacity: %v", err)
	}
	if evicted == nil {
		t.Fatal("expected an evicted frame")
	}
	if evicted.Payload[0] != 0 {
		t.Errorf("evicted payload = %d, want 0 (oldest)", evicted.Payload[0])
	}

	ctx := context.Background()
	want := []byte{1, 2}
	for _, w := range want {
		f, err := g.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if f.Payload[0] != w {
			t.Errorf("got payload %d, want %d", f.Payload[0], w)
		}
	}
}

func TestGovernorNeverEvictsControl(t *testing.T) {
	t.Parallel()

	g := NewGovernor(2)
	g.Enqueue(markFrame("checkpoint"))
	g.Enqueue(audioFrame(1))

	evicted, err := g.Enqueue(audioFrame(2))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if evicted == nil || evicted.Kind != frame.KindAudioChunk {
		t.Fatalf("evicted = %+v, want the queued audio chunk", evicted)
	}

	ctx := context.Background()
	f, err := g.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if f.Kind != frame.KindMark || f.Name != "checkpoint" {
		t.Errorf("head = %+v, want the mark", f)
	}
}

func TestGovernorFullOfControl(t *testing.T) {
	t.Parallel()

	g := NewGovernor(2)
	g.Enqueue(markFrame("a"))
	g.Enqueue(markFrame("b"))

	if _, err := g.Enqueue(audioFrame(0)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue = %v, want ErrQueueFull", err)
	}
	if g.Len() != 2 {
		t.Errorf("Len = %d, want 2 (rejection must not disturb the queue)", g.Len())
	}
}

func TestGovernorDequeueWakesOnEnqueue(t *testing.T) {
	t.Parallel()

	g := NewGovernor(4)
	got := make(chan frame.Frame, 1)
	go func() {
		f, err := g.Dequeue(context.Background())
		if err != nil {
			return
		}
		got <- f
	}()

	time.Sleep(10 * time.Millisecond)
	g.Enqueue(audioFrame(7))

	select {
	case f := <-got:
		if f.Payload[0] != 7 {
			t.Errorf("got payload %d, want 7", f.Payload[0])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Dequeue did not wake after Enqueue")
	}
}

func TestGovernorDequeueHonoursContext(t *testing.T) {
	t.Parallel()

	g := NewGovernor(4)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := g.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Dequeue = %v, want DeadlineExceeded", err)
	}
}

func TestGovernorDrain(t *testing.T) {
	t.Parallel()

	g := NewGovernor(4)
	g.Enqueue(audioFrame(0))
	g.Enqueue(markFrame("m"))

	left := g.Drain()
	if len(left) != 2 {
		t.Fatalf("Drain returned %d frames, want 2", len(left))
	}
	if g.Len() != 0 {
		t.Errorf("Len after Drain = %d, want 0", g.Len())
	}
}

func TestGovernorDefaultCapacity(t *testing.T) {
	t.Parallel()

	g := NewGovernor(0)
	for i := 0; i < defaultQueueCapacity; i++ {
		if _, err := g.Enqueue(markFrame("m")); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	if _, err := g.Enqueue(markFrame("overflow")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue past default capacity = %v, want ErrQueueFull", err)
	}
}
