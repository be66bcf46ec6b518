package pipe

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPipe_SendRecv(t *testing.T) {
	p := New[int](2)
	ctx := context.Background()

	for i := range 2 {
		if err := p.Send(ctx, i); err != nil {
			t.Fatalf("Send(%d) error: %v", i, err)
		}
	}
	if p.Len() != 2 {
		t.Errorf("Len() = %d, want 2", p.Len())
	}

	for i := range 2 {
		got, err := p.Recv(ctx)
		if err != nil {
			t.Fatalf("Recv error: %v", err)
		}
		if got != i {
			t.Errorf("Recv() = %d, want %d", got, i)
		}
	}
}

func TestPipe_SendBlocksWhenFull(t *testing.T) {
	p := New[int](1)
	_ = p.Send(context.Background(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := p.Send(ctx, 2); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded on full pipe, got %v", err)
	}
}

func TestPipe_ReceiverGone(t *testing.T) {
	p := New[int](1)
	_ = p.Send(context.Background(), 1)

	done := make(chan error, 1)
	go func() { done <- p.Send(context.Background(), 2) }()

	time.Sleep(10 * time.Millisecond)
	p.CloseReceiver()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Expected ErrClosed for blocked sender, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked Send did not observe closed receiver")
	}

	if err := p.Send(context.Background(), 3); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from Send after close, got %v", err)
	}
	p.CloseReceiver()
}

func TestPipe_SenderGoneDrainsFirst(t *testing.T) {
	p := New[string](2)
	ctx := context.Background()
	_ = p.Send(ctx, "job")
	p.CloseSender()
	p.CloseSender()

	got, err := p.Recv(ctx)
	if err != nil || got != "job" {
		t.Fatalf("Recv() = %q, %v; want buffered value", got, err)
	}
	if _, err := p.Recv(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after drain, got %v", err)
	}
}

func TestHandoff(t *testing.T) {
	h := NewHandoff[[]byte]()
	ctx := context.Background()

	result := make(chan []byte, 1)
	go func() {
		v, err := h.Take(ctx)
		if err != nil {
			t.Errorf("Take error: %v", err)
		}
		result <- v
	}()

	if err := h.Give([]byte{0xaa}); err != nil {
		t.Fatalf("Give error: %v", err)
	}
	if err := h.Give([]byte{0xbb}); !errors.Is(err, ErrHandoffUsed) {
		t.Errorf("Expected ErrHandoffUsed on second Give, got %v", err)
	}

	select {
	case v := <-result:
		if len(v) != 1 || v[0] != 0xaa {
			t.Errorf("Take() = %x, want aa", v)
		}
	case <-time.After(time.Second):
		t.Fatal("Take did not return")
	}

	if _, err := h.Take(ctx); !errors.Is(err, ErrHandoffUsed) {
		t.Errorf("Expected ErrHandoffUsed on second Take, got %v", err)
	}
}

func TestHandoff_TakeCancelled(t *testing.T) {
	h := NewHandoff[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := h.Take(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestBroadcaster_FanOut(t *testing.T) {
	b := NewBroadcaster[int](4)

	early := b.Publish(0)
	if early != 0 {
		t.Errorf("Publish with no subscribers = %d, want 0", early)
	}

	s1 := b.Subscribe()
	s2 := b.Subscribe()

	if n := b.Publish(1); n != 2 {
		t.Errorf("Publish() = %d receivers, want 2", n)
	}

	for i, s := range []*Subscription[int]{s1, s2} {
		select {
		case v := <-s.C():
			if v != 1 {
				t.Errorf("subscriber %d got %d, want 1", i, v)
			}
		default:
			t.Errorf("subscriber %d got nothing", i)
		}
	}
}

func TestBroadcaster_LagDropsOldest(t *testing.T) {
	b := NewBroadcaster[int](2)
	s := b.Subscribe()

	for i := 1; i <= 5; i++ {
		b.Publish(i)
	}

	if s.Dropped() != 3 {
		t.Errorf("Dropped() = %d, want 3", s.Dropped())
	}
	if v := <-s.C(); v != 4 {
		t.Errorf("first value = %d, want 4", v)
	}
	if v := <-s.C(); v != 5 {
		t.Errorf("second value = %d, want 5", v)
	}
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b := NewBroadcaster[int](1)
	s := b.Subscribe()

	s.Unsubscribe()
	s.Unsubscribe()

	if _, ok := <-s.C(); ok {
		t.Error("Expected closed channel after Unsubscribe")
	}
	if n := b.Publish(1); n != 0 {
		t.Errorf("Publish after unsubscribe = %d, want 0", n)
	}
}

func TestBroadcaster_Close(t *testing.T) {
	b := NewBroadcaster[int](1)
	s := b.Subscribe()
	b.Close()

	if _, ok := <-s.C(); ok {
		t.Error("Expected subscription closed by Close")
	}
	late := b.Subscribe()
	if _, ok := <-late.C(); ok {
		t.Error("Expected late subscription to be closed")
	}
	s.Unsubscribe()
}

func TestSequencer_Tag(t *testing.T) {
	var seq Sequencer
	a := Tag(&seq, "job")
	b := Tag(&seq, 42)
	c := Tag(&seq, "prev")

	if a.Seq != 0 || b.Seq != 1 || c.Seq != 2 {
		t.Errorf("sequence = %d, %d, %d, want 0, 1, 2", a.Seq, b.Seq, c.Seq)
	}
	if a.Value != "job" || b.Value != 42 {
		t.Errorf("values not preserved: %+v %+v", a, b)
	}
}
