package pipe

import (
	"sync"
)

// Broadcaster fans values out to every current subscriber. Publishing never
// blocks: a subscriber whose queue is full loses its oldest queued value.
// Subscribers only see values published after they subscribed.
type Broadcaster[T any] struct {
	mu       sync.Mutex
	capacity int
	subs     map[*Subscription[T]]struct{}
	closed   bool
}

// NewBroadcaster creates a broadcaster with a per-subscriber queue of capacity
func NewBroadcaster[T any](capacity int) *Broadcaster[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Broadcaster[T]{
		capacity: capacity,
		subs:     make(map[*Subscription[T]]struct{}),
	}
}

// Subscription is one receiver of a Broadcaster.
type Subscription[T any] struct {
	b       *Broadcaster[T]
	ch      chan T
	mu      sync.Mutex
	dropped uint64
	closed  bool
}

// Subscribe registers a new receiver. If the broadcaster is closed the
// subscription's channel is already closed.
func (b *Broadcaster[T]) Subscribe() *Subscription[T] {
	s := &Subscription[T]{b: b, ch: make(chan T, b.capacity)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closed = true
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish delivers v to every subscriber and returns how many received it.
func (b *Broadcaster[T]) Publish(v T) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for s := range b.subs {
		s.deliver(v)
		n++
	}
	return n
}

// Close closes every subscription and rejects future subscribers.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.close()
		delete(b.subs, s)
	}
}

func (s *Subscription[T]) deliver(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- v:
			return
		default:
		}
		// full: drop the oldest and try again
		select {
		case <-s.ch:
			s.dropped++
		default:
		}
	}
}

func (s *Subscription[T]) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// C returns the receive channel. It is closed on Unsubscribe or when the
// broadcaster closes.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Dropped returns how many values were discarded because the receiver lagged.
func (s *Subscription[T]) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Unsubscribe removes the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription[T]) Unsubscribe() {
	s.b.mu.Lock()
	delete(s.b.subs, s)
	s.b.mu.Unlock()

	s.close()
}
