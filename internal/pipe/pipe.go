// Package pipe provides the typed channels the proxy components use to talk to
// each other: a bounded Pipe with peer-gone detection, a single-use Handoff and
// a lossy Broadcaster for fan-out.
package pipe

import (
	"context"
	stderrors "errors"
	"sync"
)

// ErrClosed is returned when the other end of a pipe has gone away.
var ErrClosed = stderrors.New("pipe: peer closed")

// Pipe is a bounded single-direction queue. Send blocks while the buffer is
// full. Either end can close: a closed receiver makes Send fail, a closed
// sender makes Recv fail once the buffer is drained.
type Pipe[T any] struct {
	ch        chan T
	closeOnce sync.Once
	recvGone  chan struct{}
	recvOnce  sync.Once
}

// New creates a pipe with the given capacity
func New[T any](capacity int) *Pipe[T] {
	return &Pipe[T]{
		ch:       make(chan T, capacity),
		recvGone: make(chan struct{}),
	}
}

// Send enqueues v, blocking while the pipe is full.
func (p *Pipe[T]) Send(ctx context.Context, v T) error {
	select {
	case <-p.recvGone:
		return ErrClosed
	default:
	}

	select {
	case p.ch <- v:
		return nil
	case <-p.recvGone:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv dequeues the next value, blocking while the pipe is empty.
func (p *Pipe[T]) Recv(ctx context.Context) (T, error) {
	select {
	case v, ok := <-p.ch:
		if !ok {
			var zero T
			return zero, ErrClosed
		}
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// C exposes the receive side for use in select statements. A closed channel
// means the sender is gone.
func (p *Pipe[T]) C() <-chan T {
	return p.ch
}

// CloseSender marks the sending side as finished. Only the sending goroutine
// may call it, after its last Send. Repeated calls are no-ops.
func (p *Pipe[T]) CloseSender() {
	p.closeOnce.Do(func() { close(p.ch) })
}

// CloseReceiver marks the receiving side as gone. Pending and future sends fail.
func (p *Pipe[T]) CloseReceiver() {
	p.recvOnce.Do(func() { close(p.recvGone) })
}

// Len returns the number of buffered items.
func (p *Pipe[T]) Len() int {
	return len(p.ch)
}
