package pipe

import (
	"context"
	stderrors "errors"
	"sync/atomic"
)

// ErrHandoffUsed is returned when a Handoff is given or taken twice.
var ErrHandoffUsed = stderrors.New("pipe: handoff already used")

// Handoff is a single-use rendezvous: one value, given once, taken once.
type Handoff[T any] struct {
	ch    chan T
	given atomic.Bool
	taken atomic.Bool
}

// NewHandoff creates an empty handoff
func NewHandoff[T any]() *Handoff[T] {
	return &Handoff[T]{ch: make(chan T, 1)}
}

// Give stores v. It never blocks.
func (h *Handoff[T]) Give(v T) error {
	if !h.given.CompareAndSwap(false, true) {
		return ErrHandoffUsed
	}
	h.ch <- v
	return nil
}

// Take waits for the value.
func (h *Handoff[T]) Take(ctx context.Context) (T, error) {
	var zero T
	if !h.taken.CompareAndSwap(false, true) {
		return zero, ErrHandoffUsed
	}

	select {
	case v := <-h.ch:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
