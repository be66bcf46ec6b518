package pipe

import "sync/atomic"

// Ordered tags a value with its position in a stream that is split across
// several pipes, so the receiver can restore the sender's order.
type Ordered[T any] struct {
	Seq   uint64
	Value T
}

// Sequencer hands out consecutive sequence numbers starting at zero. Values
// must be sent in the order their numbers were taken.
type Sequencer struct {
	next atomic.Uint64
}

// Next returns the next sequence number
func (s *Sequencer) Next() uint64 {
	return s.next.Add(1) - 1
}

// Tag wraps v with the next sequence number from s.
func Tag[T any](s *Sequencer, v T) Ordered[T] {
	return Ordered[T]{Seq: s.Next(), Value: v}
}
