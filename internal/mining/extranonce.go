package mining

import (
	"container/heap"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"math"
	"sync"
)

// ErrExtranonceExhausted is returned when every session prefix is in use.
var ErrExtranonceExhausted = stderrors.New("extranonce space exhausted")

// ExtendedExtranonce is the extranonce space the pool allocated to the
// channel, split into three ranges:
//
//	range0  pool prefix            len(Prefix)
//	range1  proxy session prefix   SessionLen
//	range2  device extranonce2     Extranonce2Len
type ExtendedExtranonce struct {
	ChannelID      uint32
	Prefix         []byte
	SessionLen     int
	Extranonce2Len int
}

// NewExtendedExtranonce splits the pool allocation. extranonceSize is the
// number of bytes the pool left for the proxy after its prefix.
func NewExtendedExtranonce(channelID uint32, prefix []byte, extranonceSize, minExtranonce2Size int) (ExtendedExtranonce, error) {
	if minExtranonce2Size <= 0 {
		return ExtendedExtranonce{}, fmt.Errorf("min extranonce2 size must be positive, got %d", minExtranonce2Size)
	}
	if extranonceSize < minExtranonce2Size {
		return ExtendedExtranonce{}, fmt.Errorf("pool extranonce size %d is smaller than min extranonce2 size %d",
			extranonceSize, minExtranonce2Size)
	}
	if len(prefix)+extranonceSize > 32 {
		return ExtendedExtranonce{}, fmt.Errorf("extranonce of %d bytes exceeds 32", len(prefix)+extranonceSize)
	}

	p := make([]byte, len(prefix))
	copy(p, prefix)
	return ExtendedExtranonce{
		ChannelID:      channelID,
		Prefix:         p,
		SessionLen:     extranonceSize - minExtranonce2Size,
		Extranonce2Len: minExtranonce2Size,
	}, nil
}

// Len returns the full extranonce length E.
func (e ExtendedExtranonce) Len() int {
	return len(e.Prefix) + e.SessionLen + e.Extranonce2Len
}

// Capacity returns how many distinct session prefixes exist.
func (e ExtendedExtranonce) Capacity() uint64 {
	if e.SessionLen >= 8 {
		return math.MaxUint64
	}
	return uint64(1) << (8 * e.SessionLen)
}

// Assignment is the range1 value held by one downstream session.
type Assignment struct {
	Value uint64
	// Lease distinguishes successive holders of the same Value.
	Lease uint64
	// Session is the range1 bytes, big-endian.
	Session []byte
	// Extranonce1 is range0 followed by range1, as sent in mining.subscribe.
	Extranonce1 []byte
}

// Extranonce1Hex returns the hex form sent to the device.
func (a Assignment) Extranonce1Hex() string {
	return hex.EncodeToString(a.Extranonce1)
}

// Allocator hands out disjoint session prefixes. New values are issued in
// increasing order; released values are reused smallest first. Every
// assignment carries a fresh lease so a reused value is never mistaken for
// its previous holder.
type Allocator struct {
	mu     sync.Mutex
	ext    ExtendedExtranonce
	next   uint64
	leases uint64
	free   valueHeap
	// live maps an assigned value to its current lease.
	live map[uint64]uint64
}

// NewAllocator creates an allocator over ext
func NewAllocator(ext ExtendedExtranonce) *Allocator {
	return &Allocator{
		ext:  ext,
		live: make(map[uint64]uint64),
	}
}

// Extranonce returns the extranonce layout the allocator partitions.
func (a *Allocator) Extranonce() ExtendedExtranonce {
	return a.ext
}

// Assign reserves the smallest available session prefix.
func (a *Allocator) Assign() (Assignment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var v uint64
	switch {
	case a.free.Len() > 0:
		v = heap.Pop(&a.free).(uint64)
	case uint64(len(a.live)) < a.ext.Capacity() && (a.next < a.ext.Capacity() || a.ext.Capacity() == math.MaxUint64):
		v = a.next
		a.next++
	default:
		return Assignment{}, ErrExtranonceExhausted
	}

	a.leases++
	a.live[v] = a.leases
	as := a.assignment(v)
	as.Lease = a.leases
	return as, nil
}

// Release returns a prefix to the free list. Releasing an assignment that is
// no longer held is a no-op.
func (a *Allocator) Release(as Assignment) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if lease, ok := a.live[as.Value]; !ok || lease != as.Lease {
		return
	}
	delete(a.live, as.Value)
	heap.Push(&a.free, as.Value)
}

// Holds reports whether as is still the current assignment of its value.
func (a *Allocator) Holds(as Assignment) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	lease, ok := a.live[as.Value]
	return ok && lease == as.Lease
}

// Live returns the number of assigned prefixes.
func (a *Allocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

func (a *Allocator) assignment(v uint64) Assignment {
	session := make([]byte, a.ext.SessionLen)
	x := v
	for i := len(session) - 1; i >= 0 && x > 0; i-- {
		session[i] = byte(x)
		x >>= 8
	}

	en1 := make([]byte, 0, len(a.ext.Prefix)+len(session))
	en1 = append(en1, a.ext.Prefix...)
	en1 = append(en1, session...)

	return Assignment{Value: v, Session: session, Extranonce1: en1}
}

// valueHeap is a min-heap of released prefix values.
type valueHeap []uint64

func (h valueHeap) Len() int           { return len(h) }
func (h valueHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h valueHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *valueHeap) Push(x any) {
	*h = append(*h, x.(uint64))
}

func (h *valueHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
