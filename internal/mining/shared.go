package mining

import (
	"context"
	"sync"
)

// SharedTarget is the live upstream channel target. The upstream client is
// the only writer; the bridge and downstream sessions read it.
type SharedTarget struct {
	mu          sync.RWMutex
	target      Target
	initialized chan struct{}
	once        sync.Once
}

// NewSharedTarget creates an uninitialized holder
func NewSharedTarget() *SharedTarget {
	return &SharedTarget{initialized: make(chan struct{})}
}

// Load returns the most recently stored target.
func (s *SharedTarget) Load() Target {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.target
}

// Store replaces the target. Storing a non-zero target the first time fires
// Initialized.
func (s *SharedTarget) Store(t Target) {
	s.mu.Lock()
	s.target = t
	s.mu.Unlock()

	if !t.IsZero() {
		s.once.Do(func() { close(s.initialized) })
	}
}

// Initialized is closed once a non-zero target has been stored.
func (s *SharedTarget) Initialized() <-chan struct{} {
	return s.initialized
}

// Wait blocks until the target is initialized and returns it.
func (s *SharedTarget) Wait(ctx context.Context) (Target, error) {
	select {
	case <-s.initialized:
		return s.Load(), nil
	case <-ctx.Done():
		return Target{}, ctx.Err()
	}
}

// HashrateBook aggregates the estimated hashrate of every live downstream
// session. The upstream client reports the total to the pool.
type HashrateBook struct {
	mu       sync.Mutex
	sessions map[uint64]float64
	floor    float64
}

// NewHashrateBook creates a book. floor is reported while no session has
// contributed yet.
func NewHashrateBook(floor float64) *HashrateBook {
	return &HashrateBook{sessions: make(map[uint64]float64), floor: floor}
}

// Set records the estimate for one session.
func (b *HashrateBook) Set(sessionID uint64, hashrate float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[sessionID] = hashrate
}

// Remove drops a closed session.
func (b *HashrateBook) Remove(sessionID uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, sessionID)
}

// Total returns the sum of all estimates, or the floor when there are none.
func (b *HashrateBook) Total() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.sessions) == 0 {
		return b.floor
	}
	var sum float64
	for _, h := range b.sessions {
		sum += h
	}
	return sum
}

// Sessions returns the number of contributing sessions.
func (b *HashrateBook) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}
