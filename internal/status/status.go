// Package status carries component health events from the proxy tasks to the
// supervisor that decides when the process stops.
package status

import (
	"fmt"
	"sync"
)

// State identifies what kind of event a component is reporting.
type State int

const (
	// Healthy is informational; the supervisor logs it and keeps running.
	Healthy State = iota
	// UpstreamShutdown reports an unrecoverable pool-side failure.
	UpstreamShutdown
	// BridgeShutdown reports an unrecoverable translation failure.
	BridgeShutdown
	// DownstreamShutdown reports an unrecoverable listener failure.
	DownstreamShutdown
)

// String returns a stable name for the state
func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case UpstreamShutdown:
		return "upstream_shutdown"
	case BridgeShutdown:
		return "bridge_shutdown"
	case DownstreamShutdown:
		return "downstream_shutdown"
	default:
		return "unknown"
	}
}

// IsShutdown reports whether the state ends the process.
func (s State) IsShutdown() bool {
	return s != Healthy
}

// Status is a single event on the status channel.
type Status struct {
	State     State
	Component string
	Message   string
	Err       error
}

func (s Status) String() string {
	if s.Err != nil {
		return fmt.Sprintf("%s %s: %v", s.Component, s.State, s.Err)
	}
	return fmt.Sprintf("%s %s: %s", s.Component, s.State, s.Message)
}

// Channel is an unbounded multi-producer, single-consumer queue of Status
// events. Sending never blocks so a failing component can always report.
type Channel struct {
	mu     sync.Mutex
	queue  []Status
	notify chan struct{}
}

// NewChannel creates an empty status channel
func NewChannel() *Channel {
	return &Channel{notify: make(chan struct{}, 1)}
}

func (c *Channel) push(s Status) {
	c.mu.Lock()
	c.queue = append(c.queue, s)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// TryRecv pops the oldest event, if any.
func (c *Channel) TryRecv() (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) == 0 {
		return Status{}, false
	}
	s := c.queue[0]
	c.queue[0] = Status{}
	c.queue = c.queue[1:]
	return s, true
}

// Ready is signalled whenever an event may be available. Consumers must drain
// with TryRecv after every wakeup because signals coalesce.
func (c *Channel) Ready() <-chan struct{} {
	return c.notify
}

// Len returns the number of queued events.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Sender creates a reporting handle for one component.
func (c *Channel) Sender(component string, shutdown State) *Sender {
	return &Sender{ch: c, component: component, shutdown: shutdown}
}

// Sender reports events for a single component. After the first shutdown it
// goes silent, so each component emits at most one shutdown and no Healthy
// events after it.
type Sender struct {
	ch        *Channel
	component string
	shutdown  State

	mu   sync.Mutex
	done bool
}

// Component returns the component name
func (s *Sender) Component() string {
	return s.component
}

// Healthy reports an informational message. Returns false if the sender has
// already reported a shutdown.
func (s *Sender) Healthy(message string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return false
	}
	s.ch.push(Status{State: Healthy, Component: s.component, Message: message})
	return true
}

// Shutdown reports the component's terminal failure. Only the first call
// delivers an event.
func (s *Sender) Shutdown(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return false
	}
	s.done = true
	s.ch.push(Status{State: s.shutdown, Component: s.component, Err: err})
	return true
}

// Done reports whether a shutdown has been sent.
func (s *Sender) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}
