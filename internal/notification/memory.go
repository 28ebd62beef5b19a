package notification

import (
	"context"
	"sync"
	"time"

	"github.com/askarbek/pulse/internal/events"
)

const (
	topicJobs  = "jobs"
	topicState = "state"
)

// MemoryChannel is a process-local loopback. Useful for tests and for
// single-process deployments where schedulers in the same binary should wake
// each other without a round-trip to the store.
type MemoryChannel struct {
	mu          sync.Mutex
	state       ConnState
	connectedAt time.Time

	jobs  *events.Emitter[JobNotification]
	stats *events.Emitter[JobStateNotification]
}

func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{
		state: StateDisconnected,
		jobs:  events.New[JobNotification](),
		stats: events.New[JobStateNotification](),
	}
}

func (c *MemoryChannel) Connect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		c.state = StateConnected
		c.connectedAt = time.Now()
	}
	return nil
}

func (c *MemoryChannel) Disconnect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateDisconnected
	return nil
}

func (c *MemoryChannel) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *MemoryChannel) Publish(_ context.Context, n JobNotification) error {
	c.mu.Lock()
	connected := c.state == StateConnected
	startedAt := c.connectedAt
	c.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}
	// Stale notifications are dropped, never re-delivered.
	if n.Timestamp.Before(startedAt) {
		return nil
	}
	c.jobs.Emit(topicJobs, n)
	return nil
}

func (c *MemoryChannel) Subscribe(fn func(JobNotification)) (func(), error) {
	return c.jobs.On(topicJobs, fn), nil
}

func (c *MemoryChannel) PublishState(_ context.Context, n JobStateNotification) error {
	c.mu.Lock()
	connected := c.state == StateConnected
	startedAt := c.connectedAt
	c.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}
	if n.Timestamp.Before(startedAt) {
		return nil
	}
	c.stats.Emit(topicState, n)
	return nil
}

func (c *MemoryChannel) SubscribeState(fn func(JobStateNotification)) (func(), error) {
	return c.stats.On(topicState, fn), nil
}
