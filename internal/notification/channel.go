// Package notification defines the optional transport that announces newly
// scheduled work and lifecycle state to peer workers, collapsing polling
// latency to near zero. Implementations range from the in-process loopback
// here to Postgres LISTEN/NOTIFY.
package notification

import (
	"context"
	"errors"
	"time"
)

var ErrNotConnected = errors.New("notification channel not connected")

type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// JobNotification announces that a job was scheduled or rescheduled.
type JobNotification struct {
	JobID     string     `json:"jobId"`
	JobName   string     `json:"jobName"`
	NextRunAt *time.Time `json:"nextRunAt"`
	Priority  int        `json:"priority"`
	Timestamp time.Time  `json:"timestamp"`
	Source    string     `json:"source,omitempty"`
}

type StateType string

const (
	StateStart    StateType = "start"
	StateProgress StateType = "progress"
	StateSuccess  StateType = "success"
	StateFail     StateType = "fail"
	StateComplete StateType = "complete"
	StateRetry    StateType = "retry"
)

// JobStateNotification re-emits a lifecycle event for cross-process
// observers.
type JobStateNotification struct {
	Type      StateType `json:"type"`
	JobID     string    `json:"jobId"`
	JobName   string    `json:"jobName"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`

	Progress   *float64   `json:"progress,omitempty"`
	Error      string     `json:"error,omitempty"`
	Attempt    int        `json:"attempt,omitempty"`
	RetryDelay *int64     `json:"retryDelayMs,omitempty"`
	NextRunAt  *time.Time `json:"nextRunAt,omitempty"`
}

// Channel is the transport contract. Publish must fail with ErrNotConnected
// while the channel is not connected. Notifications timestamped before the
// channel connected are dropped, never delivered to subscribers.
type Channel interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	State() ConnState

	Publish(ctx context.Context, n JobNotification) error
	Subscribe(fn func(JobNotification)) (unsubscribe func(), err error)

	PublishState(ctx context.Context, n JobStateNotification) error
	SubscribeState(fn func(JobStateNotification)) (unsubscribe func(), err error)
}
