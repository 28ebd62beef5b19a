package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/askarbek/pulse/internal/events"
	"github.com/askarbek/pulse/internal/notification"
)

const (
	jobsChannel  = "pulse_jobs"
	stateChannel = "pulse_job_state"

	reconnectDelay = 5 * time.Second
)

// Notifier is a notification channel over Postgres LISTEN/NOTIFY: saves call
// pg_notify and every subscribed worker wakes without waiting for its poll
// tick. A dedicated connection blocks in WaitForNotification; publishes go
// through the shared pool.
type Notifier struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	jobs  *events.Emitter[notification.JobNotification]
	state *events.Emitter[notification.JobStateNotification]

	mu        sync.Mutex
	connState notification.ConnState
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewNotifier(pool *pgxpool.Pool, logger *slog.Logger) *Notifier {
	return &Notifier{
		pool:      pool,
		logger:    logger.With("component", "notifier"),
		jobs:      events.New[notification.JobNotification](),
		state:     events.New[notification.JobStateNotification](),
		connState: notification.StateDisconnected,
	}
}

func (n *Notifier) State() notification.ConnState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connState
}

func (n *Notifier) setState(s notification.ConnState) {
	n.mu.Lock()
	n.connState = s
	n.mu.Unlock()
}

func (n *Notifier) Connect(ctx context.Context) error {
	n.mu.Lock()
	if n.connState != notification.StateDisconnected {
		n.mu.Unlock()
		return nil
	}
	n.connState = notification.StateConnecting
	n.startedAt = time.Now()
	listenCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	n.cancel = cancel
	n.done = make(chan struct{})
	n.mu.Unlock()

	conn, err := n.listen(ctx)
	if err != nil {
		cancel()
		n.mu.Lock()
		n.cancel = nil
		n.done = nil
		n.connState = notification.StateDisconnected
		n.mu.Unlock()
		return err
	}

	n.setState(notification.StateConnected)
	go n.listenLoop(listenCtx, conn)
	return nil
}

func (n *Notifier) Disconnect(_ context.Context) error {
	n.mu.Lock()
	cancel, done := n.cancel, n.done
	n.cancel = nil
	n.connState = notification.StateDisconnected
	n.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

// listen takes a dedicated connection from the pool and subscribes it.
func (n *Notifier) listen(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := n.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	for _, channel := range []string{jobsChannel, stateChannel} {
		if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
			conn.Release()
			return nil, fmt.Errorf("listen %s: %w", channel, err)
		}
	}
	return conn, nil
}

func (n *Notifier) listenLoop(ctx context.Context, conn *pgxpool.Conn) {
	defer close(n.done)
	defer func() {
		if conn != nil {
			conn.Release()
		}
	}()

	for {
		note, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			n.logger.Warn("notification listener lost connection", "error", err)
			n.setState(notification.StateConnecting)
			conn.Release()
			conn = nil
			for conn == nil {
				select {
				case <-ctx.Done():
					return
				case <-time.After(reconnectDelay):
				}
				c, err := n.listen(ctx)
				if err != nil {
					n.logger.Warn("notification listener reconnect failed", "error", err)
					continue
				}
				conn = c
			}
			n.setState(notification.StateConnected)
			continue
		}
		n.dispatch(note.Channel, []byte(note.Payload))
	}
}

func (n *Notifier) dispatch(channel string, payload []byte) {
	n.mu.Lock()
	startedAt := n.startedAt
	n.mu.Unlock()

	switch channel {
	case jobsChannel:
		var jn notification.JobNotification
		if err := json.Unmarshal(payload, &jn); err != nil {
			n.logger.Warn("malformed job notification", "error", err)
			return
		}
		// Notifications predating this subscriber are dropped.
		if jn.Timestamp.Before(startedAt) {
			return
		}
		n.jobs.Emit(jobsChannel, jn)
	case stateChannel:
		var sn notification.JobStateNotification
		if err := json.Unmarshal(payload, &sn); err != nil {
			n.logger.Warn("malformed state notification", "error", err)
			return
		}
		if sn.Timestamp.Before(startedAt) {
			return
		}
		n.state.Emit(stateChannel, sn)
	}
}

func (n *Notifier) Publish(ctx context.Context, jn notification.JobNotification) error {
	if n.State() != notification.StateConnected {
		return notification.ErrNotConnected
	}
	payload, err := json.Marshal(jn)
	if err != nil {
		return fmt.Errorf("marshal job notification: %w", err)
	}
	if _, err := n.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, jobsChannel, string(payload)); err != nil {
		return fmt.Errorf("notify %s: %w", jobsChannel, err)
	}
	return nil
}

func (n *Notifier) Subscribe(fn func(notification.JobNotification)) (func(), error) {
	return n.jobs.On(jobsChannel, fn), nil
}

func (n *Notifier) PublishState(ctx context.Context, sn notification.JobStateNotification) error {
	if n.State() != notification.StateConnected {
		return notification.ErrNotConnected
	}
	payload, err := json.Marshal(sn)
	if err != nil {
		return fmt.Errorf("marshal state notification: %w", err)
	}
	if _, err := n.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, stateChannel, string(payload)); err != nil {
		return fmt.Errorf("notify %s: %w", stateChannel, err)
	}
	return nil
}

func (n *Notifier) SubscribeState(fn func(notification.JobStateNotification)) (func(), error) {
	return n.state.On(stateChannel, fn), nil
}
