package bus

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"
)

// ErrBusUnavailable is returned for operations attempted before Start or
// after Stop.
var ErrBusUnavailable = errors.New("coordination bus is not running")

// Bus is the Postgres-backed coordination layer: durable pub/sub over
// LISTEN/NOTIFY with an event log, plus the durable task queue. All
// coordinator/agent traffic and the scheduler's backlog go through it, so a
// restart loses neither queued tasks nor event history.
type Bus struct {
	publisher *Publisher
	listener  *NotifyListener
	router    *Router
	queue     *DurableQueue
	events    *EventLog
	started   bool
}

// New wires a Bus over the shared pool plus a dedicated LISTEN connection
// string.
func New(db *sql.DB, connString string) *Bus {
	router := NewRouter()
	events := NewEventLog(db)
	router.SetRefetch(events.GetEvent)
	return &Bus{
		publisher: NewPublisher(db),
		listener:  NewNotifyListener(connString, router),
		router:    router,
		queue:     NewDurableQueue(db),
		events:    events,
	}
}

// Start opens the LISTEN connection and begins dispatching notifications.
func (b *Bus) Start(ctx context.Context) error {
	if err := b.listener.Start(ctx); err != nil {
		return err
	}
	b.started = true
	return nil
}

// Stop tears the bus down: stop receiving first, then drain the per-channel
// workers so in-flight handlers finish.
func (b *Bus) Stop(ctx context.Context) {
	b.started = false
	b.listener.Stop(ctx)
	b.router.Close()
	slog.Info("Coordination bus stopped")
}

// SetOnReconnect registers a hook fired after the LISTEN connection is
// re-established. Call before Start.
func (b *Bus) SetOnReconnect(fn func()) {
	b.listener.SetOnReconnect(fn)
}

// Publish persists a message to the event log and notifies the channel in
// one transaction.
func (b *Bus) Publish(ctx context.Context, channel string, message any) error {
	return b.publisher.Publish(ctx, channel, message)
}

// PublishTransient notifies without persisting, for high-volume streams like
// tool-call progress where loss on disconnect is acceptable.
func (b *Bus) PublishTransient(ctx context.Context, channel string, message any) error {
	return b.publisher.PublishTransient(ctx, channel, message)
}

// Subscribe registers a handler and LISTENs the channel.
func (b *Bus) Subscribe(ctx context.Context, channel string, h Handler) error {
	if !b.started {
		return ErrBusUnavailable
	}
	b.router.Register(channel, h)
	return b.listener.Subscribe(ctx, channel)
}

// Unsubscribe UNLISTENs a channel and drops its handlers.
func (b *Bus) Unsubscribe(ctx context.Context, channel string) error {
	if !b.started {
		return ErrBusUnavailable
	}
	if err := b.listener.Unsubscribe(ctx, channel); err != nil {
		return err
	}
	b.router.Deregister(channel)
	return nil
}

// Enqueue adds a task to the durable queue with its priority score.
func (b *Bus) Enqueue(ctx context.Context, taskID string, score int) error {
	return b.queue.Enqueue(ctx, taskID, score)
}

// Dequeue claims the highest-priority queued task.
func (b *Bus) Dequeue(ctx context.Context) (string, error) {
	return b.queue.Dequeue(ctx)
}

// RemoveQueued deletes a task from the queue, reporting whether it was there.
func (b *Bus) RemoveQueued(ctx context.Context, taskID string) (bool, error) {
	return b.queue.Remove(ctx, taskID)
}

// QueueLength reports how many tasks are waiting.
func (b *Bus) QueueLength(ctx context.Context) (int, error) {
	return b.queue.Length(ctx)
}

// QueuePosition reports a task's place in dequeue order, 0 if not queued.
func (b *Bus) QueuePosition(ctx context.Context, taskID string) (int, error) {
	return b.queue.Position(ctx, taskID)
}

// EventsSince returns persisted events on a channel after lastEventID, for
// catch-up.
func (b *Bus) EventsSince(ctx context.Context, channel string, lastEventID int64, limit int) ([]Event, error) {
	return b.events.GetEventsSince(ctx, channel, lastEventID, limit)
}

// PruneEvents deletes event-log rows older than the retention window.
func (b *Bus) PruneEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	return b.events.Prune(ctx, olderThan)
}
