package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// Handler processes one decoded notification payload for a channel.
type Handler func(channel string, payload []byte)

const channelQueueDepth = 256

// channelWorker delivers notifications for one channel through a single
// goroutine, preserving per-channel publication order.
type channelWorker struct {
	ch   chan []byte
	done chan struct{}
}

// Router fans notifications out to registered handlers. Each channel gets a
// dedicated serial worker so that, for example, heartbeats from one agent are
// observed in the order they were published; distinct channels proceed in
// parallel.
type Router struct {
	handlers map[string][]Handler
	workers  map[string]*channelWorker
	mu       sync.RWMutex

	// refetch resolves a truncated notification by re-reading the full
	// payload from the event log.
	refetch func(ctx context.Context, eventID int64) ([]byte, error)
}

func NewRouter() *Router {
	return &Router{
		handlers: make(map[string][]Handler),
		workers:  make(map[string]*channelWorker),
	}
}

// SetRefetch installs the event-log lookup used for truncated payloads.
func (r *Router) SetRefetch(fn func(ctx context.Context, eventID int64) ([]byte, error)) {
	r.refetch = fn
}

// Register adds a handler for a channel, starting its worker if needed.
func (r *Router) Register(channel string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[channel] = append(r.handlers[channel], h)
	if _, ok := r.workers[channel]; !ok {
		w := &channelWorker{
			ch:   make(chan []byte, channelQueueDepth),
			done: make(chan struct{}),
		}
		r.workers[channel] = w
		go r.runWorker(channel, w)
	}
}

// Deregister removes all handlers for a channel and stops its worker.
func (r *Router) Deregister(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.handlers, channel)
	if w, ok := r.workers[channel]; ok {
		close(w.ch)
		delete(r.workers, channel)
	}
}

// Broadcast enqueues a notification for its channel worker. Payloads are
// dropped with a warning if the worker's buffer is full; durable channels
// recover through the event log on reconnect.
func (r *Router) Broadcast(channel string, payload []byte) {
	r.mu.RLock()
	w, ok := r.workers[channel]
	r.mu.RUnlock()
	if !ok {
		return
	}

	select {
	case w.ch <- payload:
	default:
		slog.Warn("Channel worker buffer full, dropping notification",
			"channel", channel)
	}
}

func (r *Router) runWorker(channel string, w *channelWorker) {
	defer close(w.done)
	for payload := range w.ch {
		r.deliver(channel, payload)
	}
}

func (r *Router) deliver(channel string, payload []byte) {
	payload = r.resolveTruncated(channel, payload)

	r.mu.RLock()
	handlers := make([]Handler, len(r.handlers[channel]))
	copy(handlers, r.handlers[channel])
	r.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					slog.Error("Handler panic", "channel", channel, "panic", rec)
				}
			}()
			h(channel, payload)
		}()
	}
}

// resolveTruncated replaces a truncation envelope with the full payload from
// the event log.
func (r *Router) resolveTruncated(channel string, payload []byte) []byte {
	var env truncationEnvelope
	if err := json.Unmarshal(payload, &env); err != nil || !env.Truncated {
		return payload
	}
	if r.refetch == nil {
		slog.Error("Truncated notification but no refetch configured",
			"channel", channel, "event_id", env.EventID)
		return payload
	}

	full, err := r.refetch(context.Background(), env.EventID)
	if err != nil {
		slog.Error("Failed to refetch truncated notification",
			"channel", channel, "event_id", env.EventID, "error", err)
		return payload
	}
	return full
}

// Close stops all workers and waits for in-flight deliveries to finish.
func (r *Router) Close() {
	r.mu.Lock()
	workers := r.workers
	r.workers = make(map[string]*channelWorker)
	r.handlers = make(map[string][]Handler)
	r.mu.Unlock()

	for _, w := range workers {
		close(w.ch)
	}
	for _, w := range workers {
		<-w.done
	}
}
