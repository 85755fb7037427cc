package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/forgeworks/foreman/pkg/bus"
)

// wsRequest is an inbound client frame.
type wsRequest struct {
	Action  string `json:"action"` // subscribe | unsubscribe | ping
	Channel string `json:"channel,omitempty"`
	// LastEventID requests catch-up from the event log on subscribe.
	LastEventID int64 `json:"lastEventId,omitempty"`
}

// wsEvent is an outbound frame wrapping one bus event.
type wsEvent struct {
	Type    string          `json:"type"` // event | catchup | pong | error
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// wsClient is one operator connection.
type wsClient struct {
	conn     *websocket.Conn
	send     chan wsEvent
	channels map[string]bool
	mu       sync.Mutex
}

func (c *wsClient) subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[channel]
}

// Hub fans bus events out to operator websocket clients. It lazily LISTENs
// each requested channel once and multiplexes to every subscribed client.
type Hub struct {
	bus     *bus.Bus
	mu      sync.Mutex
	clients map[*wsClient]bool
	// busChannels tracks channels the hub itself has subscribed on the bus.
	busChannels map[string]bool
	closed      bool
}

func NewHub(b *bus.Bus) *Hub {
	return &Hub{
		bus:         b,
		clients:     make(map[*wsClient]bool),
		busChannels: make(map[string]bool),
	}
}

// HandleWebSocket upgrades the request and serves the client until it
// disconnects.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("Websocket accept failed", "error", err)
		return
	}

	client := &wsClient{
		conn:     conn,
		send:     make(chan wsEvent, 64),
		channels: make(map[string]bool),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	h.clients[client] = true
	h.mu.Unlock()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	go h.writeLoop(ctx, client)
	h.readLoop(ctx, client)

	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	close(client.send)
	conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) readLoop(ctx context.Context, client *wsClient) {
	for {
		_, data, err := client.conn.Read(ctx)
		if err != nil {
			return
		}

		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			client.trySend(wsEvent{Type: "error", Error: "malformed request"})
			continue
		}

		switch req.Action {
		case "subscribe":
			h.subscribe(ctx, client, req)
		case "unsubscribe":
			client.mu.Lock()
			delete(client.channels, req.Channel)
			client.mu.Unlock()
		case "ping":
			client.trySend(wsEvent{Type: "pong"})
		default:
			client.trySend(wsEvent{Type: "error", Error: "unknown action " + req.Action})
		}
	}
}

func (h *Hub) subscribe(ctx context.Context, client *wsClient, req wsRequest) {
	if req.Channel == "" {
		client.trySend(wsEvent{Type: "error", Error: "channel required"})
		return
	}

	client.mu.Lock()
	client.channels[req.Channel] = true
	client.mu.Unlock()

	if err := h.ensureBusSubscription(ctx, req.Channel); err != nil {
		client.trySend(wsEvent{Type: "error", Error: "subscription failed"})
		return
	}

	// Catch-up: replay persisted events the client missed before the live
	// stream takes over.
	if req.LastEventID > 0 {
		events, err := h.bus.EventsSince(ctx, req.Channel, req.LastEventID, 200)
		if err != nil {
			slog.Warn("Catch-up query failed", "channel", req.Channel, "error", err)
			return
		}
		for _, ev := range events {
			client.trySend(wsEvent{Type: "catchup", Channel: ev.Channel, Payload: ev.Payload})
		}
	}
}

// ensureBusSubscription LISTENs a channel once for the whole hub.
func (h *Hub) ensureBusSubscription(ctx context.Context, channel string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.busChannels[channel] {
		return nil
	}

	err := h.bus.Subscribe(ctx, channel, func(ch string, payload []byte) {
		h.broadcast(ch, payload)
	})
	if err != nil {
		return err
	}
	h.busChannels[channel] = true
	return nil
}

func (h *Hub) broadcast(channel string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if client.subscribed(channel) {
			client.trySend(wsEvent{Type: "event", Channel: channel, Payload: payload})
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, client *wsClient) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-client.send:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err = client.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// trySend drops the frame if the client's buffer is full; slow operators do
// not stall the hub.
func (c *wsClient) trySend(ev wsEvent) {
	defer func() {
		// Send on a channel closed by the connection teardown.
		_ = recover()
	}()
	select {
	case c.send <- ev:
	default:
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}
