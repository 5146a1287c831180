package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storysmith/storysmith-backend/internal/pkg/logger"
)

// Hub maps each user to their open live connections and fans job-state events
// out to all of them. One user may hold several connections (multiple tabs);
// delivery is fire-and-forget per connection.
type Hub struct {
	mu      sync.RWMutex
	log     *logger.Logger
	clients map[uuid.UUID]map[*Client]bool
}

type Client struct {
	ID       uuid.UUID
	UserID   uuid.UUID
	Outbound chan Event
	done     chan struct{}
}

func NewHub(baseLog *logger.Logger) *Hub {
	return &Hub{
		log:     baseLog.With("component", "SSEHub"),
		clients: make(map[uuid.UUID]map[*Client]bool),
	}
}

// Connect registers a new connection for the user and immediately queues the
// connected ack so the client knows the stream is live.
func (h *Hub) Connect(userID uuid.UUID) *Client {
	client := &Client{
		ID:       uuid.New(),
		UserID:   userID,
		Outbound: make(chan Event, 16),
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	set, ok := h.clients[userID]
	if !ok {
		set = make(map[*Client]bool)
		h.clients[userID] = set
	}
	set[client] = true
	h.mu.Unlock()

	client.Outbound <- Event{Type: EventConnected}
	h.log.Debug("SSE client connected", "client_id", client.ID, "user_id", userID)
	return client
}

// Disconnect removes the connection and stops its serving loop. Safe to call
// more than once for the same client.
func (h *Hub) Disconnect(client *Client) {
	if client == nil {
		return
	}

	h.mu.Lock()
	removed := false
	if set, ok := h.clients[client.UserID]; ok {
		if set[client] {
			delete(set, client)
			removed = true
		}
		if len(set) == 0 {
			delete(h.clients, client.UserID)
		}
	}
	h.mu.Unlock()

	if removed {
		close(client.done)
		h.log.Debug("SSE client disconnected", "client_id", client.ID, "user_id", client.UserID)
	}
}

// Broadcast delivers the event to every open connection for the user. A slow
// connection whose buffer is full has the event dropped rather than blocking
// delivery to the user's other connections.
func (h *Hub) Broadcast(userID uuid.UUID, event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	set, ok := h.clients[userID]
	if !ok {
		return
	}
	for client := range set {
		select {
		case client.Outbound <- event:
		default:
			h.log.Warn("Dropping SSE event; outbound buffer full",
				"client_id", client.ID,
				"user_id", userID,
				"event", event.Type,
			)
		}
	}
}

// ConnectionCount reports open connections for the user.
func (h *Hub) ConnectionCount(userID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// ServeHTTP runs the write loop for one connection until the request context
// ends or the client is disconnected. A failed write tears the connection down.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request, client *Client) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	defer h.Disconnect(client)

	ctx := r.Context()
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-client.done:
			return
		case <-heartbeat.C:
			if err := writeEvent(w, Event{Type: EventHeartbeat}); err != nil {
				h.log.Debug("SSE heartbeat write failed", "client_id", client.ID, "error", err.Error())
				return
			}
			flusher.Flush()
		case event := <-client.Outbound:
			if err := writeEvent(w, event); err != nil {
				h.log.Debug("SSE event write failed", "client_id", client.ID, "error", err.Error())
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, raw); err != nil {
		return err
	}
	return nil
}
