// Package realtime fans job status updates out to connected SSE clients.
package realtime

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// eventBufferSize is the per-client channel buffer. Events are dropped when full.
const eventBufferSize = 256

// Event is one job status update delivered to stream subscribers.
type Event struct {
	Event  string `json:"event"` // always "job_update"
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Log    any    `json:"log,omitempty"`
}

// Hub manages SSE client connections and fans out job updates.
// It is safe for concurrent use.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	nextID  atomic.Uint64
	logger  *slog.Logger
}

// Client represents a connected SSE subscriber watching one job.
type Client struct {
	ID     string
	jobID  string
	events chan *Event
}

// Events returns a read-only channel of job updates for this client.
func (c *Client) Events() <-chan *Event {
	return c.events
}

// NewHub creates a new status update hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		logger:  logger,
	}
}

// Subscribe creates a new client watching the given job and registers it.
func (h *Hub) Subscribe(jobID string) *Client {
	id := fmt.Sprintf("c%d", h.nextID.Add(1))
	client := &Client{
		ID:     id,
		jobID:  jobID,
		events: make(chan *Event, eventBufferSize),
	}

	h.mu.Lock()
	h.clients[id] = client
	h.mu.Unlock()

	h.logger.Debug("client subscribed", "id", id, "job_id", jobID)
	return client
}

// Unsubscribe removes a client and closes its event channel.
func (h *Hub) Unsubscribe(clientID string) {
	h.mu.Lock()
	client, ok := h.clients[clientID]
	if ok {
		delete(h.clients, clientID)
		close(client.events)
	}
	h.mu.Unlock()

	if ok {
		h.logger.Debug("client unsubscribed", "id", clientID)
	}
}

// Publish sends an event to all clients watching the event's job.
// Sends are non-blocking; events are dropped for clients with full buffers
// so publishing never stalls job execution.
func (h *Hub) Publish(event *Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		if client.jobID != event.JobID {
			continue
		}
		select {
		case client.events <- event:
		default:
			h.logger.Warn("client buffer full, dropping event",
				"client_id", client.ID, "job_id", event.JobID)
		}
	}
}

// Close disconnects all clients and clears the hub.
// Safe to call multiple times.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, client := range h.clients {
		close(client.events)
		delete(h.clients, id)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
