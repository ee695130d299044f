package web

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dontdude/goxec-engine/internal/domain"
)

// JSONWriter is the write side of a client connection.
type JSONWriter interface {
	WriteJSON(v interface{}) error
}

// hubClient serializes writes to one connection.
type hubClient struct {
	mu   sync.Mutex
	conn JSONWriter
}

// Hub manages active result subscribers.
// Map key: JobID -> Value: client connection
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*hubClient
	logger  *slog.Logger
}

// NewHub returns an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*hubClient),
		logger:  logger,
	}
}

// Register attaches conn to jobID, replacing any earlier connection for the same job.
func (h *Hub) Register(jobID string, conn JSONWriter) {
	h.mu.Lock()
	h.clients[jobID] = &hubClient{conn: conn}
	h.mu.Unlock()
}

// Unregister detaches conn from jobID if it is still the registered connection.
func (h *Hub) Unregister(jobID string, conn JSONWriter) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.clients[jobID]; ok && c.conn == conn {
		delete(h.clients, jobID)
	}
}

func (h *Hub) registered(jobID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[jobID]
	return ok
}

// Run forwards every result to the client registered for its job until results closes or ctx ends.
func (h *Hub) Run(ctx context.Context, results <-chan domain.ResultMessage) {
	h.logger.Info("Starting result forwarder...")

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-results:
			if !ok {
				return
			}
			h.forward(msg)
		}
	}
}

func (h *Hub) forward(msg domain.ResultMessage) {
	// 1. Check if we have a client connected for this JobID
	h.mu.RLock()
	c, exists := h.clients[msg.JobID]
	h.mu.RUnlock()

	if !exists {
		return
	}

	// 2. Forward the message to the WebSocket
	c.mu.Lock()
	err := c.conn.WriteJSON(msg)
	c.mu.Unlock()
	if err != nil {
		h.logger.Error("Failed to write to websocket", "jobID", msg.JobID, "error", err)
		h.Unregister(msg.JobID, c.conn)
	}
}
