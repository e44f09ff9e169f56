// Package wshub broadcasts live execution updates (status changes, new
// stream chunks) to websocket subscribers of execution.streamGet.
package wshub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cedricziel/durableflow/internal/store"
)

// Hub maintains the websocket clients subscribed to one execution's stream
// and broadcasts updates to them.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

var (
	hubs     = make(map[uuid.UUID]*Hub)
	hubsMu   sync.Mutex
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
)

// GetHub returns the Hub for a given execution, creating it if necessary.
func GetHub(executionID uuid.UUID) *Hub {
	hubsMu.Lock()
	defer hubsMu.Unlock()
	h, ok := hubs[executionID]
	if !ok {
		h = &Hub{clients: make(map[*websocket.Conn]bool)}
		hubs[executionID] = h
	}
	return h
}

func dropHub(executionID uuid.UUID) {
	hubsMu.Lock()
	delete(hubs, executionID)
	hubsMu.Unlock()
}

func (h *Hub) addClient(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
}

// Broadcast sends a JSON-encoded update to every subscriber.
func (h *Hub) Broadcast(update any) {
	payload, err := json.Marshal(update)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.WriteMessage(websocket.TextMessage, payload)
	}
}

// StreamUpdate is one pushed increment: either a status transition, new
// stream chunks, or both.
type StreamUpdate struct {
	Status    store.Status         `json:"status"`
	Output    any                  `json:"output,omitempty"`
	Error     string               `json:"error,omitempty"`
	NewChunks []*store.StreamChunk `json:"newChunks,omitempty"`
	UpdatedAt time.Time            `json:"updatedAt"`
	Closed    bool                 `json:"closed"`
}

// Handler upgrades the connection and registers it on the execution's hub.
// It reads the chi URL param "executionID" and answers 400 when that is not
// a valid UUID.
func Handler(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "executionID")
	executionID, err := uuid.Parse(idStr)
	if err != nil {
		http.Error(w, "invalid executionID", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	hub := GetHub(executionID)
	hub.addClient(conn)
	go hub.readPump(conn)
}

// readPump discards inbound client traffic (the stream is server push
// only) and unregisters the client once the connection drops.
func (h *Hub) readPump(conn *websocket.Conn) {
	defer h.removeClient(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Publisher polls the store for one execution and pushes incremental
// updates to its hub until the execution reaches a terminal status. An
// execution suspended waiting for a signal does not end the watch.
type Publisher struct {
	Store        store.ExecutionStore
	PollInterval time.Duration
}

// NewPublisher wires a Publisher with the given poll interval (defaulting
// to one second).
func NewPublisher(st store.ExecutionStore, pollInterval time.Duration) *Publisher {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Publisher{Store: st, PollInterval: pollInterval}
}

// Watch polls executionID until ctx is cancelled or the execution reaches a
// terminal status, broadcasting every observed change to its Hub.
func (p *Publisher) Watch(ctx context.Context, executionID uuid.UUID) {
	hub := GetHub(executionID)
	defer dropHub(executionID)

	ticker := time.NewTicker(p.PollInterval)
	defer ticker.Stop()

	lastSeenByStep := map[string]int{}
	var lastUpdatedAt time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		exec, err := p.Store.GetExecution(ctx, executionID)
		if err != nil || exec == nil {
			return
		}

		chunks, err := p.Store.GetStreamChunks(ctx, executionID, lastSeenByStep)
		if err != nil {
			chunks = nil
		}
		for _, c := range chunks {
			if last, ok := lastSeenByStep[c.StepName]; !ok || c.ChunkIndex > last {
				lastSeenByStep[c.StepName] = c.ChunkIndex
			}
		}

		changed := len(chunks) > 0 || !exec.UpdatedAt.Equal(lastUpdatedAt)
		if changed {
			lastUpdatedAt = exec.UpdatedAt
			update := StreamUpdate{
				Status:    exec.Status,
				Output:    exec.Output,
				NewChunks: chunks,
				UpdatedAt: exec.UpdatedAt,
				Closed:    exec.Status.IsTerminal(),
			}
			if exec.Error != nil {
				update.Error = *exec.Error
			}
			hub.Broadcast(update)
		}

		if exec.Status.IsTerminal() {
			return
		}
	}
}
