package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"cito-engine/internal/incidents/application"
)

// Subscription is a connected stream client.
type Subscription struct {
	teamID int64
	ch     chan []byte
}

type streamMessage struct {
	teamID  int64
	kind    string
	payload []byte
}

// SSEBroker fans out incident events to connected clients.
type SSEBroker struct {
	mu      sync.Mutex
	clients map[*Subscription]struct{}
}

// NewSSEBroker constructs a broker.
func NewSSEBroker() *SSEBroker {
	return &SSEBroker{clients: make(map[*Subscription]struct{})}
}

// Notify implements application.IncidentNotifier.
func (b *SSEBroker) Notify(_ context.Context, event application.IncidentEvent) {
	if b == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	var teamID int64
	if event.Event != nil {
		teamID = event.Event.TeamID
	}
	b.broadcast(teamID, event.Type, payload)
}

// Subscribe registers a client. A non-zero teamID limits it to that team's incidents.
func (b *SSEBroker) Subscribe(teamID int64) *Subscription {
	if b == nil {
		return nil
	}
	client := &Subscription{teamID: teamID, ch: make(chan []byte, 16)}
	b.mu.Lock()
	b.clients[client] = struct{}{}
	b.mu.Unlock()
	return client
}

// Unsubscribe removes a client.
func (b *SSEBroker) Unsubscribe(client *Subscription) {
	if b == nil || client == nil {
		return
	}
	b.mu.Lock()
	if _, ok := b.clients[client]; ok {
		delete(b.clients, client)
		close(client.ch)
	}
	b.mu.Unlock()
}

// Clients returns the number of connected clients.
func (b *SSEBroker) Clients() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *SSEBroker) broadcast(teamID int64, kind string, payload []byte) {
	frame := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", kind, payload))
	b.mu.Lock()
	defer b.mu.Unlock()
	for client := range b.clients {
		if client.teamID != 0 && client.teamID != teamID {
			continue
		}
		select {
		case client.ch <- frame:
		default:
		}
	}
}

// StreamHandler serves the SSE incident stream.
type StreamHandler struct {
	broker *SSEBroker
}

// NewStreamHandler constructs a stream handler.
func NewStreamHandler(broker *SSEBroker) *StreamHandler {
	return &StreamHandler{broker: broker}
}

// ServeHTTP handles GET /api/v1/incidents/stream.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.broker == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}
	var teamID int64
	if raw := r.URL.Query().Get("team_id"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			http.Error(w, "team_id must be a non-negative integer", http.StatusBadRequest)
			return
		}
		teamID = parsed
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client := h.broker.Subscribe(teamID)
	defer h.broker.Unsubscribe(client)

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	done := r.Context().Done()
	for {
		select {
		case frame, ok := <-client.ch:
			if !ok {
				return
			}
			_, _ = w.Write(frame)
			flusher.Flush()
		case <-done:
			return
		}
	}
}
