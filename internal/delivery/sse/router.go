package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Client is a connected SSE client
type Client struct {
	ID      string
	RoomID  string
	events  chan []byte
	Flusher http.Flusher
}

// Event is an SSE event
type Event struct {
	Type    string      `json:"type"`
	RoomID  string      `json:"roomId"`
	Payload interface{} `json:"payload"`
}

// Router streams room events to SSE clients
type Router struct {
	clients map[string]*Client
	mu      sync.RWMutex
	nextID  uint64
	logger  *zap.Logger
}

// NewRouter creates a new SSE router
func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		clients: make(map[string]*Client),
		logger:  logger,
	}
}

// HandleEvents streams events of the room named by the {id} route variable
func (r *Router) HandleEvents(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	roomID := mux.Vars(req)["id"]
	if roomID == "" {
		http.Error(w, "room id is required", http.StatusBadRequest)
		return
	}

	r.mu.Lock()
	r.nextID++
	client := &Client{
		ID:      fmt.Sprintf("sse-%d", r.nextID),
		RoomID:  roomID,
		events:  make(chan []byte, 16),
		Flusher: flusher,
	}
	r.clients[client.ID] = client
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.clients, client.ID)
		r.mu.Unlock()
	}()

	// the client is registered before it sees the response
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case data := <-client.events:
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-req.Context().Done():
			return
		}
	}
}

// PublishRoomEvent sends an event to every client watching the room.
// Clients that are not keeping up miss the event.
func (r *Router) PublishRoomEvent(roomID, eventType string, payload interface{}) {
	data, err := json.Marshal(Event{Type: eventType, RoomID: roomID, Payload: payload})
	if err != nil {
		r.logger.Warn("failed to marshal event", zap.String("type", eventType), zap.Error(err))
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, client := range r.clients {
		if client.RoomID != roomID {
			continue
		}
		select {
		case client.events <- data:
		default:
			r.logger.Debug("dropping event for slow client", zap.String("client_id", client.ID))
		}
	}
}

// ClientCount returns the number of connected clients
func (r *Router) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
