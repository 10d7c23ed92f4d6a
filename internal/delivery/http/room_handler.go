package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"diagramsync/internal/delivery/sse"
	"diagramsync/internal/domain"
	"diagramsync/internal/metrics"
	"diagramsync/internal/repository/snapshot"
)

// Room events published to SSE clients
const (
	EventSnapshotSaved = "snapshot_saved"
	EventImageAdded    = "image_added"
)

// RoomHandler serves the room snapshot API
type RoomHandler struct {
	store     snapshot.Store
	sseRouter *sse.Router
	metrics   *metrics.Relay
	logger    *zap.Logger
}

// NewRoomHandler creates a new room handler
func NewRoomHandler(store snapshot.Store, sseRouter *sse.Router, m *metrics.Relay, logger *zap.Logger) *RoomHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewRelay(nil)
	}
	return &RoomHandler{
		store:     store,
		sseRouter: sseRouter,
		metrics:   m,
		logger:    logger,
	}
}

// GetSnapshot handles GET /rooms/{id}/snapshot
func (h *RoomHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]

	room, err := h.store.LoadRoom(r.Context(), roomID)
	if errors.Is(err, snapshot.ErrRoomNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		h.internalError(w, "failed to load room", roomID, err)
		return
	}

	w.Header().Set("ETag", strconv.FormatUint(uint64(room.Version), 10))
	writeJSON(w, http.StatusOK, room)
}

// PutSnapshot handles PUT /rooms/{id}/snapshot. The If-Match header carries
// the version the caller last saw; a missing header means the room is new.
func (h *RoomHandler) PutSnapshot(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]

	expected, err := parseVersion(r.Header.Get("If-Match"))
	if err != nil {
		http.Error(w, "Invalid If-Match header", http.StatusBadRequest)
		return
	}

	var req snapshot.SaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if !validList(req.Nodes) || !validList(req.Edges) {
		http.Error(w, "nodes and edges must be JSON arrays", http.StatusBadRequest)
		return
	}
	if len(req.Nodes) == 0 {
		req.Nodes = json.RawMessage("[]")
	}
	if len(req.Edges) == 0 {
		req.Edges = json.RawMessage("[]")
	}

	version, err := h.store.SaveRoom(r.Context(), roomID, req.Nodes, req.Edges, expected)
	if errors.Is(err, snapshot.ErrVersionConflict) {
		h.metrics.SnapshotSaves.WithLabelValues("conflict").Inc()
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		h.metrics.SnapshotSaves.WithLabelValues("error").Inc()
		h.internalError(w, "failed to save room", roomID, err)
		return
	}
	h.metrics.SnapshotSaves.WithLabelValues("ok").Inc()

	if h.sseRouter != nil {
		h.sseRouter.PublishRoomEvent(roomID, EventSnapshotSaved, snapshot.SaveResponse{Version: version})
	}
	w.Header().Set("ETag", strconv.FormatUint(uint64(version), 10))
	writeJSON(w, http.StatusOK, snapshot.SaveResponse{Version: version})
}

// ListImages handles GET /rooms/{id}/images
func (h *RoomHandler) ListImages(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]

	images, err := h.store.ListImages(r.Context(), roomID)
	if err != nil {
		h.internalError(w, "failed to list images", roomID, err)
		return
	}
	if images == nil {
		images = []snapshot.Image{}
	}
	writeJSON(w, http.StatusOK, images)
}

// PostImage handles POST /rooms/{id}/images
func (h *RoomHandler) PostImage(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]

	var img snapshot.Image
	if err := json.NewDecoder(r.Body).Decode(&img); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if img.Src == "" {
		http.Error(w, "src is required", http.StatusBadRequest)
		return
	}
	img.RoomID = roomID
	if img.ID == "" {
		img.ID = domain.NewID()
	}
	if img.CreatedAt.IsZero() {
		img.CreatedAt = time.Now().UTC()
	}

	if err := h.store.PutImage(r.Context(), img); err != nil {
		h.internalError(w, "failed to save image", roomID, err)
		return
	}

	if h.sseRouter != nil {
		h.sseRouter.PublishRoomEvent(roomID, EventImageAdded, img)
	}
	writeJSON(w, http.StatusCreated, img)
}

func (h *RoomHandler) internalError(w http.ResponseWriter, msg, roomID string, err error) {
	h.logger.Error(msg, zap.String("room_id", roomID), zap.Error(err))
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

func parseVersion(header string) (snapshot.Version, error) {
	header = strings.Trim(strings.TrimSpace(header), `"`)
	if header == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(header, 10, 64)
	if err != nil {
		return 0, err
	}
	return snapshot.Version(v), nil
}

func validList(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return true
	}
	var list []json.RawMessage
	return json.Unmarshal(raw, &list) == nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
