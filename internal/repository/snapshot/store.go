// Package snapshot persists room snapshots between sessions.
//
// A room holds the JSON encoded node and edge lists and a version used for
// optimistic concurrency: SaveRoom succeeds only when the caller presents
// the version currently stored.
package snapshot

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"diagramsync/internal/domain"
)

var (
	// ErrRoomNotFound is returned when no snapshot exists for a room.
	ErrRoomNotFound = errors.New("room not found")
	// ErrVersionConflict is returned when the stored version differs from the expected one.
	ErrVersionConflict = errors.New("version mismatch")
)

// Version is the optimistic concurrency token of a room. Zero means the
// room has never been saved.
type Version uint64

// Room is a persisted snapshot.
type Room struct {
	ID        string          `json:"id"`
	NodesJSON json.RawMessage `json:"nodes"`
	EdgesJSON json.RawMessage `json:"edges"`
	Version   Version         `json:"version"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Image is the metadata of an image uploaded to a room.
type Image struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	Src       string    `json:"src"`
	Width     float64   `json:"width"`
	Height    float64   `json:"height"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store loads and saves room snapshots.
type Store interface {
	// LoadRoom returns ErrRoomNotFound when the room was never saved.
	LoadRoom(ctx context.Context, roomID string) (*Room, error)

	// SaveRoom stores the snapshot if the stored version equals expected and
	// returns the new version. Version 0 creates a missing room.
	SaveRoom(ctx context.Context, roomID string, nodesJSON, edgesJSON json.RawMessage, expected Version) (Version, error)

	// ListImages returns the images of a room ordered by creation time.
	ListImages(ctx context.Context, roomID string) ([]Image, error)

	// PutImage records image metadata.
	PutImage(ctx context.Context, img Image) error
}

// Decode parses the node and edge lists of the room. Empty lists decode to nil.
func (r *Room) Decode() ([]domain.Node, []domain.Edge, error) {
	var nodes []domain.Node
	var edges []domain.Edge
	if len(r.NodesJSON) > 0 {
		if err := json.Unmarshal(r.NodesJSON, &nodes); err != nil {
			return nil, nil, errors.Wrapf(err, "failed to decode nodes of room %s", r.ID)
		}
	}
	if len(r.EdgesJSON) > 0 {
		if err := json.Unmarshal(r.EdgesJSON, &edges); err != nil {
			return nil, nil, errors.Wrapf(err, "failed to decode edges of room %s", r.ID)
		}
	}
	return nodes, edges, nil
}

// IsEmpty reports whether the snapshot holds no nodes and no edges.
func (r *Room) IsEmpty() bool {
	nodes, edges, err := r.Decode()
	return err == nil && len(nodes) == 0 && len(edges) == 0
}

// Encode serializes node and edge lists for SaveRoom.
func Encode(nodes []domain.Node, edges []domain.Edge) (json.RawMessage, json.RawMessage, error) {
	if nodes == nil {
		nodes = []domain.Node{}
	}
	if edges == nil {
		edges = []domain.Edge{}
	}
	nodesJSON, err := json.Marshal(nodes)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to encode nodes")
	}
	edgesJSON, err := json.Marshal(edges)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to encode edges")
	}
	return nodesJSON, edgesJSON, nil
}

// EmptyRoom returns the snapshot used for a room that was never saved.
func EmptyRoom(roomID string) *Room {
	return &Room{ID: roomID}
}

// LoadOrEmpty loads a room, treating a missing room as an empty snapshot.
func LoadOrEmpty(ctx context.Context, store Store, roomID string) (*Room, error) {
	room, err := store.LoadRoom(ctx, roomID)
	if errors.Is(err, ErrRoomNotFound) {
		return EmptyRoom(roomID), nil
	}
	if err != nil {
		return nil, err
	}
	return room, nil
}
