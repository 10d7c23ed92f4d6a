package snapshot

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	ds "github.com/ipfs/go-datastore"
	dsquery "github.com/ipfs/go-datastore/query"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/pkg/errors"
)

// DatastoreStore keeps snapshots in a go-datastore. With the default map
// datastore it is an in-memory store for development and tests.
type DatastoreStore struct {
	store  ds.Datastore
	prefix string
	// mu makes the version check and the write of SaveRoom atomic.
	mu  sync.Mutex
	now func() time.Time
}

// NewDatastoreStore creates a store over the given datastore. A nil
// datastore selects a thread-safe in-memory map.
func NewDatastoreStore(store ds.Datastore, prefix string) *DatastoreStore {
	if store == nil {
		store = dssync.MutexWrap(ds.NewMapDatastore())
	}
	return &DatastoreStore{
		store:  store,
		prefix: prefix,
		now:    time.Now,
	}
}

func (s *DatastoreStore) roomKey(roomID string) ds.Key {
	return ds.NewKey(s.prefix).ChildString("rooms").ChildString(roomID)
}

func (s *DatastoreStore) imagePrefix(roomID string) ds.Key {
	return ds.NewKey(s.prefix).ChildString("images").ChildString(roomID)
}

// LoadRoom implements Store.
func (s *DatastoreStore) LoadRoom(ctx context.Context, roomID string) (*Room, error) {
	data, err := s.store.Get(ctx, s.roomKey(roomID))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load room %s", roomID)
	}

	var room Room
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, errors.Wrapf(err, "failed to decode room %s", roomID)
	}
	return &room, nil
}

// SaveRoom implements Store.
func (s *DatastoreStore) SaveRoom(ctx context.Context, roomID string, nodesJSON, edgesJSON json.RawMessage, expected Version) (Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := Version(0)
	room, err := s.LoadRoom(ctx, roomID)
	switch {
	case errors.Is(err, ErrRoomNotFound):
	case err != nil:
		return 0, err
	default:
		current = room.Version
	}
	if current != expected {
		return 0, ErrVersionConflict
	}

	next := &Room{
		ID:        roomID,
		NodesJSON: nodesJSON,
		EdgesJSON: edgesJSON,
		Version:   current + 1,
		UpdatedAt: s.now().UTC(),
	}
	data, err := json.Marshal(next)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to encode room %s", roomID)
	}
	if err := s.store.Put(ctx, s.roomKey(roomID), data); err != nil {
		return 0, errors.Wrapf(err, "failed to save room %s", roomID)
	}
	return next.Version, nil
}

// ListImages implements Store.
func (s *DatastoreStore) ListImages(ctx context.Context, roomID string) ([]Image, error) {
	results, err := s.store.Query(ctx, dsquery.Query{Prefix: s.imagePrefix(roomID).String()})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query images of room %s", roomID)
	}
	defer results.Close()

	entries, err := results.Rest()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read images of room %s", roomID)
	}

	images := make([]Image, 0, len(entries))
	for _, e := range entries {
		var img Image
		if err := json.Unmarshal(e.Value, &img); err != nil {
			return nil, errors.Wrapf(err, "failed to decode image %s", e.Key)
		}
		images = append(images, img)
	}
	sortImages(images)
	return images, nil
}

// PutImage implements Store.
func (s *DatastoreStore) PutImage(ctx context.Context, img Image) error {
	if img.ID == "" || img.RoomID == "" {
		return errors.New("image id and room id are required")
	}
	if img.CreatedAt.IsZero() {
		img.CreatedAt = s.now().UTC()
	}
	data, err := json.Marshal(img)
	if err != nil {
		return errors.Wrapf(err, "failed to encode image %s", img.ID)
	}
	key := s.imagePrefix(img.RoomID).ChildString(img.ID)
	return errors.Wrapf(s.store.Put(ctx, key, data), "failed to save image %s", img.ID)
}

// Close closes the underlying datastore.
func (s *DatastoreStore) Close() error {
	return s.store.Close()
}

func sortImages(images []Image) {
	sort.SliceStable(images, func(i, j int) bool {
		if images[i].CreatedAt.Equal(images[j].CreatedAt) {
			return images[i].ID < images[j].ID
		}
		return images[i].CreatedAt.Before(images[j].CreatedAt)
	})
}
