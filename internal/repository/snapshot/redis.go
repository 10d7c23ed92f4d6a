package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// RedisStore keeps snapshots in Redis hashes. SaveRoom uses WATCH/MULTI so
// the version check and the write are atomic across processes.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	now       func() time.Time
}

// NewRedisStore creates a store over client. The client is owned by the caller.
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "roomsync"
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		now:       time.Now,
	}
}

func (s *RedisStore) roomKey(roomID string) string {
	return fmt.Sprintf("%s:room:%s", s.keyPrefix, roomID)
}

func (s *RedisStore) imagesKey(roomID string) string {
	return fmt.Sprintf("%s:room:%s:images", s.keyPrefix, roomID)
}

// LoadRoom implements Store.
func (s *RedisStore) LoadRoom(ctx context.Context, roomID string) (*Room, error) {
	fields, err := s.client.HGetAll(ctx, s.roomKey(roomID)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load room %s", roomID)
	}
	if len(fields) == 0 {
		return nil, ErrRoomNotFound
	}
	return decodeRedisRoom(roomID, fields)
}

func decodeRedisRoom(roomID string, fields map[string]string) (*Room, error) {
	version, err := strconv.ParseUint(fields["version"], 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid version of room %s", roomID)
	}
	room := &Room{
		ID:        roomID,
		NodesJSON: json.RawMessage(fields["nodes"]),
		EdgesJSON: json.RawMessage(fields["edges"]),
		Version:   Version(version),
	}
	if ts, ok := fields["updatedAt"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			room.UpdatedAt = t
		}
	}
	return room, nil
}

// SaveRoom implements Store.
func (s *RedisStore) SaveRoom(ctx context.Context, roomID string, nodesJSON, edgesJSON json.RawMessage, expected Version) (Version, error) {
	key := s.roomKey(roomID)
	var next Version

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current := Version(0)
		raw, err := tx.HGet(ctx, key, "version").Result()
		switch {
		case err == redis.Nil:
		case err != nil:
			return err
		default:
			v, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				return errors.Wrapf(err, "invalid version of room %s", roomID)
			}
			current = Version(v)
		}
		if current != expected {
			return ErrVersionConflict
		}

		next = current + 1
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, map[string]interface{}{
				"nodes":     string(nodesJSON),
				"edges":     string(edgesJSON),
				"version":   strconv.FormatUint(uint64(next), 10),
				"updatedAt": s.now().UTC().Format(time.RFC3339Nano),
			})
			return nil
		})
		return err
	}, key)

	switch {
	case err == redis.TxFailedErr:
		// another writer touched the room between WATCH and EXEC
		return 0, ErrVersionConflict
	case errors.Is(err, ErrVersionConflict):
		return 0, ErrVersionConflict
	case err != nil:
		return 0, errors.Wrapf(err, "failed to save room %s", roomID)
	}
	return next, nil
}

// ListImages implements Store.
func (s *RedisStore) ListImages(ctx context.Context, roomID string) ([]Image, error) {
	values, err := s.client.LRange(ctx, s.imagesKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list images of room %s", roomID)
	}

	images := make([]Image, 0, len(values))
	for _, v := range values {
		var img Image
		if err := json.Unmarshal([]byte(v), &img); err != nil {
			return nil, errors.Wrap(err, "failed to decode image")
		}
		images = append(images, img)
	}
	sortImages(images)
	return images, nil
}

// PutImage implements Store.
func (s *RedisStore) PutImage(ctx context.Context, img Image) error {
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
	return errors.Wrapf(s.client.RPush(ctx, s.imagesKey(img.RoomID), data).Err(), "failed to save image %s", img.ID)
}
