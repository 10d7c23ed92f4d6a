package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"diagramsync/internal/domain"
)

// runStoreTests exercises the Store contract against any backend.
func runStoreTests(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("missing room", func(t *testing.T) {
		s := newStore(t)
		_, err := s.LoadRoom(ctx, "missing-"+uuid.NewString())
		assert.ErrorIs(t, err, ErrRoomNotFound)

		room, err := LoadOrEmpty(ctx, s, "missing-"+uuid.NewString())
		require.NoError(t, err)
		assert.Equal(t, Version(0), room.Version)
		assert.True(t, room.IsEmpty())
	})

	t.Run("create and update", func(t *testing.T) {
		s := newStore(t)
		roomID := "room-" + uuid.NewString()
		nodes, edges, err := Encode([]domain.Node{{ID: "n1"}}, nil)
		require.NoError(t, err)

		v1, err := s.SaveRoom(ctx, roomID, nodes, edges, 0)
		require.NoError(t, err)
		assert.Equal(t, Version(1), v1)

		room, err := s.LoadRoom(ctx, roomID)
		require.NoError(t, err)
		assert.Equal(t, v1, room.Version)
		decoded, decodedEdges, err := room.Decode()
		require.NoError(t, err)
		require.Len(t, decoded, 1)
		assert.Equal(t, "n1", decoded[0].ID)
		assert.Empty(t, decodedEdges)

		v2, err := s.SaveRoom(ctx, roomID, json.RawMessage(`[]`), json.RawMessage(`[]`), v1)
		require.NoError(t, err)
		assert.Equal(t, Version(2), v2)
	})

	t.Run("version conflict", func(t *testing.T) {
		s := newStore(t)
		roomID := "room-" + uuid.NewString()
		_, err := s.SaveRoom(ctx, roomID, json.RawMessage(`[]`), json.RawMessage(`[]`), 0)
		require.NoError(t, err)

		_, err = s.SaveRoom(ctx, roomID, json.RawMessage(`[]`), json.RawMessage(`[]`), 0)
		assert.ErrorIs(t, err, ErrVersionConflict)
		_, err = s.SaveRoom(ctx, roomID, json.RawMessage(`[]`), json.RawMessage(`[]`), 7)
		assert.ErrorIs(t, err, ErrVersionConflict)
	})

	t.Run("concurrent writers", func(t *testing.T) {
		s := newStore(t)
		roomID := "room-" + uuid.NewString()
		_, err := s.SaveRoom(ctx, roomID, json.RawMessage(`[]`), json.RawMessage(`[]`), 0)
		require.NoError(t, err)

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.SaveRoom(ctx, roomID, json.RawMessage(`[]`), json.RawMessage(`[]`), 1); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("images", func(t *testing.T) {
		s := newStore(t)
		roomID := "room-" + uuid.NewString()
		base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

		require.NoError(t, s.PutImage(ctx, Image{ID: "i2", RoomID: roomID, Src: "b.png", CreatedAt: base.Add(time.Minute)}))
		require.NoError(t, s.PutImage(ctx, Image{ID: "i1", RoomID: roomID, Src: "a.png", CreatedAt: base}))
		require.NoError(t, s.PutImage(ctx, Image{ID: "other", RoomID: roomID + "-x", Src: "c.png"}))
		assert.Error(t, s.PutImage(ctx, Image{RoomID: roomID}))

		images, err := s.ListImages(ctx, roomID)
		require.NoError(t, err)
		require.Len(t, images, 2)
		assert.Equal(t, "a.png", images[0].Src)
		assert.Equal(t, "b.png", images[1].Src)
	})
}

func TestDatastoreStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store {
		s := NewDatastoreStore(nil, "/test")
		t.Cleanup(func() { s.Close() })
		return s
	})
}

// skipIfNoRedis skips the test when no Redis server is reachable.
func skipIfNoRedis(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Skipping Redis test: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisStore(t *testing.T) {
	client := skipIfNoRedis(t)
	prefix := fmt.Sprintf("test-%s", uuid.NewString())

	runStoreTests(t, func(t *testing.T) Store {
		return NewRedisStore(client, prefix)
	})

	t.Cleanup(func() {
		ctx := context.Background()
		keys, err := client.Keys(ctx, prefix+":*").Result()
		if err == nil && len(keys) > 0 {
			client.Del(ctx, keys...)
		}
	})
}

// skipIfNoMongo skips the test when no MongoDB server is reachable.
func skipIfNoMongo(t *testing.T) *mongo.Database {
	t.Helper()

	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetServerSelectionTimeout(time.Second))
	if err != nil {
		t.Skipf("MongoDB not available: %v", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		t.Skipf("MongoDB not responsive: %v", err)
	}

	db := client.Database("test_" + uuid.NewString()[:8])
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.Drop(ctx); err != nil {
			t.Logf("Failed to drop database: %v", err)
		}
		client.Disconnect(ctx)
	})
	return db
}

func TestMongoStore(t *testing.T) {
	db := skipIfNoMongo(t)

	runStoreTests(t, func(t *testing.T) Store {
		s, err := NewMongoStore(context.Background(), db)
		require.NoError(t, err)
		return s
	})
}

func TestEncodeDecode(t *testing.T) {
	text := "label"
	nodes := []domain.Node{{ID: "n1", Shape: domain.Shape{Kind: domain.ShapeKindRectangle}}}
	edges := []domain.Edge{{ID: "e1", From: "n1", To: "n2", Text: &text}}

	nodesJSON, edgesJSON, err := Encode(nodes, edges)
	require.NoError(t, err)

	room := &Room{ID: "r", NodesJSON: nodesJSON, EdgesJSON: edgesJSON}
	gotNodes, gotEdges, err := room.Decode()
	require.NoError(t, err)
	assert.Equal(t, nodes, gotNodes)
	assert.Equal(t, edges, gotEdges)
	assert.False(t, room.IsEmpty())

	emptyNodes, emptyEdges, err := Encode(nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(emptyNodes))
	assert.JSONEq(t, `[]`, string(emptyEdges))

	_, _, err = (&Room{ID: "bad", NodesJSON: json.RawMessage(`{`)}).Decode()
	assert.Error(t, err)
}
