package snapshot

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type mongoRoom struct {
	ID        string    `bson:"_id"`
	Nodes     string    `bson:"nodes"`
	Edges     string    `bson:"edges"`
	Version   int64     `bson:"version"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type mongoImage struct {
	ID        string    `bson:"_id"`
	RoomID    string    `bson:"room_id"`
	Src       string    `bson:"src"`
	Width     float64   `bson:"width"`
	Height    float64   `bson:"height"`
	CreatedAt time.Time `bson:"created_at"`
}

// MongoStore keeps snapshots in MongoDB. SaveRoom filters the update on the
// expected version; a write that matches nothing is a version conflict.
type MongoStore struct {
	rooms  *mongo.Collection
	images *mongo.Collection
	now    func() time.Time
}

// NewMongoStore creates a store over db using the rooms and room_images collections.
func NewMongoStore(ctx context.Context, db *mongo.Database) (*MongoStore, error) {
	s := &MongoStore{
		rooms:  db.Collection("rooms"),
		images: db.Collection("room_images"),
		now:    time.Now,
	}

	_, err := s.images.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "room_id", Value: 1}, {Key: "created_at", Value: 1}},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create image index")
	}
	return s, nil
}

// LoadRoom implements Store.
func (s *MongoStore) LoadRoom(ctx context.Context, roomID string) (*Room, error) {
	var doc mongoRoom
	err := s.rooms.FindOne(ctx, bson.M{"_id": roomID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load room %s", roomID)
	}
	return &Room{
		ID:        doc.ID,
		NodesJSON: json.RawMessage(doc.Nodes),
		EdgesJSON: json.RawMessage(doc.Edges),
		Version:   Version(doc.Version),
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

// SaveRoom implements Store.
func (s *MongoStore) SaveRoom(ctx context.Context, roomID string, nodesJSON, edgesJSON json.RawMessage, expected Version) (Version, error) {
	next := expected + 1
	now := s.now().UTC()

	if expected == 0 {
		_, err := s.rooms.InsertOne(ctx, mongoRoom{
			ID:        roomID,
			Nodes:     string(nodesJSON),
			Edges:     string(edgesJSON),
			Version:   int64(next),
			UpdatedAt: now,
		})
		if mongo.IsDuplicateKeyError(err) {
			return 0, ErrVersionConflict
		}
		if err != nil {
			return 0, errors.Wrapf(err, "failed to create room %s", roomID)
		}
		return next, nil
	}

	result, err := s.rooms.UpdateOne(ctx,
		bson.M{"_id": roomID, "version": int64(expected)},
		bson.M{"$set": bson.M{
			"nodes":      string(nodesJSON),
			"edges":      string(edgesJSON),
			"version":    int64(next),
			"updated_at": now,
		}},
	)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to save room %s", roomID)
	}
	if result.MatchedCount == 0 {
		return 0, ErrVersionConflict
	}
	return next, nil
}

// ListImages implements Store.
func (s *MongoStore) ListImages(ctx context.Context, roomID string) ([]Image, error) {
	cursor, err := s.images.Find(ctx, bson.M{"room_id": roomID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list images of room %s", roomID)
	}
	defer cursor.Close(ctx)

	var docs []mongoImage
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, errors.Wrapf(err, "failed to decode images of room %s", roomID)
	}

	images := make([]Image, 0, len(docs))
	for _, d := range docs {
		images = append(images, Image{
			ID:        d.ID,
			RoomID:    d.RoomID,
			Src:       d.Src,
			Width:     d.Width,
			Height:    d.Height,
			CreatedAt: d.CreatedAt,
		})
	}
	return images, nil
}

// PutImage implements Store.
func (s *MongoStore) PutImage(ctx context.Context, img Image) error {
	if img.ID == "" || img.RoomID == "" {
		return errors.New("image id and room id are required")
	}
	if img.CreatedAt.IsZero() {
		img.CreatedAt = s.now().UTC()
	}
	_, err := s.images.ReplaceOne(ctx, bson.M{"_id": img.ID}, mongoImage{
		ID:        img.ID,
		RoomID:    img.RoomID,
		Src:       img.Src,
		Width:     img.Width,
		Height:    img.Height,
		CreatedAt: img.CreatedAt,
	}, options.Replace().SetUpsert(true))
	return errors.Wrapf(err, "failed to save image %s", img.ID)
}
