package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"diagramsync/internal/projection"
	"diagramsync/internal/repository/snapshot"
)

// Checkpointer periodically saves the projected room content with
// optimistic versioning. A version conflict refreshes the known version and
// the save is retried on the next tick.
type Checkpointer struct {
	store  snapshot.Store
	roomID string
	bridge *projection.Bridge
	logger *zap.Logger

	mu       sync.Mutex
	version  snapshot.Version
	savedRev uint64
}

// NewCheckpointer creates a checkpointer starting at the given stored version.
func NewCheckpointer(store snapshot.Store, roomID string, bridge *projection.Bridge, version snapshot.Version, logger *zap.Logger) *Checkpointer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checkpointer{
		store:   store,
		roomID:  roomID,
		bridge:  bridge,
		logger:  logger,
		version: version,
	}
}

// MarkSaved records rev as already persisted.
func (c *Checkpointer) MarkSaved(rev uint64) {
	c.mu.Lock()
	c.savedRev = rev
	c.mu.Unlock()
}

// Version returns the last known stored version.
func (c *Checkpointer) Version() snapshot.Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Run checkpoints every interval until ctx is done.
func (c *Checkpointer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Checkpoint(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("checkpoint failed", zap.Error(err))
			}
		}
	}
}

// Checkpoint saves the current content if it changed since the last save.
// It reports whether a save happened. A version conflict is not an error.
func (c *Checkpointer) Checkpoint(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := c.bridge.Current()
	if snap.ContentRevision == c.savedRev {
		return false, nil
	}

	nodes, edges, err := snapshot.Encode(snap.Nodes, snap.Edges)
	if err != nil {
		return false, err
	}

	version, err := c.store.SaveRoom(ctx, c.roomID, nodes, edges, c.version)
	if errors.Is(err, snapshot.ErrVersionConflict) {
		c.logger.Info("snapshot version mismatch, refreshing", zap.Uint64("version", uint64(c.version)))
		room, loadErr := c.store.LoadRoom(ctx, c.roomID)
		switch {
		case loadErr == nil:
			c.version = room.Version
		case errors.Is(loadErr, snapshot.ErrRoomNotFound):
			c.version = 0
		default:
			return false, errors.Wrap(loadErr, "failed to refresh snapshot version")
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}

	c.version = version
	c.savedRev = snap.ContentRevision
	c.logger.Debug("saved snapshot",
		zap.Uint64("version", uint64(version)),
		zap.Int("nodes", len(snap.Nodes)),
		zap.Int("edges", len(snap.Edges)))
	return true, nil
}
