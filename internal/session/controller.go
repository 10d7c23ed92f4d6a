package session

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Controller keeps at most one session alive and switches rooms.
type Controller struct {
	cfg  Config
	deps Deps

	mu      sync.Mutex
	current *Session
}

// NewController creates a controller building sessions from cfg and deps.
func NewController(cfg Config, deps Deps) *Controller {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Controller{cfg: cfg, deps: deps}
}

// Enter leaves the current room, if any, and joins roomID with a fresh session.
func (c *Controller) Enter(ctx context.Context, roomID string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		if err := c.current.Leave(ctx); err != nil {
			c.deps.Logger.Warn("failed to leave room", zap.String("room_id", c.current.RoomID()), zap.Error(err))
		}
		c.current = nil
	}

	s := New(c.cfg, c.deps)
	if err := s.Join(ctx, roomID); err != nil {
		return nil, err
	}
	c.current = s
	return s, nil
}

// Current returns the live session or nil.
func (c *Controller) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Exit leaves the current room.
func (c *Controller) Exit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return nil
	}
	err := c.current.Leave(ctx)
	c.current = nil
	return err
}
