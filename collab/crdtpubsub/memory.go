package crdtpubsub

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"diagramsync/collab/common"
)

// ErrOffline is returned when publishing through a disconnected MemoryConnection.
var ErrOffline = errors.New("connection is offline")

// MemoryPubSub implements the PubSub interface in process.
// Each subscription receives messages in publish order on its own goroutine.
type MemoryPubSub struct {
	// subscriptions is a map of topic to subscriptions.
	subscriptions map[string][]*memorySubscription
	// mutex protects the subscriptions map.
	mutex sync.RWMutex
	// closed indicates whether the PubSub has been closed.
	closed bool
	logger *zap.Logger
}

// memorySubscription represents a subscription to an in-memory topic.
type memorySubscription struct {
	topic        string
	subscriberID string
	handler      SubscriberFunc
	ctx          context.Context
	cancel       context.CancelFunc

	mu     sync.Mutex
	queue  [][]byte
	signal chan struct{}
}

// NewMemoryPubSub creates a new MemoryPubSub.
func NewMemoryPubSub(logger *zap.Logger) *MemoryPubSub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryPubSub{
		subscriptions: make(map[string][]*memorySubscription),
		logger:        logger,
	}
}

// Publish enqueues data for every subscriber of topic.
func (ps *MemoryPubSub) Publish(ctx context.Context, topic string, data []byte) error {
	ps.mutex.RLock()
	defer ps.mutex.RUnlock()

	if ps.closed {
		return errors.Wrap(common.ErrClosed, "pubsub")
	}

	payload := make([]byte, len(data))
	copy(payload, data)
	for _, sub := range ps.subscriptions[topic] {
		sub.push(payload)
	}
	return nil
}

// Subscribe subscribes to the specified topic and calls the handler for each received message.
func (ps *MemoryPubSub) Subscribe(ctx context.Context, topic string, subscriberID string, handler SubscriberFunc) error {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	if ps.closed {
		return errors.Wrap(common.ErrClosed, "pubsub")
	}

	for _, sub := range ps.subscriptions[topic] {
		if sub.subscriberID == subscriberID {
			return errors.Errorf("already subscribed to topic: %s with subscriberID: %s", topic, subscriberID)
		}
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &memorySubscription{
		topic:        topic,
		subscriberID: subscriberID,
		handler:      handler,
		ctx:          subCtx,
		cancel:       cancel,
		signal:       make(chan struct{}, 1),
	}
	ps.subscriptions[topic] = append(ps.subscriptions[topic], sub)

	go sub.run(ps.logger)
	return nil
}

// Unsubscribe unsubscribes from the specified topic. Messages still queued
// for the subscriber are discarded.
func (ps *MemoryPubSub) Unsubscribe(ctx context.Context, topic string, subscriberID string) error {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	if ps.closed {
		return errors.Wrap(common.ErrClosed, "pubsub")
	}

	subscribers := ps.subscriptions[topic]
	for i, sub := range subscribers {
		if sub.subscriberID != subscriberID {
			continue
		}
		sub.cancel()
		remaining := append(subscribers[:i:i], subscribers[i+1:]...)
		if len(remaining) == 0 {
			delete(ps.subscriptions, topic)
		} else {
			ps.subscriptions[topic] = remaining
		}
		return nil
	}

	return errors.Errorf("subscriber not found for topic: %s", topic)
}

// Close closes the PubSub and cancels every subscription.
func (ps *MemoryPubSub) Close() error {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	if ps.closed {
		return nil
	}
	ps.closed = true

	for _, subscribers := range ps.subscriptions {
		for _, sub := range subscribers {
			sub.cancel()
		}
	}
	ps.subscriptions = make(map[string][]*memorySubscription)
	return nil
}

// Connect returns a client view of the hub whose link can be toggled,
// used to simulate peers dropping off the room channel.
func (ps *MemoryPubSub) Connect(clientID string) *MemoryConnection {
	return &MemoryConnection{
		hub:       ps,
		clientID:  clientID,
		online:    true,
		listeners: make(map[int]func(bool)),
		subs:      make(map[string]string),
	}
}

func (s *memorySubscription) push(data []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, data)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *memorySubscription) pop() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	data := s.queue[0]
	s.queue = s.queue[1:]
	return data, true
}

func (s *memorySubscription) run(logger *zap.Logger) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.signal:
		}

		for {
			data, ok := s.pop()
			if !ok {
				break
			}
			if s.ctx.Err() != nil {
				return
			}
			if err := s.handler(s.ctx, s.topic, data); err != nil {
				logger.Warn("failed to handle message",
					zap.String("topic", s.topic),
					zap.String("subscriber", s.subscriberID),
					zap.Error(err))
			}
		}
	}
}

// MemoryConnection is one client's link to a MemoryPubSub.
type MemoryConnection struct {
	hub      *MemoryPubSub
	clientID string

	mu        sync.Mutex
	online    bool
	closed    bool
	listeners map[int]func(bool)
	nextID    int
	// subs maps hub subscriber ids to their topic
	subs map[string]string
}

// Publish publishes data through the hub unless the link is down.
func (c *MemoryConnection) Publish(ctx context.Context, topic string, data []byte) error {
	if !c.isOnline() {
		return ErrOffline
	}
	return c.hub.Publish(ctx, topic, data)
}

// Subscribe subscribes through the hub. Messages arriving while the link is
// down are lost.
func (c *MemoryConnection) Subscribe(ctx context.Context, topic string, subscriberID string, handler SubscriberFunc) error {
	hubID := c.clientID + "/" + subscriberID
	err := c.hub.Subscribe(ctx, topic, hubID, func(ctx context.Context, topic string, data []byte) error {
		if !c.isOnline() {
			return nil
		}
		return handler(ctx, topic, data)
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.subs[hubID] = topic
	c.mu.Unlock()
	return nil
}

// Unsubscribe unsubscribes through the hub.
func (c *MemoryConnection) Unsubscribe(ctx context.Context, topic string, subscriberID string) error {
	hubID := c.clientID + "/" + subscriberID
	c.mu.Lock()
	delete(c.subs, hubID)
	c.mu.Unlock()
	return c.hub.Unsubscribe(ctx, topic, hubID)
}

// OnConnectionChange registers fn for link state changes.
func (c *MemoryConnection) OnConnectionChange(fn func(connected bool)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// SetOnline drops or restores the link and notifies listeners on change.
func (c *MemoryConnection) SetOnline(online bool) {
	c.mu.Lock()
	if c.online == online || c.closed {
		c.mu.Unlock()
		return
	}
	c.online = online
	listeners := make([]func(bool), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(online)
	}
}

// Close removes every subscription made through the connection.
// The hub stays open for other clients.
func (c *MemoryConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.online = false
	subs := c.subs
	c.subs = make(map[string]string)
	c.listeners = make(map[int]func(bool))
	c.mu.Unlock()

	for hubID, topic := range subs {
		_ = c.hub.Unsubscribe(context.Background(), topic, hubID)
	}
	return nil
}

func (c *MemoryConnection) isOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}
