package crdtpubsub

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"diagramsync/collab/common"
)

// RedisPubSub implements the PubSub interface using Redis channels, one
// channel per topic. Several application servers sharing a Redis instance
// therefore relay the same rooms.
type RedisPubSub struct {
	// client is the Redis client.
	client *redis.Client
	// pubsub is the shared Redis subscription connection, created lazily.
	pubsub *redis.PubSub
	// subscriptions maps topic to subscriber id to subscription.
	subscriptions map[string]map[string]*redisSubscription
	// mutex protects pubsub and subscriptions.
	mutex  sync.RWMutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	logger *zap.Logger
}

type redisSubscription struct {
	topic        string
	subscriberID string
	handler      SubscriberFunc
	ctx          context.Context
	cancel       context.CancelFunc
}

// NewRedisPubSub creates a new RedisPubSub with the specified Redis client.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) (*RedisPubSub, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	return &RedisPubSub{
		client:        client,
		subscriptions: make(map[string]map[string]*redisSubscription),
		ctx:           runCtx,
		cancel:        runCancel,
		logger:        logger,
	}, nil
}

// Publish publishes data to the Redis channel named after topic.
func (ps *RedisPubSub) Publish(ctx context.Context, topic string, data []byte) error {
	ps.mutex.RLock()
	closed := ps.closed
	ps.mutex.RUnlock()
	if closed {
		return errors.Wrap(common.ErrClosed, "pubsub")
	}

	if err := ps.client.Publish(ctx, topic, data).Err(); err != nil {
		return errors.Wrapf(err, "failed to publish to %s", topic)
	}
	return nil
}

// Subscribe subscribes to the specified topic and calls the handler for each received message.
func (ps *RedisPubSub) Subscribe(ctx context.Context, topic string, subscriberID string, handler SubscriberFunc) error {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	if ps.closed {
		return errors.Wrap(common.ErrClosed, "pubsub")
	}

	subs, ok := ps.subscriptions[topic]
	if ok {
		if _, dup := subs[subscriberID]; dup {
			return errors.Errorf("already subscribed to topic: %s with subscriberID: %s", topic, subscriberID)
		}
	} else {
		if ps.pubsub == nil {
			ps.pubsub = ps.client.Subscribe(ps.ctx)
			ps.done = make(chan struct{})
			go ps.handleMessages(ps.pubsub.Channel(), ps.done)
		}
		if err := ps.pubsub.Subscribe(ctx, topic); err != nil {
			return errors.Wrap(err, "failed to subscribe to topic")
		}
		subs = make(map[string]*redisSubscription)
		ps.subscriptions[topic] = subs
	}

	subCtx, cancel := context.WithCancel(ctx)
	subs[subscriberID] = &redisSubscription{
		topic:        topic,
		subscriberID: subscriberID,
		handler:      handler,
		ctx:          subCtx,
		cancel:       cancel,
	}
	return nil
}

// handleMessages dispatches every message of the shared Redis connection to
// the subscribers of its channel, in arrival order.
func (ps *RedisPubSub) handleMessages(ch <-chan *redis.Message, done chan struct{}) {
	defer close(done)

	for msg := range ch {
		ps.mutex.RLock()
		subs := make([]*redisSubscription, 0, len(ps.subscriptions[msg.Channel]))
		for _, sub := range ps.subscriptions[msg.Channel] {
			subs = append(subs, sub)
		}
		ps.mutex.RUnlock()

		for _, sub := range subs {
			if sub.ctx.Err() != nil {
				continue
			}
			if err := sub.handler(sub.ctx, msg.Channel, []byte(msg.Payload)); err != nil {
				ps.logger.Warn("failed to handle message",
					zap.String("topic", msg.Channel),
					zap.String("subscriber", sub.subscriberID),
					zap.Error(err))
			}
		}
	}
}

// Unsubscribe unsubscribes from the specified topic.
func (ps *RedisPubSub) Unsubscribe(ctx context.Context, topic string, subscriberID string) error {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	if ps.closed {
		return errors.Wrap(common.ErrClosed, "pubsub")
	}

	subs := ps.subscriptions[topic]
	sub, ok := subs[subscriberID]
	if !ok {
		return errors.Errorf("not subscribed to topic: %s with subscriberID: %s", topic, subscriberID)
	}
	sub.cancel()
	delete(subs, subscriberID)

	if len(subs) == 0 {
		delete(ps.subscriptions, topic)
		if err := ps.pubsub.Unsubscribe(ctx, topic); err != nil {
			return errors.Wrap(err, "failed to unsubscribe from topic")
		}
	}
	return nil
}

// Close closes the subscription connection. The Redis client is owned by
// the caller and stays open.
func (ps *RedisPubSub) Close() error {
	ps.mutex.Lock()
	if ps.closed {
		ps.mutex.Unlock()
		return nil
	}
	ps.closed = true
	for _, subs := range ps.subscriptions {
		for _, sub := range subs {
			sub.cancel()
		}
	}
	ps.subscriptions = make(map[string]map[string]*redisSubscription)
	pubsub, done := ps.pubsub, ps.done
	ps.mutex.Unlock()

	ps.cancel()
	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	<-done
	if err != nil {
		return errors.Wrap(err, "failed to close redis subscription")
	}
	return nil
}
