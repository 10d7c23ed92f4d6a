package crdtpubsub

import (
	"context"
	"fmt"
)

// SubscriberFunc handles a message received on a topic.
type SubscriberFunc func(ctx context.Context, topic string, data []byte) error

// Publisher publishes raw payloads to a topic.
type Publisher interface {
	// Publish publishes data to the specified topic.
	Publish(ctx context.Context, topic string, data []byte) error
	// Close closes the publisher.
	Close() error
}

// Subscriber delivers topic payloads to registered handlers.
// Messages published by a client may be delivered back to that client.
type Subscriber interface {
	// Subscribe subscribes to the specified topic and calls the handler for each received message.
	Subscribe(ctx context.Context, topic string, subscriberID string, handler SubscriberFunc) error
	// Unsubscribe unsubscribes from the specified topic.
	Unsubscribe(ctx context.Context, topic string, subscriberID string) error
	// Close closes the subscriber.
	Close() error
}

// PubSub combines the Publisher and Subscriber interfaces.
type PubSub interface {
	Publisher
	Subscriber
}

// ConnectionNotifier is implemented by channels whose link can drop and
// come back, such as the relay websocket client.
type ConnectionNotifier interface {
	// OnConnectionChange registers fn for link state changes and returns a
	// function that removes it.
	OnConnectionChange(fn func(connected bool)) func()
}

// DocTopic returns the topic carrying document sync messages of a room.
func DocTopic(roomID string) string {
	return fmt.Sprintf("room/%s/doc", roomID)
}

// AwarenessTopic returns the topic carrying presence messages of a room.
func AwarenessTopic(roomID string) string {
	return fmt.Sprintf("room/%s/awareness", roomID)
}
