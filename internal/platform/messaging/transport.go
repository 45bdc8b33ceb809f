// Package messaging carries domain events over a topic exchange. A Publisher
// hands JSON events to a Transport; a Dispatcher runs one receive loop per
// topic and settles every delivery individually.
package messaging

import (
	"context"
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrPublishUnavailable means the transport has no usable channel, for
	// example while the broker connection is being re-established.
	ErrPublishUnavailable = errors.New("broker channel unavailable")
	ErrPublishNacked      = errors.New("broker rejected publish")
	ErrTransportClosed    = errors.New("transport closed")
)

// Transport is the broker abstraction shared by the publisher and dispatcher.
// Publish must be safe for concurrent use. Each Consume call owns its own
// channel so subscriptions never share settlement state.
type Transport interface {
	Publish(ctx context.Context, topic string, msg amqp.Publishing) error
	Consume(ctx context.Context, topic string) (Subscription, error)
	Close() error
}

// Subscription is a live consumer on one topic queue. Deliveries is closed
// when the subscription or its underlying connection ends. Closing a
// subscription returns unsettled deliveries to the queue.
type Subscription interface {
	Deliveries() <-chan amqp.Delivery
	Close() error
}
