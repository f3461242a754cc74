// Package broker defines the message channel abstraction shared by every worker.
//
// Producers publish to named exchanges with a routing key. Consumers receive
// from named queues bound to exchanges by routing-key patterns. Each worker
// owns its own Session.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoMessage is returned by Receive when the poll timeout elapses.
	ErrNoMessage = errors.New("broker: no message")
	// ErrSettled is returned when a delivery is acknowledged or requeued twice.
	ErrSettled = errors.New("broker: delivery already settled")
	// ErrUnknownExchange is returned for exchanges missing from the topology.
	ErrUnknownExchange = errors.New("broker: unknown exchange")
	// ErrUnknownQueue is returned for queues missing from the topology.
	ErrUnknownQueue = errors.New("broker: unknown queue")
)

// Delivery is one received message. Handlers must end with Ack or Requeue.
type Delivery interface {
	Body() []byte
	RoutingKey() string
	// Ack removes the message from its queue.
	Ack() error
	// Requeue returns the message to its queue for redelivery.
	Requeue() error
}

// Session is a worker's exclusive connection to the broker.
type Session interface {
	// Publish declares the exchange and its bound queues, then sends body.
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
	// Receive waits up to timeout for a message on queue.
	Receive(ctx context.Context, queue string, timeout time.Duration) (Delivery, error)
	Close() error
}

// PublishJSON marshals v and publishes it.
func PublishJSON(ctx context.Context, s Session, exchange, routingKey string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := s.Publish(ctx, exchange, routingKey, body); err != nil {
		return fmt.Errorf("publish %s/%s: %w", exchange, routingKey, err)
	}
	return nil
}
