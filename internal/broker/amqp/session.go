// Package amqp implements broker.Session on RabbitMQ topic exchanges.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/bonanza/internal/broker"
)

// Channel is the subset of *amqp.Channel a Session uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Session owns one AMQP channel. Declarations are cached so repeated
// publishes only declare once.
type Session struct {
	conn *amqp.Connection
	ch   Channel
	topo *broker.Topology

	mu        sync.Mutex
	exchanges map[string]bool
	queues    map[string]bool
	consumers map[string]<-chan amqp.Delivery
}

// Dial connects to url and opens a dedicated channel with a prefetch of one.
func Dial(url string, topo *broker.Topology) (*Session, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	s, err := NewSession(ch, topo)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	s.conn = conn
	return s, nil
}

// NewSession wraps an open channel.
func NewSession(ch Channel, topo *broker.Topology) (*Session, error) {
	if err := ch.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return &Session{
		ch:        ch,
		topo:      topo,
		exchanges: make(map[string]bool),
		queues:    make(map[string]bool),
		consumers: make(map[string]<-chan amqp.Delivery),
	}, nil
}

// Publish declares exchange and the queues bound to it, then sends a persistent JSON message.
func (s *Session) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	if !s.topo.HasExchange(exchange) {
		return fmt.Errorf("%w: %s", broker.ErrUnknownExchange, exchange)
	}
	s.mu.Lock()
	err := s.declareExchange(exchange)
	if err == nil {
		for _, q := range s.topo.BoundTo(exchange) {
			if err = s.declareQueue(q); err != nil {
				break
			}
		}
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	headers := amqp.Table{}
	otel.GetTextMapPropagator().Inject(ctx, tableCarrier(headers))
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         body,
	}
	if err := s.ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

// Receive waits up to timeout for a delivery on queue. The consumer is
// registered on first use and kept for the life of the session.
func (s *Session) Receive(ctx context.Context, queue string, timeout time.Duration) (broker.Delivery, error) {
	deliveries, err := s.consumer(queue)
	if err != nil {
		return nil, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("receive canceled: %w", ctx.Err())
	case <-timer.C:
		return nil, broker.ErrNoMessage
	case d, ok := <-deliveries:
		if !ok {
			return nil, errors.New("amqp delivery channel closed")
		}
		return &delivery{d: d}, nil
	}
}

// Close closes the channel and, when dialed, the connection. The broker
// redelivers anything left unacknowledged.
func (s *Session) Close() error {
	err := s.ch.Close()
	if s.conn != nil {
		if cerr := s.conn.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
			err = errors.Join(err, cerr)
		}
	}
	if err != nil {
		return fmt.Errorf("close amqp session: %w", err)
	}
	return nil
}

func (s *Session) consumer(name string) (<-chan amqp.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.consumers[name]; ok {
		return c, nil
	}
	q, err := s.topo.Queue(name)
	if err != nil {
		return nil, err
	}
	for _, b := range q.Bindings {
		if err := s.declareExchange(b.Exchange); err != nil {
			return nil, err
		}
	}
	if err := s.declareQueue(q); err != nil {
		return nil, err
	}
	c, err := s.ch.Consume(name, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", name, err)
	}
	s.consumers[name] = c
	return c, nil
}

func (s *Session) declareExchange(name string) error {
	if s.exchanges[name] {
		return nil
	}
	if err := s.ch.ExchangeDeclare(name, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", name, err)
	}
	s.exchanges[name] = true
	return nil
}

func (s *Session) declareQueue(q broker.Queue) error {
	if s.queues[q.Name] {
		return nil
	}
	if _, err := s.ch.QueueDeclare(q.Name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", q.Name, err)
	}
	for _, b := range q.Bindings {
		if err := s.declareExchange(b.Exchange); err != nil {
			return err
		}
		if err := s.ch.QueueBind(q.Name, b.Pattern, b.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", q.Name, b.Exchange, err)
		}
	}
	s.queues[q.Name] = true
	return nil
}

type delivery struct {
	mu      sync.Mutex
	d       amqp.Delivery
	settled bool
}

func (d *delivery) Body() []byte       { return d.d.Body }
func (d *delivery) RoutingKey() string { return d.d.RoutingKey }

func (d *delivery) Ack() error {
	return d.settle(func() error { return d.d.Ack(false) })
}

func (d *delivery) Requeue() error {
	return d.settle(func() error { return d.d.Nack(false, true) })
}

func (d *delivery) settle(fn func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return broker.ErrSettled
	}
	if err := fn(); err != nil {
		return fmt.Errorf("settle delivery %d: %w", d.d.DeliveryTag, err)
	}
	d.settled = true
	return nil
}

// tableCarrier implements propagation.TextMapCarrier over AMQP headers.
type tableCarrier amqp.Table

func (c tableCarrier) Get(key string) string {
	v, _ := c[key].(string)
	return v
}

func (c tableCarrier) Set(key, value string) {
	c[key] = value
}

func (c tableCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
