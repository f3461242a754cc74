// Package memory provides an in-process broker for local development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/bonanza/internal/broker"
)

// Message is one routed message.
type Message struct {
	Exchange   string
	RoutingKey string
	Body       []byte
}

// Broker routes published messages into in-memory queues shared by all sessions.
type Broker struct {
	topo *broker.Topology

	mu        sync.Mutex
	queues    map[string]*queue
	history   int
	published []Message
}

// Option configures a Broker.
type Option func(*Broker)

// WithHistory keeps the last limit published messages for Published.
// Without it nothing is retained once a message leaves its queues.
func WithHistory(limit int) Option {
	return func(b *Broker) { b.history = limit }
}

// New returns a Broker routing by topo.
func New(topo *broker.Topology, opts ...Option) *Broker {
	b := &Broker{topo: topo, queues: make(map[string]*queue)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewSession opens a session on the broker.
func (b *Broker) NewSession() *Session {
	return &Session{broker: b, unsettled: make(map[*delivery]struct{})}
}

// Published returns the retained history, oldest first.
func (b *Broker) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.published))
	copy(out, b.published)
	return out
}

// Depth reports how many messages wait on a queue.
func (b *Broker) Depth(name string) int {
	b.mu.Lock()
	q, ok := b.queues[name]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (b *Broker) record(m Message) {
	if b.history <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, m)
	if over := len(b.published) - b.history; over > 0 {
		b.published = append(b.published[:0], b.published[over:]...)
	}
}

// declare returns the named queue, creating it on first use.
func (b *Broker) declare(name string) *queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = &queue{notify: make(chan struct{}, 1)}
		b.queues[name] = q
	}
	return q
}

type queue struct {
	mu     sync.Mutex
	items  []Message
	notify chan struct{}
}

func (q *queue) push(m Message, front bool) {
	q.mu.Lock()
	if front {
		q.items = append([]Message{m}, q.items...)
	} else {
		q.items = append(q.items, m)
	}
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) pop() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Message{}, false
	}
	m := q.items[0]
	q.items = q.items[1:]
	if len(q.items) > 0 {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return m, true
}

// Session is one worker's handle on the Broker. Deliveries still unsettled
// when the session closes go back to their queues.
type Session struct {
	broker *Broker

	mu        sync.Mutex
	closed    bool
	unsettled map[*delivery]struct{}
}

// Publish routes body to every queue bound to exchange whose pattern matches routingKey.
func (s *Session) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publish canceled: %w", err)
	}
	if s.isClosed() {
		return errors.New("session closed")
	}
	if !s.broker.topo.HasExchange(exchange) {
		return fmt.Errorf("%w: %s", broker.ErrUnknownExchange, exchange)
	}
	msg := Message{Exchange: exchange, RoutingKey: routingKey, Body: append([]byte(nil), body...)}
	s.broker.record(msg)
	for _, name := range s.broker.topo.Route(exchange, routingKey) {
		s.broker.declare(name).push(msg, false)
	}
	return nil
}

// Receive waits up to timeout for the next message on queue.
func (s *Session) Receive(ctx context.Context, name string, timeout time.Duration) (broker.Delivery, error) {
	if s.isClosed() {
		return nil, errors.New("session closed")
	}
	if _, err := s.broker.topo.Queue(name); err != nil {
		return nil, err
	}
	q := s.broker.declare(name)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if m, ok := q.pop(); ok {
			d := &delivery{msg: m, queue: q, session: s}
			s.mu.Lock()
			s.unsettled[d] = struct{}{}
			s.mu.Unlock()
			return d, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("receive canceled: %w", ctx.Err())
		case <-timer.C:
			return nil, broker.ErrNoMessage
		case <-q.notify:
		}
	}
}

// Close requeues unsettled deliveries and closes the session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for d := range s.unsettled {
		d.settled = true
		d.queue.push(d.msg, true)
	}
	clear(s.unsettled)
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type delivery struct {
	msg     Message
	queue   *queue
	session *Session
	settled bool
}

func (d *delivery) Body() []byte       { return d.msg.Body }
func (d *delivery) RoutingKey() string { return d.msg.RoutingKey }

func (d *delivery) Ack() error {
	return d.settle(false)
}

func (d *delivery) Requeue() error {
	return d.settle(true)
}

func (d *delivery) settle(requeue bool) error {
	d.session.mu.Lock()
	defer d.session.mu.Unlock()
	if d.settled {
		return broker.ErrSettled
	}
	d.settled = true
	delete(d.session.unsettled, d)
	if requeue {
		d.queue.push(d.msg, true)
	}
	return nil
}
