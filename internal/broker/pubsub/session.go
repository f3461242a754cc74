// Package pubsub implements broker.Session on Google Cloud Pub/Sub.
//
// Each exchange maps to a topic and each queue to a subscription on that
// topic. Routing keys travel as the "routing_key" attribute and bindings
// become subscription filters.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/JakeFAU/bonanza/internal/broker"
)

// RoutingKeyAttribute carries the routing key on every message.
const RoutingKeyAttribute = "routing_key"

// Session publishes and receives through one Pub/Sub client.
type Session struct {
	client    *pubsub.Client
	projectID string
	topo      *broker.Topology
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	declared   map[string]bool
	publishers map[string]*pubsub.Publisher
	inboxes    map[string]chan *pubsub.Message
}

// New creates a client for projectID and wraps it in a Session.
func New(ctx context.Context, projectID string, topo *broker.Topology, logger *zap.Logger) (*Session, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return NewWithClient(client, projectID, topo, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *pubsub.Client, projectID string, topo *broker.Topology, logger *zap.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		client:     client,
		projectID:  projectID,
		topo:       topo,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		declared:   make(map[string]bool),
		publishers: make(map[string]*pubsub.Publisher),
		inboxes:    make(map[string]chan *pubsub.Message),
	}
}

// Publish ensures the topic and its subscriptions exist, then publishes body
// and waits for the server id.
func (s *Session) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	if !s.topo.HasExchange(exchange) {
		return fmt.Errorf("%w: %s", broker.ErrUnknownExchange, exchange)
	}
	pub, err := s.publisher(ctx, exchange)
	if err != nil {
		return err
	}
	msg := &pubsub.Message{
		Data:       body,
		Attributes: map[string]string{RoutingKeyAttribute: routingKey},
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})
	if _, err := pub.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// Receive waits up to timeout for a message on the queue's subscription.
func (s *Session) Receive(ctx context.Context, queue string, timeout time.Duration) (broker.Delivery, error) {
	inbox, err := s.inbox(ctx, queue)
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
	case m := <-inbox:
		return &delivery{m: m}, nil
	}
}

// Close stops receivers and publishers and closes the client.
func (s *Session) Close() error {
	s.cancel()
	s.wg.Wait()
	s.mu.Lock()
	for _, p := range s.publishers {
		p.Stop()
	}
	s.mu.Unlock()
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

func (s *Session) publisher(ctx context.Context, exchange string) (*pubsub.Publisher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.publishers[exchange]; ok {
		return p, nil
	}
	if err := s.declareTopic(ctx, exchange); err != nil {
		return nil, err
	}
	for _, q := range s.topo.BoundTo(exchange) {
		if err := s.declareSubscription(ctx, q); err != nil {
			return nil, err
		}
	}
	p := s.client.Publisher(s.topicName(exchange))
	s.publishers[exchange] = p
	return p, nil
}

// inbox starts one background receiver per queue. MaxOutstandingMessages of
// one keeps a single message in flight per session.
func (s *Session) inbox(ctx context.Context, queue string) (chan *pubsub.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in, ok := s.inboxes[queue]; ok {
		return in, nil
	}
	q, err := s.topo.Queue(queue)
	if err != nil {
		return nil, err
	}
	if err := s.declareSubscription(ctx, q); err != nil {
		return nil, err
	}
	in := make(chan *pubsub.Message)
	sub := s.client.Subscriber(s.subscriptionName(queue))
	sub.ReceiveSettings.MaxOutstandingMessages = 1
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := sub.Receive(s.ctx, func(_ context.Context, m *pubsub.Message) {
			select {
			case in <- m:
			case <-s.ctx.Done():
				m.Nack()
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("pubsub receive stopped", zap.String("queue", queue), zap.Error(err))
		}
	}()
	s.inboxes[queue] = in
	return in, nil
}

func (s *Session) declareTopic(ctx context.Context, exchange string) error {
	name := s.topicName(exchange)
	if s.declared[name] {
		return nil
	}
	_, err := s.client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: name})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("create topic %s: %w", exchange, err)
	}
	s.declared[name] = true
	return nil
}

func (s *Session) declareSubscription(ctx context.Context, q broker.Queue) error {
	name := s.subscriptionName(q.Name)
	if s.declared[name] {
		return nil
	}
	if len(q.Bindings) != 1 {
		return fmt.Errorf("queue %s: pubsub subscriptions bind exactly one exchange", q.Name)
	}
	b := q.Bindings[0]
	filter, err := Filter(b.Pattern)
	if err != nil {
		return fmt.Errorf("queue %s: %w", q.Name, err)
	}
	if err := s.declareTopic(ctx, b.Exchange); err != nil {
		return err
	}
	_, err = s.client.SubscriptionAdminClient.CreateSubscription(ctx, &pubsubpb.Subscription{
		Name:               name,
		Topic:              s.topicName(b.Exchange),
		Filter:             filter,
		AckDeadlineSeconds: 60,
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("create subscription %s: %w", q.Name, err)
	}
	s.declared[name] = true
	return nil
}

func (s *Session) topicName(exchange string) string {
	return fmt.Sprintf("projects/%s/topics/%s", s.projectID, exchange)
}

func (s *Session) subscriptionName(queue string) string {
	return fmt.Sprintf("projects/%s/subscriptions/%s", s.projectID, queue)
}

// Filter translates a topic binding pattern into a subscription filter.
// Only exact keys, "prefix.#" and "#" can be expressed.
func Filter(pattern string) (string, error) {
	switch {
	case pattern == "#":
		return "", nil
	case strings.HasSuffix(pattern, ".#") && !strings.ContainsAny(strings.TrimSuffix(pattern, ".#"), "*#"):
		// "#" also matches zero words, so the bare prefix is included.
		prefix := strings.TrimSuffix(pattern, ".#")
		return fmt.Sprintf("attributes.%[1]s = %[2]s OR hasPrefix(attributes.%[1]s, %[3]s)",
			RoutingKeyAttribute, strconv.Quote(prefix), strconv.Quote(prefix+".")), nil
	case !strings.ContainsAny(pattern, "*#"):
		return fmt.Sprintf("attributes.%s = %s", RoutingKeyAttribute, strconv.Quote(pattern)), nil
	default:
		return "", fmt.Errorf("binding pattern %q cannot be expressed as a pubsub filter", pattern)
	}
}

type delivery struct {
	mu      sync.Mutex
	m       *pubsub.Message
	settled bool
}

func (d *delivery) Body() []byte       { return d.m.Data }
func (d *delivery) RoutingKey() string { return d.m.Attributes[RoutingKeyAttribute] }

func (d *delivery) Ack() error {
	return d.settle(d.m.Ack)
}

func (d *delivery) Requeue() error {
	return d.settle(d.m.Nack)
}

func (d *delivery) settle(fn func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return broker.ErrSettled
	}
	fn()
	d.settled = true
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
