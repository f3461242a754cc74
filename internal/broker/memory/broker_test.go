package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bonanza/internal/broker"
)

func newTestBroker(t *testing.T, opts ...Option) *Broker {
	t.Helper()
	topo, err := broker.NewTopology(
		[]string{"requests", "listings"},
		[]broker.Queue{
			{Name: "search", Bindings: []broker.Binding{{Exchange: "requests", Pattern: "requests.craigslist.*"}}},
			{Name: "ingest", Bindings: []broker.Binding{{Exchange: "listings", Pattern: "listings.craigslist"}}},
		},
	)
	require.NoError(t, err)
	return New(topo, opts...)
}

func TestPublishRoutesAndReceives(t *testing.T) {
	t.Parallel()

	b := newTestBroker(t, WithHistory(10))
	s := b.NewSession()
	ctx := context.Background()

	require.NoError(t, s.Publish(ctx, "requests", "requests.craigslist.subdomain", []byte(`{"n":1}`)))
	require.NoError(t, s.Publish(ctx, "requests", "requests.homepath.results", []byte(`{"n":2}`)))
	require.Equal(t, 1, b.Depth("search"))
	require.Len(t, b.Published(), 2)

	d, err := s.Receive(ctx, "search", 10*time.Millisecond)
	require.NoError(t, err)
	require.JSONEq(t, `{"n":1}`, string(d.Body()))
	require.Equal(t, "requests.craigslist.subdomain", d.RoutingKey())
	require.NoError(t, d.Ack())
	require.ErrorIs(t, d.Ack(), broker.ErrSettled)

	_, err = s.Receive(ctx, "search", 10*time.Millisecond)
	require.ErrorIs(t, err, broker.ErrNoMessage)
}

func TestPublishUnknownExchange(t *testing.T) {
	t.Parallel()

	s := newTestBroker(t).NewSession()
	err := s.Publish(context.Background(), "analysis", "x", nil)
	require.ErrorIs(t, err, broker.ErrUnknownExchange)

	_, err = s.Receive(context.Background(), "nope", time.Millisecond)
	require.ErrorIs(t, err, broker.ErrUnknownQueue)
}

func TestRequeueRedeliversToAnotherSession(t *testing.T) {
	t.Parallel()

	b := newTestBroker(t)
	first, second := b.NewSession(), b.NewSession()
	ctx := context.Background()
	require.NoError(t, first.Publish(ctx, "listings", "listings.craigslist", []byte("x")))

	d, err := first.Receive(ctx, "ingest", 10*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, d.Requeue())
	require.ErrorIs(t, d.Requeue(), broker.ErrSettled)

	again, err := second.Receive(ctx, "ingest", 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "x", string(again.Body()))
	require.NoError(t, again.Ack())
	require.Zero(t, b.Depth("ingest"))
}

func TestCloseReturnsUnsettledDeliveries(t *testing.T) {
	t.Parallel()

	b := newTestBroker(t)
	s := b.NewSession()
	ctx := context.Background()
	require.NoError(t, s.Publish(ctx, "listings", "listings.craigslist", []byte("x")))

	d, err := s.Receive(ctx, "ingest", 10*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.Equal(t, 1, b.Depth("ingest"))
	require.ErrorIs(t, d.Ack(), broker.ErrSettled)
}

func TestReceiveWakesOnPublish(t *testing.T) {
	t.Parallel()

	b := newTestBroker(t)
	consumer, producer := b.NewSession(), b.NewSession()

	got := make(chan broker.Delivery, 1)
	go func() {
		d, err := consumer.Receive(context.Background(), "ingest", time.Second)
		if err == nil {
			got <- d
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, producer.Publish(context.Background(), "listings", "listings.craigslist", []byte("late")))

	select {
	case d := <-got:
		require.Equal(t, "late", string(d.Body()))
	case <-time.After(time.Second):
		t.Fatal("receive did not wake on publish")
	}
}

func TestReceiveHonorsContext(t *testing.T) {
	t.Parallel()

	s := newTestBroker(t).NewSession()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Receive(ctx, "ingest", time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

func TestHistoryIsOptInAndCapped(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	plain := newTestBroker(t)
	s := plain.NewSession()
	for range 100 {
		require.NoError(t, s.Publish(ctx, "listings", "listings.craigslist", []byte("x")))
		d, err := s.Receive(ctx, "ingest", 10*time.Millisecond)
		require.NoError(t, err)
		require.NoError(t, d.Ack())
	}
	require.Zero(t, plain.Depth("ingest"))
	require.Empty(t, plain.Published())

	capped := newTestBroker(t, WithHistory(2))
	s = capped.NewSession()
	for _, body := range []string{"a", "b", "c"} {
		require.NoError(t, s.Publish(ctx, "listings", "listings.craigslist", []byte(body)))
	}
	published := capped.Published()
	require.Len(t, published, 2)
	require.Equal(t, "b", string(published[0].Body))
	require.Equal(t, "c", string(published[1].Body))
}

func TestRequeueReturnsToFront(t *testing.T) {
	t.Parallel()

	b := newTestBroker(t)
	s := b.NewSession()
	ctx := context.Background()
	require.NoError(t, s.Publish(ctx, "listings", "listings.craigslist", []byte("first")))
	require.NoError(t, s.Publish(ctx, "listings", "listings.craigslist", []byte("second")))

	d, err := s.Receive(ctx, "ingest", 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "first", string(d.Body()))
	require.NoError(t, d.Requeue())

	again, err := s.Receive(ctx, "ingest", 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "first", string(again.Body()))
	require.NoError(t, again.Ack())
}
