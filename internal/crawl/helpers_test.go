package crawl_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/bonanza/internal/broker"
	"github.com/JakeFAU/bonanza/internal/broker/memory"
	"github.com/JakeFAU/bonanza/internal/crawl"
	"github.com/JakeFAU/bonanza/internal/crawl/craigslist"
	"github.com/JakeFAU/bonanza/internal/crawl/homepath"
	collyfetcher "github.com/JakeFAU/bonanza/internal/fetcher/colly"
	"github.com/JakeFAU/bonanza/internal/model"
)

var epoch = time.Date(2015, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestBroker(t *testing.T) *memory.Broker {
	t.Helper()
	topo, err := broker.NewTopology(
		[]string{"requests", "listings"},
		[]broker.Queue{
			{Name: "craigslist_search", Bindings: []broker.Binding{{Exchange: "requests", Pattern: "requests.craigslist.#"}}},
			{Name: "craigslist_ingest", Bindings: []broker.Binding{{Exchange: "listings", Pattern: "listings.craigslist"}}},
			{Name: "homepath_search", Bindings: []broker.Binding{{Exchange: "requests", Pattern: "requests.homepath.#"}}},
		},
	)
	require.NoError(t, err)
	return memory.New(topo, memory.WithHistory(1000))
}

func newRegistry(t *testing.T) crawl.Registry {
	t.Helper()
	r, err := crawl.NewRegistry(craigslist.New(), homepath.New())
	require.NoError(t, err)
	return r
}

// deliver publishes v and receives it back from queue.
func deliver(t *testing.T, s *memory.Session, exchange, key, queue string, v any) broker.Delivery {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, broker.PublishJSON(ctx, s, exchange, key, v))
	d, err := s.Receive(ctx, queue, 50*time.Millisecond)
	require.NoError(t, err)
	return d
}

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(body, &v))
	return v
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls []collyfetcher.Request
	fn    func(collyfetcher.Request) (collyfetcher.Response, error)
}

func (f *fakeFetcher) Fetch(_ context.Context, req collyfetcher.Request) (collyfetcher.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.fn(req)
}

func (f *fakeFetcher) Calls() []collyfetcher.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]collyfetcher.Request(nil), f.calls...)
}

func respond(body string) func(collyfetcher.Request) (collyfetcher.Response, error) {
	return func(req collyfetcher.Request) (collyfetcher.Response, error) {
		return collyfetcher.Response{URL: req.URL, StatusCode: 200, Body: []byte(body), Duration: time.Millisecond}, nil
	}
}

type fixedTokens struct {
	token model.Token
}

func (f fixedTokens) NewToken() (model.Token, error) {
	return f.token, nil
}

// austinBlock is a small square around downtown Austin.
func austinBlock() model.CensusBlock {
	ring := orb.Ring{{-97.8, 30.2}, {-97.7, 30.2}, {-97.7, 30.3}, {-97.8, 30.3}, {-97.8, 30.2}}
	return model.CensusBlock{
		Key:      model.BlockKey{State: "48", County: "453", Tract: "0017", Block: "1"},
		Geometry: orb.MultiPolygon{{ring}},
	}
}

func testLogger() *zap.Logger {
	return zap.NewNop()
}
