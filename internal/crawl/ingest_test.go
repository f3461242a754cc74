package crawl_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bonanza/internal/broker"
	"github.com/JakeFAU/bonanza/internal/clock/fake"
	"github.com/JakeFAU/bonanza/internal/crawl"
	"github.com/JakeFAU/bonanza/internal/crawl/craigslist"
	"github.com/JakeFAU/bonanza/internal/hash/canonical"
	"github.com/JakeFAU/bonanza/internal/hash/sha256"
	"github.com/JakeFAU/bonanza/internal/model"
	"github.com/JakeFAU/bonanza/internal/store"
	storememory "github.com/JakeFAU/bonanza/internal/store/memory"
)

const austinListing = `{"PostingID": "123", "PostingTitle": "Sunny 2br", "PostingURL": "/apa/123.html",
	"PostedDate": 1420070400, "Latitude": 30.25, "Longitude": -97.75, "Bedrooms": "2", "Ask": "1500"}`

type ingestFixture struct {
	worker *crawl.IngestWorker
	store  *storememory.Store
	clock  *fake.Clock
}

func newIngestFixture(t *testing.T) ingestFixture {
	t.Helper()
	st := storememory.New()
	require.NoError(t, st.PutBlock(context.Background(), austinBlock()))
	clk := fake.New(epoch)
	return ingestFixture{
		store: st,
		clock: clk,
		worker: &crawl.IngestWorker{
			Task:    "craigslist-ingest",
			Sources: newRegistry(t),
			Store:   st,
			Hasher:  sha256.New(),
			Clock:   clk,
			Logger:  testLogger(),
		},
	}
}

func listingMessage(data string, token model.Token) crawl.ListingMessage {
	return crawl.ListingMessage{
		Token:        token,
		Source:       model.SourceCraigslist,
		Subdomain:    "austin",
		Data:         json.RawMessage(data),
		GeoclusterID: "g1",
	}
}

func TestIngestWorkerInsertsThenUpdates(t *testing.T) {
	t.Parallel()

	b := newTestBroker(t)
	s := b.NewSession()
	f := newIngestFixture(t)
	ctx := context.Background()

	d := deliver(t, s, "listings", craigslist.RoutingKeyListing, "craigslist_ingest", listingMessage(austinListing, model.Token{1}))
	require.NoError(t, f.worker.Handle(ctx, d))
	require.Zero(t, b.Depth("craigslist_ingest"))

	l, err := f.store.GetListing(ctx, model.SourceCraigslist, "123")
	require.NoError(t, err)
	base := l.Base()
	wantKey, err := canonical.Key(sha256.New(), []byte(austinListing))
	require.NoError(t, err)
	require.Equal(t, wantKey, base.Key)
	require.Len(t, base.Key, 64)
	require.Equal(t, austinBlock().Key, *base.Block)
	require.Equal(t, model.Token{1}, base.Token)
	require.Equal(t, "g1", base.GeoclusterID)
	require.Equal(t, epoch, base.CreatedAt)
	require.Equal(t, epoch, base.UpdatedAt)
	require.Equal(t, "1500", l.(*model.RentalListing).Ask.String())

	// The same posting seen again with a new price keeps its identity and creation time.
	f.clock.Advance(time.Hour)
	updated := `{"PostingID": "123", "PostingTitle": "Sunny 2br", "PostingURL": "/apa/123.html",
		"PostedDate": 1420070400, "Latitude": 30.25, "Longitude": -97.75, "Bedrooms": "2", "Ask": "1450"}`
	d = deliver(t, s, "listings", craigslist.RoutingKeyListing, "craigslist_ingest", listingMessage(updated, model.Token{2}))
	require.NoError(t, f.worker.Handle(ctx, d))

	l, err = f.store.GetListing(ctx, model.SourceCraigslist, "123")
	require.NoError(t, err)
	base = l.Base()
	require.NotEqual(t, wantKey, base.Key)
	require.Equal(t, epoch, base.CreatedAt)
	require.Equal(t, epoch.Add(time.Hour), base.UpdatedAt)
	require.Equal(t, model.Token{2}, base.Token)
	require.Equal(t, "1450", l.(*model.RentalListing).Ask.String())
}

func TestIngestWorkerKeyIgnoresFieldOrder(t *testing.T) {
	t.Parallel()

	b := newTestBroker(t)
	s := b.NewSession()
	f := newIngestFixture(t)
	ctx := context.Background()

	d := deliver(t, s, "listings", craigslist.RoutingKeyListing, "craigslist_ingest", listingMessage(austinListing, model.Token{1}))
	require.NoError(t, f.worker.Handle(ctx, d))
	first, err := f.store.GetListing(ctx, model.SourceCraigslist, "123")
	require.NoError(t, err)

	reordered := `{"Ask": "1500", "Bedrooms": "2", "Longitude": -97.75, "Latitude": 30.25,
		"PostedDate": 1420070400, "PostingURL": "/apa/123.html", "PostingTitle": "Sunny 2br", "PostingID": "123"}`
	d = deliver(t, s, "listings", craigslist.RoutingKeyListing, "craigslist_ingest", listingMessage(reordered, model.Token{1}))
	require.NoError(t, f.worker.Handle(ctx, d))
	second, err := f.store.GetListing(ctx, model.SourceCraigslist, "123")
	require.NoError(t, err)

	require.Equal(t, first.Base().Key, second.Base().Key)
}

func TestIngestWorkerDropsUnlocatableListing(t *testing.T) {
	t.Parallel()

	b := newTestBroker(t)
	s := b.NewSession()
	f := newIngestFixture(t)
	ctx := context.Background()

	outside := `{"PostingID": "9", "PostingTitle": "Far away", "PostingURL": "/apa/9.html",
		"PostedDate": 1420070400, "Latitude": 40.7, "Longitude": -74.0}`
	d := deliver(t, s, "listings", craigslist.RoutingKeyListing, "craigslist_ingest", listingMessage(outside, model.Token{1}))
	require.NoError(t, f.worker.Handle(ctx, d))
	require.Zero(t, b.Depth("craigslist_ingest"))

	_, err := f.store.GetListing(ctx, model.SourceCraigslist, "9")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestIngestWorkerDropsKeyConflict(t *testing.T) {
	t.Parallel()

	b := newTestBroker(t)
	s := b.NewSession()
	f := newIngestFixture(t)
	ctx := context.Background()

	key, err := canonical.Key(sha256.New(), []byte(austinListing))
	require.NoError(t, err)
	require.NoError(t, f.store.SaveListing(ctx, &model.RentalListing{ListingBase: model.ListingBase{
		Key:        key,
		Source:     model.SourceCraigslist,
		ExternalID: "other",
	}}))

	d := deliver(t, s, "listings", craigslist.RoutingKeyListing, "craigslist_ingest", listingMessage(austinListing, model.Token{1}))
	require.NoError(t, f.worker.Handle(ctx, d))
	require.Zero(t, b.Depth("craigslist_ingest"))

	_, err = f.store.GetListing(ctx, model.SourceCraigslist, "123")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestIngestWorkerDropsIncompleteListing(t *testing.T) {
	t.Parallel()

	b := newTestBroker(t)
	s := b.NewSession()
	f := newIngestFixture(t)
	ctx := context.Background()

	missing := `{"PostingID": "5", "PostingURL": "/apa/5.html", "Latitude": 30.25, "Longitude": -97.75}`
	d := deliver(t, s, "listings", craigslist.RoutingKeyListing, "craigslist_ingest", listingMessage(missing, model.Token{1}))
	require.NoError(t, f.worker.Handle(ctx, d))
	require.Zero(t, b.Depth("craigslist_ingest"))

	_, err := f.store.GetListing(ctx, model.SourceCraigslist, "5")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestIngestWorkerDropsUnknownSource(t *testing.T) {
	t.Parallel()

	b := newTestBroker(t)
	s := b.NewSession()
	f := newIngestFixture(t)

	msg := listingMessage(austinListing, model.Token{1})
	msg.Source = "zillow"
	d := deliver(t, s, "listings", craigslist.RoutingKeyListing, "craigslist_ingest", msg)
	require.NoError(t, f.worker.Handle(context.Background(), d))
	require.Zero(t, b.Depth("craigslist_ingest"))
	require.ErrorIs(t, d.Ack(), broker.ErrSettled)
}
