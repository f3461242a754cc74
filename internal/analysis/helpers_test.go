package analysis_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bonanza/internal/broker"
	"github.com/JakeFAU/bonanza/internal/broker/memory"
	"github.com/JakeFAU/bonanza/internal/model"
	storememory "github.com/JakeFAU/bonanza/internal/store/memory"
)

var (
	austin        = model.BlockKey{State: "48", County: "453", Tract: "0017", Block: "1"}
	houston       = model.BlockKey{State: "48", County: "201", Tract: "0100", Block: "2"}
	analysisQueue = "analysis_census_blocks"
)

func newTestBroker(t *testing.T) *memory.Broker {
	t.Helper()
	topo, err := broker.NewTopology(
		[]string{"requests", "listings", "analysis"},
		[]broker.Queue{
			{Name: "craigslist_search", Bindings: []broker.Binding{{Exchange: "requests", Pattern: "requests.craigslist.#"}}},
			{Name: "craigslist_ingest", Bindings: []broker.Binding{{Exchange: "listings", Pattern: "listings.craigslist"}}},
			{Name: analysisQueue, Bindings: []broker.Binding{{Exchange: "analysis", Pattern: "analysis.census_blocks.#"}}},
		},
	)
	require.NoError(t, err)
	return memory.New(topo, memory.WithHistory(1000))
}

func day(d int) time.Time {
	return time.Date(2015, 1, d, 9, 30, 0, 0, time.UTC)
}

type rental struct {
	key      string
	block    model.BlockKey
	created  time.Time
	bedrooms int
	ask      string
}

func saveRentals(t *testing.T, st *storememory.Store, rentals ...rental) {
	t.Helper()
	for _, r := range rentals {
		block := r.block
		l := &model.RentalListing{
			ListingBase: model.ListingBase{
				Key:        r.key,
				Source:     model.SourceCraigslist,
				ExternalID: r.key,
				Block:      &block,
				CreatedAt:  r.created,
				UpdatedAt:  r.created,
			},
		}
		if r.bedrooms > 0 {
			n := r.bedrooms
			l.Bedrooms = &n
		}
		if r.ask != "" {
			d := decimal.RequireFromString(r.ask)
			l.Ask = &d
		}
		require.NoError(t, st.SaveListing(context.Background(), l))
	}
}

// measure returns the single measure of the series, failing if there is not exactly one.
func measure(t *testing.T, st *storememory.Store, segmentID string, days int) decimal.Decimal {
	t.Helper()
	key := model.ContextKey([]model.Segment{model.BlockSegment{Key: austin}, segmentByID(t, segmentID)})
	series, ok := st.SeriesFor(key, model.ConceptMedian, model.FeatureRentAsk, days)
	require.True(t, ok, "series for %s over %d days", key, days)
	ms := st.Measures(series.ID)
	require.Len(t, ms, 1)
	return ms[0].Value
}

func segmentByID(t *testing.T, id string) model.Segment {
	t.Helper()
	dim, err := model.DefaultTaxonomy().Dimension(model.DimensionBedrooms)
	require.NoError(t, err)
	for _, s := range dim.Segments {
		if s.ID() == id {
			return s
		}
	}
	t.Fatalf("no segment %s", id)
	return nil
}

func decimalOf(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}
