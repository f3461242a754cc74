package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/paulmach/orb"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bonanza/internal/model"
	"github.com/JakeFAU/bonanza/internal/store"
)

var austin = model.BlockKey{State: "48", County: "453", Tract: "0017", Block: "1"}

func ptr[T any](v T) *T { return &v }

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s, err := NewWithConn(mock)
	require.NoError(t, err)
	return s, mock
}

var listingCols = []string{
	"source", "external_id", "key", "kind", "title", "url", "posted_date",
	"st_x", "st_y", "raw", "token", "geocluster_id",
	"block_state", "block_county", "block_tract", "block_block",
	"subdomain", "bedrooms", "bathrooms", "price", "status", "property_type",
	"street", "city", "region", "image_url", "created_at", "updated_at",
}

func TestNewWithConnRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithConn(nil)
	require.Error(t, err)
}

func TestMigrateAppliesSchema(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec("CREATE EXTENSION IF NOT EXISTS postgis").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveListingUpserts(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	now := time.Date(2015, 1, 5, 10, 0, 0, 0, time.UTC)
	ask := decimal.RequireFromString("1500.00")
	l := &model.RentalListing{
		ListingBase: model.ListingBase{
			Key:        "abc",
			Source:     model.SourceCraigslist,
			ExternalID: "42",
			Title:      "Cozy 2br",
			URL:        "https://austin.craigslist.org/apa/42.html",
			PostedDate: now,
			Location:   orb.Point{-97.75, 30.25},
			Raw:        []byte(`{"PostingID":42}`),
			Token:      model.Token{1, 2, 3},
			Block:      &austin,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		Subdomain: "austin",
		Bedrooms:  ptr(2),
		Ask:       &ask,
	}
	token := model.Token{1, 2, 3}

	mock.ExpectExec("INSERT INTO listing").
		WithArgs(
			"craigslist", "42", "abc", "rental", "Cozy 2br", "https://austin.craigslist.org/apa/42.html", now,
			-97.75, 30.25, []byte(`{"PostingID":42}`), token[:], "",
			ptr("48"), ptr("453"), ptr("0017"), ptr("1"),
			"austin", ptr(2), (*string)(nil), ptr("1500"), "", "",
			"", "", "", "", now, now,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.SaveListing(context.Background(), l))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveListingKeyConflict(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	now := time.Date(2015, 1, 5, 10, 0, 0, 0, time.UTC)
	l := &model.RentalListing{ListingBase: model.ListingBase{
		Key:        "abc",
		Source:     model.SourceCraigslist,
		ExternalID: "43",
		CreatedAt:  now,
		UpdatedAt:  now,
	}}
	mock.ExpectExec("INSERT INTO listing").
		WillReturnError(&pgconn.PgError{Code: "23505", Detail: "Key (key)=(abc) already exists."})

	err := s.SaveListing(context.Background(), l)
	require.ErrorIs(t, err, store.ErrKeyConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetListingScansForeclosure(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	now := time.Date(2015, 1, 5, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery("FROM listing WHERE source").
		WithArgs("homepath", "900").
		WillReturnRows(pgxmock.NewRows(listingCols).AddRow(
			"homepath", "900", "k", "foreclosure", "", "https://www.homepath.com/listing/900", now,
			-97.7, 30.2, []byte(`{}`), make([]byte, 16), "",
			ptr("48"), ptr("453"), ptr("0017"), ptr("1"),
			"", ptr(3), ptr("2.5"), ptr("125000"), "active", "Single Family",
			"1 Main St", "Austin", "TX", "", now, now,
		))

	got, err := s.GetListing(context.Background(), model.SourceHomepath, "900")
	require.NoError(t, err)
	f, ok := got.(*model.ForeclosureListing)
	require.True(t, ok)
	require.Equal(t, 3, *f.Beds)
	require.Equal(t, "2.5", f.Baths.String())
	require.Equal(t, "125000", f.Price.String())
	require.Equal(t, "TX", f.State)
	require.Equal(t, austin, *f.Block)
	require.Equal(t, orb.Point{-97.7, 30.2}, f.Location)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetListingNotFound(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectQuery("FROM listing WHERE source").
		WithArgs("craigslist", "missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetListing(context.Background(), model.SourceCraigslist, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindBlock(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectQuery("ST_Contains").
		WithArgs(-97.75, 30.25).
		WillReturnRows(pgxmock.NewRows([]string{"state", "county", "tract", "block"}).AddRow("48", "453", "0017", "1"))
	mock.ExpectQuery("ST_Contains").
		WithArgs(0.0, 0.0).
		WillReturnError(pgx.ErrNoRows)

	key, err := s.FindBlock(context.Background(), orb.Point{-97.75, 30.25})
	require.NoError(t, err)
	require.Equal(t, austin, key)

	_, err = s.FindBlock(context.Background(), orb.Point{0, 0})
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPutBlockEncodesWKB(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	geom := orb.MultiPolygon{{{{0, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 0}}}}
	mock.ExpectExec("INSERT INTO census_block").
		WithArgs("48", "453", "0017", "1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.PutBlock(context.Background(), model.CensusBlock{Key: austin, Geometry: geom}))
	require.Error(t, s.PutBlock(context.Background(), model.CensusBlock{Key: model.BlockKey{State: "48"}}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActiveBlocksGroupsBySource(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	other := model.BlockKey{State: "48", County: "453", Tract: "0018", Block: "2"}
	mock.ExpectQuery("WITH page AS").
		WithArgs("2015-01-02", "2015-02-01", 0, 500).
		WillReturnRows(pgxmock.NewRows([]string{"block_state", "block_county", "block_tract", "block_block", "source", "keys"}).
			AddRow("48", "453", "0017", "1", "craigslist", []string{"a", "b"}).
			AddRow("48", "453", "0017", "1", "homepath", []string{"h"}).
			AddRow("48", "453", "0018", "2", "craigslist", []string{"c"}))

	asOf := time.Date(2015, 2, 1, 0, 0, 0, 0, time.UTC)
	got, err := s.ActiveBlocks(context.Background(), asOf.AddDate(0, 0, -30), asOf, 0, 500)
	require.NoError(t, err)
	require.Equal(t, []store.BlockListings{
		{Block: austin, Listings: map[model.Source][]string{
			model.SourceCraigslist: {"a", "b"},
			model.SourceHomepath:   {"h"},
		}},
		{Block: other, Listings: map[model.Source][]string{model.SourceCraigslist: {"c"}}},
	}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInTxCommitsAnalyticsWrites(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	seg := model.BlockSegment{Key: austin}
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO segment").
		WithArgs("cb-4845300171", "census_block", "census_block", "4845300171", "Census Block 4845300171", 0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("INSERT INTO analytic_context").
		WithArgs("cb-4845300171").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec("INSERT INTO context_segment").
		WithArgs(int64(7), "cb-4845300171").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("INSERT INTO series").
		WithArgs(int64(7), "median", "rent-ask", 7).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(11)))
	mock.ExpectExec("INSERT INTO measure").
		WithArgs(int64(11), "2015-02-01", "1500").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	ctx := context.Background()
	err := s.InTx(ctx, func(tx store.AnalyticsTx) error {
		c, err := tx.ResolveContext(ctx, []model.Segment{seg})
		if err != nil {
			return err
		}
		series, err := tx.ResolveSeries(ctx, model.SeriesKey{ContextID: c.ID, Concept: "median", Feature: "rent-ask", DurationDays: 7})
		if err != nil {
			return err
		}
		return tx.PutMeasure(ctx, model.Measure{
			SeriesID: series.ID,
			Date:     time.Date(2015, 2, 1, 0, 0, 0, 0, time.UTC),
			Value:    decimal.NewFromInt(1500),
		})
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInTxRollsBackOnError(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := s.InTx(context.Background(), func(store.AnalyticsTx) error { return boom })
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}
