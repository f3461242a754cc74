// Package store declares the persistence gateway for listings, census blocks
// and analytics. Implementations live in subpackages; this package must not
// import database drivers or concrete clients.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/paulmach/orb"

	"github.com/JakeFAU/bonanza/internal/model"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrKeyConflict signals that a listing key is already held by a listing
// with a different source identity.
var ErrKeyConflict = errors.New("listing key already stored")

// BlockListings names a census block and the keys of its recent listings, grouped by source.
type BlockListings struct {
	Block    model.BlockKey
	Listings map[model.Source][]string
}

// ListingStore persists listings keyed by (source, external id).
type ListingStore interface {
	// GetListing returns ErrNotFound when no listing has the identity.
	GetListing(ctx context.Context, source model.Source, externalID string) (model.Listing, error)
	// FindBlock returns the first census block containing p, or ErrNotFound.
	FindBlock(ctx context.Context, p orb.Point) (model.BlockKey, error)
	// SaveListing inserts or replaces the listing with the same identity.
	// It returns ErrKeyConflict when another identity already holds the key.
	// CreatedAt of an existing row is preserved.
	SaveListing(ctx context.Context, l model.Listing) error
}

// BlockStore holds census block reference data.
type BlockStore interface {
	PutBlock(ctx context.Context, b model.CensusBlock) error
	// ActiveBlocks pages through blocks holding at least one listing created on
	// a date d with since < d <= until. Blocks are ordered by key.
	ActiveBlocks(ctx context.Context, since, until time.Time, offset, limit int) ([]BlockListings, error)
}

// AnalyticsStore runs analytics writes atomically.
type AnalyticsStore interface {
	// InTx commits when fn returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(tx AnalyticsTx) error) error
}

// AnalyticsTx is the view of the store inside one transaction.
type AnalyticsTx interface {
	ListingsByKeys(ctx context.Context, keys []string) ([]model.Listing, error)
	// ResolveContext returns the context for the segment set, creating it and
	// any missing segments on first use.
	ResolveContext(ctx context.Context, segments []model.Segment) (model.AnalyticContext, error)
	ResolveSeries(ctx context.Context, key model.SeriesKey) (model.Series, error)
	// PutMeasure replaces any value already recorded for the series and date.
	PutMeasure(ctx context.Context, m model.Measure) error
}

// Store is the full gateway a worker is handed.
type Store interface {
	ListingStore
	BlockStore
	AnalyticsStore
	Close()
}
