// Package memory provides an in-process store for local runs and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/paulmach/orb"

	"github.com/JakeFAU/bonanza/internal/model"
	"github.com/JakeFAU/bonanza/internal/store"
)

type identity struct {
	source     model.Source
	externalID string
}

type measureKey struct {
	seriesID int64
	date     string
}

// Store implements store.Store in memory. One instance may be shared by every
// worker of a process.
type Store struct {
	mu       sync.Mutex
	txMu     sync.Mutex
	blocks   []model.CensusBlock
	listings map[identity]model.Listing
	state    analyticsState
}

type analyticsState struct {
	contexts    map[string]model.AnalyticContext
	series      map[model.SeriesKey]model.Series
	measures    map[measureKey]model.Measure
	nextContext int64
	nextSeries  int64
}

func (s analyticsState) clone() analyticsState {
	return analyticsState{
		contexts:    maps.Clone(s.contexts),
		series:      maps.Clone(s.series),
		measures:    maps.Clone(s.measures),
		nextContext: s.nextContext,
		nextSeries:  s.nextSeries,
	}
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		listings: make(map[identity]model.Listing),
		state: analyticsState{
			contexts: make(map[string]model.AnalyticContext),
			series:   make(map[model.SeriesKey]model.Series),
			measures: make(map[measureKey]model.Measure),
		},
	}
}

// Close is a no-op.
func (s *Store) Close() {}

// GetListing implements store.ListingStore.
func (s *Store) GetListing(_ context.Context, source model.Source, externalID string) (model.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[identity{source, externalID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneListing(l), nil
}

// FindBlock implements store.ListingStore.
func (s *Store) FindBlock(_ context.Context, p orb.Point) (model.BlockKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.blocks {
		if b.Contains(p) {
			return b.Key, nil
		}
	}
	return model.BlockKey{}, store.ErrNotFound
}

// SaveListing implements store.ListingStore.
func (s *Store) SaveListing(_ context.Context, l model.Listing) error {
	base := l.Base()
	if base.Source == "" || base.ExternalID == "" {
		return errors.New("listing identity is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := identity{base.Source, base.ExternalID}
	for other, prev := range s.listings {
		if base.Key != "" && other != id && prev.Base().Key == base.Key {
			return fmt.Errorf("save %s/%s: %w", base.Source, base.ExternalID, store.ErrKeyConflict)
		}
	}
	saved := cloneListing(l)
	if prev, ok := s.listings[id]; ok {
		saved.Base().CreatedAt = prev.Base().CreatedAt
	}
	s.listings[id] = saved
	return nil
}

// PutBlock implements store.BlockStore.
func (s *Store) PutBlock(_ context.Context, b model.CensusBlock) error {
	if !b.Key.Valid() {
		return fmt.Errorf("invalid block key %s", b.Key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.blocks {
		if s.blocks[i].Key == b.Key {
			s.blocks[i] = b
			return nil
		}
	}
	s.blocks = append(s.blocks, b)
	return nil
}

// ActiveBlocks implements store.BlockStore.
func (s *Store) ActiveBlocks(_ context.Context, since, until time.Time, offset, limit int) ([]store.BlockListings, error) {
	lo, hi := model.DateOf(since), model.DateOf(until)
	s.mu.Lock()
	grouped := make(map[model.BlockKey]map[model.Source][]string)
	for _, l := range s.listings {
		base := l.Base()
		created := model.DateOf(base.CreatedAt)
		if base.Block == nil || !created.After(lo) || created.After(hi) {
			continue
		}
		bySource, ok := grouped[*base.Block]
		if !ok {
			bySource = make(map[model.Source][]string)
			grouped[*base.Block] = bySource
		}
		bySource[base.Source] = append(bySource[base.Source], base.Key)
	}
	s.mu.Unlock()

	keys := slices.SortedFunc(maps.Keys(grouped), compareBlocks)
	if offset >= len(keys) {
		return nil, nil
	}
	keys = keys[offset:]
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]store.BlockListings, 0, len(keys))
	for _, k := range keys {
		bySource := grouped[k]
		for _, ids := range bySource {
			slices.Sort(ids)
		}
		out = append(out, store.BlockListings{Block: k, Listings: bySource})
	}
	return out, nil
}

// InTx implements store.AnalyticsStore. Transactions are serialized and a
// failed one restores the analytics state it started from.
func (s *Store) InTx(_ context.Context, fn func(tx store.AnalyticsTx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.state.clone()
	s.mu.Unlock()

	if err := fn(&tx{s: s}); err != nil {
		s.mu.Lock()
		s.state = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// Measures returns the measures of a series ordered by date.
func (s *Store) Measures(seriesID int64) []model.Measure {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Measure
	for _, m := range s.state.measures {
		if m.SeriesID == seriesID {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, func(a, b model.Measure) int { return a.Date.Compare(b.Date) })
	return out
}

// SeriesFor finds a series by context key and the remaining series fields.
func (s *Store) SeriesFor(contextKey, concept, feature string, durationDays int) (model.Series, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.state.contexts[contextKey]
	if !ok {
		return model.Series{}, false
	}
	series, ok := s.state.series[model.SeriesKey{ContextID: c.ID, Concept: concept, Feature: feature, DurationDays: durationDays}]
	return series, ok
}

type tx struct {
	s *Store
}

func (t *tx) ListingsByKeys(_ context.Context, keys []string) ([]model.Listing, error) {
	want := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		want[k] = struct{}{}
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var out []model.Listing
	for _, l := range t.s.listings {
		if _, ok := want[l.Base().Key]; ok {
			out = append(out, cloneListing(l))
		}
	}
	slices.SortFunc(out, func(a, b model.Listing) int { return strings.Compare(a.Base().Key, b.Base().Key) })
	return out, nil
}

func (t *tx) ResolveContext(_ context.Context, segments []model.Segment) (model.AnalyticContext, error) {
	if len(segments) == 0 {
		return model.AnalyticContext{}, errors.New("context needs at least one segment")
	}
	key := model.ContextKey(segments)
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if c, ok := t.s.state.contexts[key]; ok {
		return c, nil
	}
	t.s.state.nextContext++
	c := model.AnalyticContext{ID: t.s.state.nextContext, Key: key, Segments: slices.Clone(segments)}
	t.s.state.contexts[key] = c
	return c, nil
}

func (t *tx) ResolveSeries(_ context.Context, key model.SeriesKey) (model.Series, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if s, ok := t.s.state.series[key]; ok {
		return s, nil
	}
	t.s.state.nextSeries++
	s := model.Series{ID: t.s.state.nextSeries, SeriesKey: key}
	t.s.state.series[key] = s
	return s, nil
}

func (t *tx) PutMeasure(_ context.Context, m model.Measure) error {
	m.Date = model.DateOf(m.Date)
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.state.measures[measureKey{m.SeriesID, m.Date.Format(time.DateOnly)}] = m
	return nil
}

func compareBlocks(a, b model.BlockKey) int {
	return strings.Compare(a.GeoID(), b.GeoID())
}

func cloneListing(l model.Listing) model.Listing {
	switch v := l.(type) {
	case *model.RentalListing:
		c := *v
		return &c
	case *model.ForeclosureListing:
		c := *v
		return &c
	default:
		return l
	}
}
