package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/bonanza/internal/model"
	"github.com/JakeFAU/bonanza/internal/store"
)

// InTx implements store.AnalyticsStore.
func (s *Store) InTx(ctx context.Context, fn func(tx store.AnalyticsTx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&analyticsTx{q: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type analyticsTx struct {
	q querier
}

func (t *analyticsTx) ListingsByKeys(ctx context.Context, keys []string) ([]model.Listing, error) {
	rows, err := t.q.Query(ctx, `SELECT `+listingColumns+` FROM listing WHERE key = ANY($1) ORDER BY key`, keys)
	if err != nil {
		return nil, fmt.Errorf("query listings by key: %w", err)
	}
	return collectListings(rows)
}

func (t *analyticsTx) ResolveContext(ctx context.Context, segments []model.Segment) (model.AnalyticContext, error) {
	if len(segments) == 0 {
		return model.AnalyticContext{}, errors.New("context needs at least one segment")
	}
	for _, seg := range segments {
		if _, err := t.q.Exec(ctx, upsertSegment,
			seg.ID(), seg.Dimension(), string(seg.Kind()), seg.Value(), seg.Name(), seg.Rank()); err != nil {
			return model.AnalyticContext{}, fmt.Errorf("upsert segment %s: %w", seg.ID(), err)
		}
	}
	c := model.AnalyticContext{Key: model.ContextKey(segments), Segments: segments}
	err := t.q.QueryRow(ctx, `INSERT INTO analytic_context (key) VALUES ($1)
		ON CONFLICT (key) DO UPDATE SET key = EXCLUDED.key
		RETURNING id`, c.Key).Scan(&c.ID)
	if err != nil {
		return model.AnalyticContext{}, fmt.Errorf("resolve context %s: %w", c.Key, err)
	}
	for _, seg := range segments {
		if _, err := t.q.Exec(ctx, `INSERT INTO context_segment (context_id, segment_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, c.ID, seg.ID()); err != nil {
			return model.AnalyticContext{}, fmt.Errorf("link context segment: %w", err)
		}
	}
	return c, nil
}

func (t *analyticsTx) ResolveSeries(ctx context.Context, key model.SeriesKey) (model.Series, error) {
	s := model.Series{SeriesKey: key}
	err := t.q.QueryRow(ctx, `INSERT INTO series (context_id, concept, feature, duration_days)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (context_id, concept, feature, duration_days) DO UPDATE SET duration_days = EXCLUDED.duration_days
		RETURNING id`, key.ContextID, key.Concept, key.Feature, key.DurationDays).Scan(&s.ID)
	if err != nil {
		return model.Series{}, fmt.Errorf("resolve series: %w", err)
	}
	return s, nil
}

func (t *analyticsTx) PutMeasure(ctx context.Context, m model.Measure) error {
	_, err := t.q.Exec(ctx, `INSERT INTO measure (series_id, as_of, value)
		VALUES ($1, $2::date, $3::numeric)
		ON CONFLICT (series_id, as_of) DO UPDATE SET value = EXCLUDED.value`,
		m.SeriesID, m.Date.UTC().Format(time.DateOnly), m.Value.String())
	if err != nil {
		return fmt.Errorf("put measure: %w", err)
	}
	return nil
}

var _ store.Store = (*Store)(nil)
