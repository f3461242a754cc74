package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/paulmach/orb/encoding/wkb"

	"github.com/JakeFAU/bonanza/internal/model"
	"github.com/JakeFAU/bonanza/internal/store"
)

// PutBlock implements store.BlockStore.
func (s *Store) PutBlock(ctx context.Context, b model.CensusBlock) error {
	if !b.Key.Valid() {
		return fmt.Errorf("invalid block key %s", b.Key)
	}
	geom, err := wkb.Marshal(b.Geometry)
	if err != nil {
		return fmt.Errorf("encode block geometry: %w", err)
	}
	_, err = s.db.Exec(ctx, `INSERT INTO census_block (state, county, tract, block, geom)
		VALUES ($1, $2, $3, $4, ST_Multi(ST_GeomFromWKB($5, 4326)))
		ON CONFLICT (state, county, tract, block) DO UPDATE SET geom = EXCLUDED.geom`,
		b.Key.State, b.Key.County, b.Key.Tract, b.Key.Block, geom)
	if err != nil {
		return fmt.Errorf("upsert block %s: %w", b.Key, err)
	}
	return nil
}

const activeBlocksQuery = `WITH page AS (
	SELECT DISTINCT block_state, block_county, block_tract, block_block
	FROM listing
	WHERE block_state IS NOT NULL
		AND (created_at AT TIME ZONE 'UTC')::date > $1::date
		AND (created_at AT TIME ZONE 'UTC')::date <= $2::date
	ORDER BY 1, 2, 3, 4
	OFFSET $3 LIMIT $4
)
SELECT l.block_state, l.block_county, l.block_tract, l.block_block, l.source, array_agg(l.key ORDER BY l.key)
FROM listing l
JOIN page p USING (block_state, block_county, block_tract, block_block)
WHERE (l.created_at AT TIME ZONE 'UTC')::date > $1::date
	AND (l.created_at AT TIME ZONE 'UTC')::date <= $2::date
GROUP BY 1, 2, 3, 4, 5
ORDER BY 1, 2, 3, 4, 5`

// ActiveBlocks implements store.BlockStore.
func (s *Store) ActiveBlocks(ctx context.Context, since, until time.Time, offset, limit int) ([]store.BlockListings, error) {
	rows, err := s.db.Query(ctx, activeBlocksQuery,
		since.UTC().Format(time.DateOnly), until.UTC().Format(time.DateOnly), offset, limit)
	if err != nil {
		return nil, fmt.Errorf("query active blocks: %w", err)
	}
	defer rows.Close()

	var out []store.BlockListings
	for rows.Next() {
		var (
			k      model.BlockKey
			source string
			keys   []string
		)
		if err := rows.Scan(&k.State, &k.County, &k.Tract, &k.Block, &source, &keys); err != nil {
			return nil, fmt.Errorf("scan active block: %w", err)
		}
		if n := len(out); n == 0 || out[n-1].Block != k {
			out = append(out, store.BlockListings{Block: k, Listings: make(map[model.Source][]string)})
		}
		out[len(out)-1].Listings[model.Source(source)] = keys
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active blocks: %w", err)
	}
	return out, nil
}
