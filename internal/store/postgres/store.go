// Package postgres implements the store gateway on Postgres with PostGIS.
package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/bonanza/internal/model"
)

//go:embed schema.sql
var schema string

// Config controls the connection pool. Each worker opens its own Store, so
// MaxConns is normally 1.
type Config struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

type dbConn interface {
	querier
	Begin(context.Context) (pgx.Tx, error)
	SendBatch(context.Context, *pgx.Batch) pgx.BatchResults
	Close()
}

// Store implements store.Store.
type Store struct {
	db dbConn
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{db: pool}, nil
}

// NewWithConn wraps an existing pool (primarily for testing).
func NewWithConn(db dbConn) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{db: db}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// SeedTaxonomy upserts the dimensions, fixed segments, concepts and features of t.
func (s *Store) SeedTaxonomy(ctx context.Context, t model.Taxonomy) error {
	batch := &pgx.Batch{}
	for _, d := range t.Dimensions {
		batch.Queue(`INSERT INTO dimension (slug, name) VALUES ($1, $2)
			ON CONFLICT (slug) DO UPDATE SET name = EXCLUDED.name`, d.Slug, d.Name)
		for _, seg := range d.Segments {
			queueSegment(batch, seg)
		}
	}
	for _, c := range t.Concepts {
		batch.Queue(`INSERT INTO concept (slug, name) VALUES ($1, $2)
			ON CONFLICT (slug) DO UPDATE SET name = EXCLUDED.name`, c.Slug(), c.Name())
	}
	for _, f := range t.Features {
		batch.Queue(`INSERT INTO feature (slug, name) VALUES ($1, $2)
			ON CONFLICT (slug) DO UPDATE SET name = EXCLUDED.name`, f.Slug(), f.Name())
	}
	if err := s.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("seed taxonomy: %w", err)
	}
	return nil
}

const upsertSegment = `INSERT INTO segment (id, dimension, kind, value, name, rank)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, rank = EXCLUDED.rank`

func queueSegment(b *pgx.Batch, seg model.Segment) {
	b.Queue(upsertSegment, seg.ID(), seg.Dimension(), string(seg.Kind()), seg.Value(), seg.Name(), seg.Rank())
}
