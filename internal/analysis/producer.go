package analysis

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bonanza/internal/broker"
	"github.com/JakeFAU/bonanza/internal/clock"
	"github.com/JakeFAU/bonanza/internal/model"
	"github.com/JakeFAU/bonanza/internal/store"
)

// Defaults for BlockProducer.
const (
	DefaultLookbackDays = 30
	DefaultPageSize     = 500
)

// BlockProducer publishes one AnalyzeBlock per block and listing type for
// every block holding listings created within the lookback window.
type BlockProducer struct {
	Store        store.BlockStore
	Session      broker.Session
	Exchange     string
	ListingTypes ListingTypes
	LookbackDays int
	PageSize     int
	Clock        clock.Clock
	Logger       *zap.Logger
}

// Produce implements task.Producer.
func (p *BlockProducer) Produce(ctx context.Context) error {
	lookback := p.LookbackDays
	if lookback <= 0 {
		lookback = DefaultLookbackDays
	}
	pageSize := p.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	asOf := model.DateOf(p.Clock.Now())
	since := asOf.AddDate(0, 0, -lookback)
	types := p.sortedTypes()

	published := 0
	for offset := 0; ; offset += pageSize {
		page, err := p.Store.ActiveBlocks(ctx, since, asOf, offset, pageSize)
		if err != nil {
			return fmt.Errorf("list active blocks: %w", err)
		}
		for _, b := range page {
			if ctx.Err() != nil {
				return nil
			}
			n, err := p.publishBlock(ctx, b, asOf, types)
			if err != nil {
				return err
			}
			published += n
		}
		if len(page) < pageSize {
			break
		}
	}
	p.Logger.Info("enqueued census blocks",
		zap.String("as_of", asOf.Format(time.DateOnly)),
		zap.Int("messages", published),
	)
	return nil
}

func (p *BlockProducer) publishBlock(ctx context.Context, b store.BlockListings, asOf time.Time, types []string) (int, error) {
	n := 0
	for _, lt := range types {
		msg := AnalyzeBlock{
			ListingType: lt,
			Date:        asOf.Format(time.DateOnly),
			CensusBlock: b.Block,
			Listings:    make(map[model.Source][]string),
		}
		for _, src := range p.ListingTypes[lt] {
			if keys := b.Listings[src]; len(keys) > 0 {
				msg.Listings[src] = keys
			}
		}
		if len(msg.Listings) == 0 {
			continue
		}
		p.Logger.Debug("enqueueing block",
			zap.Stringer("block", b.Block),
			zap.String("listing_type", lt),
		)
		if err := broker.PublishJSON(ctx, p.Session, p.Exchange, msg.RoutingKey(), msg); err != nil {
			return n, fmt.Errorf("publish block %s: %w", b.Block, err)
		}
		n++
	}
	return n, nil
}

func (p *BlockProducer) sortedTypes() []string {
	types := make([]string, 0, len(p.ListingTypes))
	for lt := range p.ListingTypes {
		types = append(types, lt)
	}
	slices.Sort(types)
	return types
}
