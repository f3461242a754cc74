package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/bonanza/internal/broker"
	"github.com/JakeFAU/bonanza/internal/model"
	"github.com/JakeFAU/bonanza/internal/store"
	"github.com/JakeFAU/bonanza/internal/task"
	"github.com/JakeFAU/bonanza/internal/telemetry"
)

// Failure policies for a block whose transaction fails.
const (
	OnErrorStop    = "stop"
	OnErrorRequeue = "requeue"
)

// DefaultDurations are the trailing windows, in days, computed for every segment.
var DefaultDurations = []int{1, 7, 14, 28}

// BlockAnalysisWorker computes one measure per segment and duration for a
// block. All writes for a message commit together or not at all.
type BlockAnalysisWorker struct {
	Task         string
	Store        store.AnalyticsStore
	Dimension    model.Dimension
	Concept      model.Concept
	Feature      model.Feature
	Durations    []int
	ListingTypes ListingTypes
	OnError      string
	Logger       *zap.Logger
}

// Handle implements task.Handler.
func (w *BlockAnalysisWorker) Handle(ctx context.Context, d broker.Delivery) error {
	ctx, span := telemetry.StartSpan(ctx, "analysis.block", attribute.String("routing_key", d.RoutingKey()))
	defer span.End()

	var msg AnalyzeBlock
	if err := json.Unmarshal(d.Body(), &msg); err != nil {
		w.Logger.Warn("dropping undecodable block message", zap.Error(err))
		return task.Settle(d, w.Task, telemetry.OutcomeDrop)
	}
	log := w.Logger.With(
		zap.Stringer("block", msg.CensusBlock),
		zap.String("as_of", msg.Date),
		zap.String("listing_type", msg.ListingType),
	)
	asOf, err := msg.AsOf()
	if err != nil {
		log.Warn("dropping block message", zap.Error(err))
		return task.Settle(d, w.Task, telemetry.OutcomeDrop)
	}
	if !msg.CensusBlock.Valid() {
		log.Warn("dropping block message without a census block")
		return task.Settle(d, w.Task, telemetry.OutcomeDrop)
	}
	sources, ok := w.ListingTypes[msg.ListingType]
	if !ok {
		log.Warn("dropping block message for unhandled listing type")
		return task.Settle(d, w.Task, telemetry.OutcomeDrop)
	}
	keys := msg.Keys(sources)

	work := context.WithoutCancel(ctx)
	var written int
	err = w.Store.InTx(work, func(tx store.AnalyticsTx) error {
		var err error
		written, err = w.analyze(work, tx, msg.CensusBlock, asOf, keys, log)
		return err
	})
	if err != nil {
		if w.OnError == OnErrorRequeue {
			log.Warn("block analysis failed, requeueing", zap.Error(err))
			return task.Settle(d, w.Task, telemetry.OutcomeRequeue)
		}
		return fmt.Errorf("analyze block %s as of %s: %w", msg.CensusBlock, msg.Date, err)
	}
	telemetry.ObserveMeasures(w.Feature.Slug(), written)
	log.Debug("processed block", zap.Int("listings", len(keys)), zap.Int("measures", written))
	return task.Settle(d, w.Task, telemetry.OutcomeAck)
}

// analyze writes one measure per segment and duration and reports how many it wrote.
func (w *BlockAnalysisWorker) analyze(ctx context.Context, tx store.AnalyticsTx, block model.BlockKey, asOf time.Time, keys []string, log *zap.Logger) (int, error) {
	var listings []model.Listing
	if len(keys) > 0 {
		var err error
		listings, err = tx.ListingsByKeys(ctx, keys)
		if err != nil {
			return 0, fmt.Errorf("load listings: %w", err)
		}
	}

	written := 0
	blockSegment := model.BlockSegment{Key: block}
	for _, segment := range w.Dimension.Segments {
		ac, err := tx.ResolveContext(ctx, []model.Segment{blockSegment, segment})
		if err != nil {
			return written, fmt.Errorf("resolve context for %s: %w", segment.ID(), err)
		}
		for _, days := range w.Durations {
			series, err := tx.ResolveSeries(ctx, model.SeriesKey{
				ContextID:    ac.ID,
				Concept:      w.Concept.Slug(),
				Feature:      w.Feature.Slug(),
				DurationDays: days,
			})
			if err != nil {
				return written, fmt.Errorf("resolve series: %w", err)
			}
			values, err := w.extract(InWindow(listings, asOf, days), ac)
			if err != nil {
				return written, err
			}
			v := w.Concept.Aggregate(values)
			if err := tx.PutMeasure(ctx, model.Measure{SeriesID: series.ID, Date: asOf, Value: v}); err != nil {
				return written, fmt.Errorf("put measure: %w", err)
			}
			written++
			if v.IsPositive() {
				log.Info("adding fact",
					zap.String("context", ac.Key),
					zap.String("feature", w.Feature.Slug()),
					zap.String("concept", w.Concept.Slug()),
					zap.Int("duration_days", days),
					zap.Stringer("value", v),
				)
			}
		}
	}
	return written, nil
}

// extract reads the feature from every member of the context. Listings
// without a value are skipped.
func (w *BlockAnalysisWorker) extract(listings []model.Listing, ac model.AnalyticContext) ([]decimal.Decimal, error) {
	var values []decimal.Decimal
	for _, l := range listings {
		if !ac.Contains(l) {
			continue
		}
		v, ok, err := w.Feature.Extract(l)
		if err != nil {
			return nil, fmt.Errorf("extract %s: %w", w.Feature.Slug(), err)
		}
		if ok {
			values = append(values, v)
		}
	}
	return values, nil
}

// InWindow keeps listings created in the days-long window ending on asOf:
// asOf − days < created date ≤ asOf, compared as UTC calendar dates.
func InWindow(listings []model.Listing, asOf time.Time, days int) []model.Listing {
	hi := model.DateOf(asOf)
	lo := hi.AddDate(0, 0, -days)
	var out []model.Listing
	for _, l := range listings {
		created := model.DateOf(l.Base().CreatedAt)
		if created.After(lo) && !created.After(hi) {
			out = append(out, l)
		}
	}
	return out
}
