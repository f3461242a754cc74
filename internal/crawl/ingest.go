package crawl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/bonanza/internal/broker"
	"github.com/JakeFAU/bonanza/internal/clock"
	"github.com/JakeFAU/bonanza/internal/hash/canonical"
	"github.com/JakeFAU/bonanza/internal/store"
	"github.com/JakeFAU/bonanza/internal/task"
	"github.com/JakeFAU/bonanza/internal/telemetry"
)

// IngestWorker parses listing messages, attaches them to a census block and
// upserts them by (source, external id).
type IngestWorker struct {
	Task    string
	Sources Registry
	Store   store.ListingStore
	Hasher  canonical.Hasher
	Clock   clock.Clock
	Logger  *zap.Logger
}

// Handle implements task.Handler.
func (w *IngestWorker) Handle(ctx context.Context, d broker.Delivery) error {
	ctx, span := telemetry.StartSpan(ctx, "crawl.ingest", attribute.String("routing_key", d.RoutingKey()))
	defer span.End()

	var msg ListingMessage
	if err := json.Unmarshal(d.Body(), &msg); err != nil {
		w.Logger.Warn("dropping undecodable listing message", zap.Error(err))
		return task.Settle(d, w.Task, telemetry.OutcomeDrop)
	}
	log := w.Logger.With(
		zap.String("source", string(msg.Source)),
		zap.String("subdomain", msg.Subdomain),
		zap.Stringer("token", msg.Token),
	)
	src, err := w.Sources.Lookup(msg.Source)
	if err != nil {
		log.Warn("dropping listing message", zap.Error(err))
		return task.Settle(d, w.Task, telemetry.OutcomeDrop)
	}
	listing, err := src.Parse(msg)
	if errors.Is(err, ErrIncompleteListing) {
		log.Warn("received incomplete listing data", zap.Error(err), zap.ByteString("listing", msg.Data))
		return task.Settle(d, w.Task, telemetry.OutcomeDrop)
	}
	if err != nil {
		return fmt.Errorf("parse %s listing: %w", msg.Source, err)
	}

	base := listing.Base()
	log = log.With(zap.String("external_id", base.ExternalID))
	work := context.WithoutCancel(ctx)
	now := w.Clock.Now()

	op := "insert"
	prev, err := w.Store.GetListing(work, base.Source, base.ExternalID)
	switch {
	case err == nil:
		op = "update"
		base.CreatedAt = prev.Base().CreatedAt
	case errors.Is(err, store.ErrNotFound):
		base.CreatedAt = now
	default:
		return fmt.Errorf("look up listing: %w", err)
	}

	key, err := canonical.Key(w.Hasher, msg.Data)
	if err != nil {
		log.Warn("received incomplete listing data", zap.Error(err))
		return task.Settle(d, w.Task, telemetry.OutcomeDrop)
	}
	base.Key = key
	base.Raw = msg.Data
	base.Token = msg.Token
	base.GeoclusterID = msg.GeoclusterID
	base.UpdatedAt = now

	block, err := w.Store.FindBlock(work, base.Location)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("ignoring unlocatable listing", zap.Float64("lon", base.Location.Lon()), zap.Float64("lat", base.Location.Lat()))
		return task.Settle(d, w.Task, telemetry.OutcomeDrop)
	}
	if err != nil {
		return fmt.Errorf("find census block: %w", err)
	}
	base.Block = &block

	err = w.Store.SaveListing(work, listing)
	if errors.Is(err, store.ErrKeyConflict) {
		log.Warn("dropping listing whose payload is already stored under another identity", zap.String("key", key))
		return task.Settle(d, w.Task, telemetry.OutcomeDrop)
	}
	if err != nil {
		return fmt.Errorf("save listing: %w", err)
	}
	telemetry.ObserveListingSaved(string(base.Source), op)
	log.Info("saved listing", zap.String("op", op), zap.String("key", key), zap.Stringer("block", block))
	return task.Settle(d, w.Task, telemetry.OutcomeAck)
}
