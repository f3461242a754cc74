package crawl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/bonanza/internal/broker"
	"github.com/JakeFAU/bonanza/internal/clock"
	collyfetcher "github.com/JakeFAU/bonanza/internal/fetcher/colly"
	"github.com/JakeFAU/bonanza/internal/hash/canonical"
	"github.com/JakeFAU/bonanza/internal/ratelimit"
	"github.com/JakeFAU/bonanza/internal/storage"
	"github.com/JakeFAU/bonanza/internal/task"
	"github.com/JakeFAU/bonanza/internal/telemetry"
)

// SearchWorker fetches one results page per request and fans it out.
type SearchWorker struct {
	Task             string
	Sources          Registry
	Session          broker.Session
	Fetcher          Fetcher
	Bucket           *ratelimit.Bucket
	Tokens           TokenSource
	Clock            clock.Clock
	RequestsExchange string
	ListingsExchange string
	Threshold        int
	// Archive and Hasher are optional; both are needed to keep raw responses.
	Archive storage.BlobStore
	Hasher  canonical.Hasher
	Logger  *zap.Logger
}

// Handle implements task.Handler.
func (w *SearchWorker) Handle(ctx context.Context, d broker.Delivery) error {
	ctx, span := telemetry.StartSpan(ctx, "crawl.search", attribute.String("routing_key", d.RoutingKey()))
	defer span.End()

	var req SearchRequest
	if err := json.Unmarshal(d.Body(), &req); err != nil {
		w.Logger.Warn("dropping undecodable search request", zap.Error(err))
		return task.Settle(d, w.Task, telemetry.OutcomeDrop)
	}
	log := w.Logger.With(
		zap.String("source", string(req.Source)),
		zap.String("subdomain", req.Subdomain),
		zap.String("endpoint", req.Endpoint),
		zap.String("state", req.State),
		zap.Int("page", req.Page),
		zap.String("geocluster_id", req.GeoclusterID),
	)
	src, err := w.Sources.Lookup(req.Source)
	if err != nil {
		log.Warn("dropping search request", zap.Error(err))
		return task.Settle(d, w.Task, telemetry.OutcomeDrop)
	}
	fetchReq, err := src.Request(req)
	if err != nil {
		log.Warn("dropping unbuildable search request", zap.Error(err))
		return task.Settle(d, w.Task, telemetry.OutcomeDrop)
	}

	if err := w.Bucket.Acquire(ctx, 1); err != nil {
		if ctx.Err() != nil {
			log.Info("stopped while waiting for rate limit, requeueing")
			return task.Settle(d, w.Task, telemetry.OutcomeRequeue)
		}
		return fmt.Errorf("acquire rate limit token: %w", err)
	}
	token, err := w.Tokens.NewToken()
	if err != nil {
		return fmt.Errorf("mint correlation token: %w", err)
	}
	log = log.With(zap.Stringer("token", token))

	// The fetch and everything after it completes even if a stop arrives.
	work := context.WithoutCancel(ctx)
	resp, err := w.Fetcher.Fetch(work, fetchReq)
	if err != nil {
		var statusErr *collyfetcher.StatusError
		status := 0
		if errors.As(err, &statusErr) {
			status = statusErr.Code
		}
		telemetry.ObserveFetch(string(req.Source), status, 0, 0)
		if collyfetcher.IsTransient(err) {
			log.Warn("request exception, requeueing", zap.Error(err))
			return task.Settle(d, w.Task, telemetry.OutcomeRequeue)
		}
		return fmt.Errorf("fetch %s: %w", fetchReq.URL, err)
	}
	telemetry.ObserveFetch(string(req.Source), resp.StatusCode, len(resp.Body), resp.Duration)
	w.archive(work, req, resp.Body, log)

	exp, err := src.Expand(req, resp.Body, w.Threshold)
	if errors.Is(err, ErrMalformedResponse) {
		log.Warn("malformed search response, requeueing", zap.Error(err))
		return task.Settle(d, w.Task, telemetry.OutcomeRequeue)
	}
	if err != nil {
		return fmt.Errorf("expand %s response: %w", req.Source, err)
	}
	if req.GeoclusterID != "" {
		log.Info("processing geocluster", zap.Int("requests", len(exp.Requests)), zap.Int("listings", len(exp.Listings)))
	} else {
		log.Info("processing search results", zap.Int("requests", len(exp.Requests)), zap.Int("listings", len(exp.Listings)))
	}

	for _, p := range exp.Requests {
		if err := broker.PublishJSON(work, w.Session, w.RequestsExchange, p.RoutingKey, p.Message); err != nil {
			return fmt.Errorf("publish follow-up request: %w", err)
		}
	}
	for _, p := range exp.Listings {
		p.Message.Token = token
		if err := broker.PublishJSON(work, w.Session, w.ListingsExchange, p.RoutingKey, p.Message); err != nil {
			return fmt.Errorf("publish listing: %w", err)
		}
	}
	return task.Settle(d, w.Task, telemetry.OutcomeAck)
}

// archive keeps the raw response. Failures only cost the audit copy.
func (w *SearchWorker) archive(ctx context.Context, req SearchRequest, body []byte, log *zap.Logger) {
	if w.Archive == nil || w.Hasher == nil {
		return
	}
	digest, err := w.Hasher.Hash(body)
	if err != nil {
		log.Warn("hash search response", zap.Error(err))
		return
	}
	path := storage.RawResponsePath(string(req.Source), w.Clock.Now(), digest)
	uri, err := w.Archive.PutObject(ctx, path, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Warn("archive search response", zap.String("path", path), zap.Error(err))
		return
	}
	log.Debug("archived search response", zap.String("uri", uri))
}
