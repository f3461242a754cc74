package crawl

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"go.uber.org/zap"

	"github.com/JakeFAU/bonanza/internal/broker"
)

// Producer publishes one search request per crawl target on each cycle.
type Producer struct {
	Source      Source
	Session     broker.Session
	Exchange    string
	RoutingKey  string
	TargetsFile string
	Logger      *zap.Logger
	// Shuffle reorders targets; nil means a uniform random shuffle.
	Shuffle func([]SearchRequest)
}

// Produce implements task.Producer. A stop mid-cycle ends the cycle early.
func (p *Producer) Produce(ctx context.Context) error {
	targets, err := p.targets()
	if err != nil {
		return err
	}
	shuffle := p.Shuffle
	if shuffle == nil {
		shuffle = func(ts []SearchRequest) {
			rand.Shuffle(len(ts), func(i, j int) { ts[i], ts[j] = ts[j], ts[i] })
		}
	}
	shuffle(targets)

	for _, t := range targets {
		if ctx.Err() != nil {
			return nil
		}
		t.Source = p.Source.Name()
		p.Logger.Info("enqueueing search request",
			zap.String("source", string(t.Source)),
			zap.String("subdomain", t.Subdomain),
			zap.String("state", t.State),
			zap.Int("page", t.Page),
		)
		if err := broker.PublishJSON(ctx, p.Session, p.Exchange, p.RoutingKey, t); err != nil {
			return fmt.Errorf("publish search request: %w", err)
		}
	}
	return nil
}

func (p *Producer) targets() ([]SearchRequest, error) {
	if p.TargetsFile != "" {
		return LoadTargets(p.TargetsFile)
	}
	targets := p.Source.DefaultTargets()
	if len(targets) == 0 {
		return nil, errors.New("no crawl targets: set targets_file")
	}
	return targets, nil
}
