package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bonanza/internal/broker"
	"github.com/JakeFAU/bonanza/internal/telemetry"
)

// DefaultPollTimeout bounds each receive so stop requests are seen promptly.
const DefaultPollTimeout = 500 * time.Millisecond

// Handler processes one delivery and must settle it with Ack or Requeue.
// A returned error ends the worker.
type Handler interface {
	Handle(ctx context.Context, d broker.Delivery) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, d broker.Delivery) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, d broker.Delivery) error { return f(ctx, d) }

// Consumer polls its queues in turn and handles one message at a time.
type Consumer struct {
	Session     broker.Session
	Queues      []string
	Handler     Handler
	PollTimeout time.Duration
	Logger      *zap.Logger
}

// Run implements Body.
func (c *Consumer) Run(ctx context.Context) error {
	if len(c.Queues) == 0 {
		return errors.New("consumer has no queues")
	}
	timeout := c.PollTimeout
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	for {
		for _, queue := range c.Queues {
			if ctx.Err() != nil {
				return nil
			}
			d, err := c.Session.Receive(ctx, queue, timeout)
			switch {
			case errors.Is(err, broker.ErrNoMessage):
				continue
			case ctx.Err() != nil:
				return nil
			case err != nil:
				return fmt.Errorf("receive from %s: %w", queue, err)
			}
			c.Logger.Debug("message received", zap.String("queue", queue), zap.String("routing_key", d.RoutingKey()))
			if err := c.Handler.Handle(ctx, d); err != nil {
				return fmt.Errorf("handle message from %s: %w", queue, err)
			}
		}
	}
}

// Settle requeues d when outcome is OutcomeRequeue and acks it otherwise,
// recording the outcome against task.
func Settle(d broker.Delivery, task, outcome string) error {
	var err error
	if outcome == telemetry.OutcomeRequeue {
		err = d.Requeue()
	} else {
		err = d.Ack()
	}
	if err != nil {
		telemetry.ObserveMessage(task, telemetry.OutcomeError)
		return fmt.Errorf("settle message as %s: %w", outcome, err)
	}
	telemetry.ObserveMessage(task, outcome)
	return nil
}
