package xmod

import (
	"context"
	"errors"
	"time"

	"github.com/trickstertwo/xlog"
)

// Processor periodically publishes unsent outbox rows and cleans up old outbox and inbox rows.
type Processor struct {
	outboxes func() []*Outbox
	inboxes  func() []*Inbox
	clock    Clock
	logger   *xlog.Logger

	outboxInterval  time.Duration
	cleanupInterval time.Duration
	outboxRetention time.Duration
	inboxRetention  time.Duration
}

// Run ticks until ctx is done. Cycle failures are logged and retried on the next tick.
func (p *Processor) Run(ctx context.Context) error {
	publish := time.NewTicker(p.outboxInterval)
	defer publish.Stop()
	cleanup := time.NewTicker(p.cleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-publish.C:
			if err := p.PublishOnce(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn().Err(err).Msg("outbox publish cycle failed")
			}
		case <-cleanup.C:
			if err := p.CleanupOnce(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn().Err(err).Msg("cleanup cycle failed")
			}
		}
	}
}

// PublishOnce runs one PublishUnsent per outbox; one module failing does not stop the others.
func (p *Processor) PublishOnce(ctx context.Context) error {
	var errs []error
	for _, ob := range p.outboxes() {
		if err := ob.PublishUnsent(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CleanupOnce removes rows older than the configured retention.
func (p *Processor) CleanupOnce(ctx context.Context) error {
	now := p.clock.Now().UTC()
	outboxTo := now.Add(-p.outboxRetention)
	inboxTo := now.Add(-p.inboxRetention)

	var errs []error
	for _, ob := range p.outboxes() {
		if err := ob.Cleanup(ctx, &outboxTo); err != nil {
			errs = append(errs, err)
		}
	}
	for _, in := range p.inboxes() {
		if err := in.Cleanup(ctx, &inboxTo); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
