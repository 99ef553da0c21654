package janitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// EventPurger deletes webhook events received before cutoff.
type EventPurger interface {
	PurgeEvents(ctx context.Context, cutoff time.Time) (int64, error)
}

// Option customizes a Janitor.
type Option func(*Janitor)

// WithClock overrides the janitor clock.
func WithClock(now func() time.Time) Option {
	return func(janitor *Janitor) {
		if now != nil {
			janitor.nowFn = now
		}
	}
}

// Janitor trims the webhook event log. Transactions and receipts are never touched.
type Janitor struct {
	purger    EventPurger
	retention time.Duration
	logger    *zap.Logger
	nowFn     func() time.Time
}

// New builds a janitor that keeps events for retention.
func New(purger EventPurger, retention time.Duration, logger *zap.Logger, options ...Option) (*Janitor, error) {
	if purger == nil {
		return nil, fmt.Errorf("janitor: event purger is required")
	}
	if retention <= 0 {
		return nil, fmt.Errorf("janitor: retention must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	janitor := &Janitor{
		purger:    purger,
		retention: retention,
		logger:    logger,
		nowFn:     func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		if option != nil {
			option(janitor)
		}
	}
	return janitor, nil
}

// RunOnce purges events older than the retention window.
func (janitor *Janitor) RunOnce(ctx context.Context) (int64, error) {
	cutoff := janitor.nowFn().Add(-janitor.retention)
	purged, err := janitor.purger.PurgeEvents(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge webhook events: %w", err)
	}
	janitor.logger.Info("webhook events purged", zap.Int64("purged", purged), zap.Time("cutoff", cutoff))
	return purged, nil
}

// Run purges immediately and then every interval until ctx is done.
func (janitor *Janitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := janitor.RunOnce(ctx); err != nil && ctx.Err() == nil {
			janitor.logger.Warn("janitor pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
