package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"media-downloader/internal/domain"
	"media-downloader/internal/store"
)

// Poller periodically reconciles finished records against the
// filesystem: completed records whose file disappeared are flagged
// file_missing, and flagged records whose file came back are restored.
type Poller struct {
	store    *store.Store
	events   *EventBus
	logger   *zap.Logger
	interval time.Duration
}

// NewPoller creates a poller over the given store.
func NewPoller(st *store.Store, events *EventBus, logger *zap.Logger, interval time.Duration) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}

	return &Poller{
		store:    st,
		events:   events,
		logger:   logger,
		interval: interval,
	}
}

// Run blocks and reconciles on every tick until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Reconcile(ctx)
		}
	}
}

// Reconcile performs one pass over all finished records.
func (p *Poller) Reconcile(ctx context.Context) {
	records, err := p.store.List(ctx)
	if err != nil {
		p.logger.Warn("listing downloads for reconciliation failed", zap.Error(err))
		return
	}

	for _, rec := range records {
		switch rec.Status {
		case domain.StatusCompleted, domain.StatusFileMissing:
		default:
			continue
		}

		present, err := p.store.VerifyFileExists(ctx, rec.ID)
		if err != nil {
			p.logger.Warn("file verification failed",
				zap.String("id", rec.ID), zap.Error(err))
			continue
		}

		if !present && rec.Status == domain.StatusCompleted {
			p.logger.Info("downloaded file went missing", zap.String("id", rec.ID))
			if p.events != nil {
				p.events.Publish(Event{
					JobID:   rec.ID,
					Type:    EventTypeStatus,
					Status:  domain.StatusFileMissing,
					Message: "File not found",
				})
			}
		}
		if present && rec.Status == domain.StatusFileMissing {
			p.logger.Info("downloaded file reappeared", zap.String("id", rec.ID))
			if p.events != nil {
				p.events.Publish(Event{
					JobID:    rec.ID,
					Type:     EventTypeStatus,
					Status:   domain.StatusCompleted,
					Progress: 100,
				})
			}
		}
	}
}
