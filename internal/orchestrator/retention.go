package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/arclight-dev/arclight/internal/entitlements"
	"github.com/arclight-dev/arclight/internal/storage"
)

// Sweeper deletes raw metrics events past each tenant's retention window.
// Aggregated billing buckets are never swept; only the event log is.
type Sweeper struct {
	db       *storage.DB
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a retention sweeper.
func NewSweeper(db *storage.DB, logger *slog.Logger, interval time.Duration) *Sweeper {
	return &Sweeper{
		db:       db,
		logger:   logger,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start begins the periodic sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.sweep(loopCtx)
			}
		}
	}()
}

// Stop halts the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

func (s *Sweeper) sweep(ctx context.Context) {
	tenants, err := s.db.ListTenantsForRetention(ctx)
	if err != nil {
		s.logger.Error("retention: list tenants", "error", err)
		return
	}

	var total int64
	for _, t := range tenants {
		ents := entitlements.ForTier(t.Tier)
		cutoff := time.Now().UTC().AddDate(0, 0, -ents.RetentionDays)
		n, err := s.db.DeleteEventsBefore(ctx, t.ID, cutoff)
		if err != nil {
			s.logger.Error("retention: delete events", "tenant_id", t.ID, "error", err)
			continue
		}
		total += n
	}
	if total > 0 {
		s.logger.Info("retention: swept expired events", "deleted", total, "tenants", len(tenants))
	}
}
