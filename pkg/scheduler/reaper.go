package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"keeper_market/pkg/data"
	"keeper_market/pkg/keeper"
)

// Reaper runs the periodic maintenance sweeps: expiring grants past
// their deadline and deactivating keepers that stopped heartbeating.
type Reaper struct {
	cron      *cron.Cron
	repo      data.Repository
	directory *keeper.Directory
	interval  time.Duration
	logger    *zap.Logger

	mu      sync.RWMutex
	metrics ReaperMetrics
}

// ReaperMetrics tracks sweep outcomes.
type ReaperMetrics struct {
	Sweeps             int64
	GrantsExpired      int64
	KeepersDeactivated int64
	LastSweep          time.Time
	LastError          string
}

// NewReaper creates a reaper on the given sweep interval
func NewReaper(repo data.Repository, directory *keeper.Directory, interval time.Duration, logger *zap.Logger) *Reaper {
	return &Reaper{
		cron:      cron.New(),
		repo:      repo,
		directory: directory,
		interval:  interval,
		logger:    logger,
	}
}

// Start schedules the sweep and launches the cron runner.
func (r *Reaper) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %s", r.interval)
	_, err := r.cron.AddFunc(spec, func() {
		r.Sweep(ctx)
	})
	if err != nil {
		return fmt.Errorf("scheduling reaper sweep: %w", err)
	}

	r.cron.Start()
	r.logger.Info("reaper started", zap.Duration("interval", r.interval))
	return nil
}

// Stop halts the cron runner, waiting for a running sweep to finish.
func (r *Reaper) Stop() {
	stopCtx := r.cron.Stop()
	<-stopCtx.Done()
	r.logger.Info("reaper stopped")
}

// Sweep runs one maintenance pass. Safe to call directly.
func (r *Reaper) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	expired, err := r.repo.ExpireGrantsPast(ctx, now)
	if err != nil {
		r.fail("expiring grants", err)
		return
	}

	deactivated, err := r.directory.ReapStale(ctx)
	if err != nil {
		r.fail("deactivating stale keepers", err)
		return
	}

	r.mu.Lock()
	r.metrics.Sweeps++
	r.metrics.GrantsExpired += expired
	r.metrics.KeepersDeactivated += deactivated
	r.metrics.LastSweep = now
	r.metrics.LastError = ""
	r.mu.Unlock()

	if expired > 0 || deactivated > 0 {
		r.logger.Info("reaper sweep",
			zap.Int64("grants_expired", expired),
			zap.Int64("keepers_deactivated", deactivated))
	}
}

// GetMetrics returns a snapshot of the sweep counters.
func (r *Reaper) GetMetrics() ReaperMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metrics
}

func (r *Reaper) fail(stage string, err error) {
	r.mu.Lock()
	r.metrics.LastError = err.Error()
	r.mu.Unlock()
	r.logger.Error("reaper sweep failed", zap.String("stage", stage), zap.Error(err))
}
