package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"keeper_market/pkg/data"
	"keeper_market/pkg/escrow"
)

// Job is one usage event awaiting on-chain settlement.
type Job struct {
	UsageID    string
	PurchaseID string
	BuyerID    string
	ListingID  string
	Calls      int64
}

// Ledger abstracts the chain the usage events are logged to.
type Ledger interface {
	LogUsage(ctx context.Context, buyerID, listingID string, calls int64) (txHash string, block int64, err error)
}

// Config holds the worker pool settings.
type Config struct {
	QueueSize     int
	Workers       int
	RetryAttempts int
	RetryDelay    time.Duration
}

// Logger settles usage events asynchronously. Proxy calls enqueue and
// move on; settlement failures are logged and retried but never reach
// the caller.
type Logger struct {
	repo   data.Repository
	escrow *escrow.Service
	ledger Ledger
	cfg    Config
	logger *zap.Logger

	jobs   chan Job
	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	metrics Metrics
}

// Metrics tracks settlement outcomes.
type Metrics struct {
	Enqueued  int64
	Dropped   int64
	Settled   int64
	Failed    int64
	GasDenied int64
}

// NewLogger creates a settlement logger
func NewLogger(repo data.Repository, esc *escrow.Service, ledger Ledger, cfg Config, logger *zap.Logger) *Logger {
	return &Logger{
		repo:   repo,
		escrow: esc,
		ledger: ledger,
		cfg:    cfg,
		logger: logger,
		jobs:   make(chan Job, cfg.QueueSize),
	}
}

// Start launches the worker pool.
func (l *Logger) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	for i := 0; i < l.cfg.Workers; i++ {
		l.wg.Add(1)
		go l.worker(ctx)
	}
}

// Stop drains in-flight jobs and shuts the pool down.
func (l *Logger) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	close(l.jobs)
	l.mu.Unlock()

	l.wg.Wait()
	if l.cancel != nil {
		l.cancel()
	}
}

// Enqueue submits a job without blocking. Returns false when the queue
// is full or the logger has stopped; the job is dropped and counted.
func (l *Logger) Enqueue(job Job) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		l.metrics.Dropped++
		return false
	}
	select {
	case l.jobs <- job:
		l.metrics.Enqueued++
		return true
	default:
		l.metrics.Dropped++
		l.logger.Warn("settlement queue full, dropping job",
			zap.String("usage_id", job.UsageID))
		return false
	}
}

// GetMetrics returns a snapshot of the settlement counters.
func (l *Logger) GetMetrics() Metrics {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.metrics
}

func (l *Logger) worker(ctx context.Context) {
	defer l.wg.Done()
	for job := range l.jobs {
		l.process(ctx, job)
	}
}

func (l *Logger) process(ctx context.Context, job Job) {
	txHash, block, err := l.logWithRetry(ctx, job)
	if err != nil {
		l.bump(func(m *Metrics) { m.Failed++ })
		l.logger.Error("settlement failed after retries",
			zap.String("usage_id", job.UsageID),
			zap.Error(err))
		return
	}

	if err := l.repo.SetUsageSettlement(ctx, job.UsageID, txHash, block); err != nil {
		l.logger.Error("back-filling settlement reference",
			zap.String("usage_id", job.UsageID),
			zap.Error(err))
	}

	if job.PurchaseID != "" {
		ok, err := l.escrow.Deduct(ctx, job.PurchaseID, txHash)
		if err != nil {
			l.logger.Error("deducting settlement gas",
				zap.String("purchase_id", job.PurchaseID),
				zap.Error(err))
		} else if !ok {
			l.bump(func(m *Metrics) { m.GasDenied++ })
		}
	}

	l.bump(func(m *Metrics) { m.Settled++ })
	l.logger.Debug("usage settled",
		zap.String("usage_id", job.UsageID),
		zap.String("tx_hash", txHash),
		zap.Int64("block", block))
}

func (l *Logger) logWithRetry(ctx context.Context, job Job) (string, int64, error) {
	var lastErr error
	for attempt := 0; attempt <= l.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", 0, ctx.Err()
			case <-time.After(l.cfg.RetryDelay):
			}
		}
		txHash, block, err := l.ledger.LogUsage(ctx, job.BuyerID, job.ListingID, job.Calls)
		if err == nil {
			return txHash, block, nil
		}
		lastErr = err
		l.logger.Warn("settlement attempt failed",
			zap.String("usage_id", job.UsageID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return "", 0, fmt.Errorf("all attempts exhausted: %w", lastErr)
}

func (l *Logger) bump(fn func(*Metrics)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(&l.metrics)
}
