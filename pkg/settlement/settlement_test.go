package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"keeper_market/pkg/data"
	"keeper_market/pkg/escrow"
)

var testEscrowParams = escrow.Params{
	GasPerCall:   50000,
	GasPrice:     0.000000001,
	BufferFactor: 1.2,
}

// flakyLedger fails a configured number of times before succeeding.
type flakyLedger struct {
	mu        sync.Mutex
	failures  int
	attempts  int
	permanent bool
}

func (f *flakyLedger) LogUsage(ctx context.Context, buyerID, listingID string, calls int64) (string, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.permanent || f.attempts <= f.failures {
		return "", 0, errors.New("chain unavailable")
	}
	return "0xsettled", int64(f.attempts), nil
}

func newTestLogger(t *testing.T, ledger Ledger, cfg Config) (*Logger, *data.MemoryRepository) {
	repo := data.NewMemoryRepository()
	esc := escrow.NewService(repo, testEscrowParams, zaptest.NewLogger(t))
	return NewLogger(repo, esc, ledger, cfg, zaptest.NewLogger(t)), repo
}

func seedUsage(t *testing.T, repo *data.MemoryRepository) *data.UsageRecord {
	t.Helper()
	ctx := context.Background()

	listing := &data.Listing{
		ID:              "listing-1",
		SellerID:        "seller-1",
		Name:            "weather api",
		UpstreamBaseURL: "https://api.example.com",
		AuthMode:        data.AuthMode{Kind: data.AuthHeaderKey, Name: "X-Api-Key"},
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, repo.CreateListing(ctx, listing))

	grant, err := data.NewAccessGrant("key-1", "buyer-1", "listing-1", 10, nil)
	require.NoError(t, err)
	require.NoError(t, repo.CreateAccessGrant(ctx, grant))

	rec := data.NewUsageRecord("buyer-1", "listing-1", "GET", "/v1/data")
	rec.Success = true
	rec.ResponseCode = 200
	_, err = repo.ConsumeQuota(ctx, "key-1", rec)
	require.NoError(t, err)
	return rec
}

func seedDeposit(t *testing.T, repo *data.MemoryRepository, purchaseID string, amount float64) {
	t.Helper()
	dep, err := data.NewEscrowGasDeposit(purchaseID, "buyer-1", "listing-1", 10, amount, "")
	require.NoError(t, err)
	require.NoError(t, repo.RecordGasDeposit(context.Background(), dep))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSettlementBackfill(t *testing.T) {
	logger, repo := newTestLogger(t, NewMemoryLedger(), Config{
		QueueSize: 8, Workers: 2, RetryAttempts: 0, RetryDelay: time.Millisecond,
	})
	rec := seedUsage(t, repo)
	seedDeposit(t, repo, "purchase-1", 1)

	logger.Start(context.Background())
	defer logger.Stop()

	ok := logger.Enqueue(Job{
		UsageID:    rec.ID,
		PurchaseID: "purchase-1",
		BuyerID:    "buyer-1",
		ListingID:  "listing-1",
		Calls:      1,
	})
	require.True(t, ok)

	waitFor(t, func() bool { return logger.GetMetrics().Settled == 1 })

	got, err := repo.GetUsageRecord(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.SettlementTxHash)
	assert.Positive(t, got.SettlementBlock)

	dep, err := repo.GetGasDeposit(context.Background(), "purchase-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), dep.UsedCalls)
	assert.Less(t, dep.RemainingBalance, 1.0)
}

func TestSettlementRetries(t *testing.T) {
	ledger := &flakyLedger{failures: 2}
	logger, repo := newTestLogger(t, ledger, Config{
		QueueSize: 8, Workers: 1, RetryAttempts: 3, RetryDelay: time.Millisecond,
	})
	rec := seedUsage(t, repo)

	logger.Start(context.Background())
	defer logger.Stop()

	require.True(t, logger.Enqueue(Job{UsageID: rec.ID, BuyerID: "buyer-1", ListingID: "listing-1", Calls: 1}))

	waitFor(t, func() bool { return logger.GetMetrics().Settled == 1 })

	got, err := repo.GetUsageRecord(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "0xsettled", got.SettlementTxHash)
}

func TestSettlementFailureNeverPropagates(t *testing.T) {
	ledger := &flakyLedger{permanent: true}
	logger, repo := newTestLogger(t, ledger, Config{
		QueueSize: 8, Workers: 1, RetryAttempts: 1, RetryDelay: time.Millisecond,
	})
	rec := seedUsage(t, repo)

	logger.Start(context.Background())

	require.True(t, logger.Enqueue(Job{UsageID: rec.ID, BuyerID: "buyer-1", ListingID: "listing-1", Calls: 1}))
	logger.Stop()

	m := logger.GetMetrics()
	assert.Equal(t, int64(1), m.Failed)
	assert.Zero(t, m.Settled)

	// The usage record stays unsettled but intact.
	got, err := repo.GetUsageRecord(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Empty(t, got.SettlementTxHash)
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	// Workers never started, so the queue fills up.
	logger, _ := newTestLogger(t, NewMemoryLedger(), Config{
		QueueSize: 1, Workers: 1, RetryAttempts: 0, RetryDelay: time.Millisecond,
	})

	assert.True(t, logger.Enqueue(Job{UsageID: "a"}))
	assert.False(t, logger.Enqueue(Job{UsageID: "b"}))

	m := logger.GetMetrics()
	assert.Equal(t, int64(1), m.Enqueued)
	assert.Equal(t, int64(1), m.Dropped)
}

func TestEnqueueAfterStop(t *testing.T) {
	logger, _ := newTestLogger(t, NewMemoryLedger(), Config{
		QueueSize: 8, Workers: 1, RetryAttempts: 0, RetryDelay: time.Millisecond,
	})
	logger.Start(context.Background())
	logger.Stop()

	assert.False(t, logger.Enqueue(Job{UsageID: "late"}))
}
