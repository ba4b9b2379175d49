package escrow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"keeper_market/pkg/data"
)

var testParams = Params{
	GasPerCall:   50000,
	GasPrice:     0.000000001,
	BufferFactor: 1.2,
}

func newTestService(t *testing.T) (*Service, *data.MemoryRepository) {
	repo := data.NewMemoryRepository()
	return NewService(repo, testParams, zaptest.NewLogger(t)), repo
}

func TestEstimateGasFee(t *testing.T) {
	svc, _ := newTestService(t)

	t.Run("deterministic across calls", func(t *testing.T) {
		a, err := svc.EstimateGasFee(1000)
		require.NoError(t, err)
		b, err := svc.EstimateGasFee(1000)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("scales with allocation", func(t *testing.T) {
		one, err := svc.EstimateGasFee(1)
		require.NoError(t, err)
		thousand, err := svc.EstimateGasFee(1000)
		require.NoError(t, err)
		assert.Greater(t, thousand, one)
		// 1000 calls * 50000 gas * 1e-9 price * 1.2 buffer
		assert.InDelta(t, 0.00006, thousand, 1e-12)
	})

	t.Run("includes the buffer over the per-call fee", func(t *testing.T) {
		est, err := svc.EstimateGasFee(100)
		require.NoError(t, err)
		assert.Greater(t, est, svc.PerCallFee()*100*0.999)
	})

	t.Run("rejects non-positive allocation", func(t *testing.T) {
		_, err := svc.EstimateGasFee(0)
		require.ErrorIs(t, err, data.ErrInvalidAmount)
	})
}

func TestRecordDeposit(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	required, err := svc.EstimateGasFee(100)
	require.NoError(t, err)

	t.Run("sufficient deposit accepted", func(t *testing.T) {
		dep, err := svc.RecordDeposit(ctx, "purchase-1", "buyer-1", "listing-1", 100, required, "0xdeadbeef")
		require.NoError(t, err)
		assert.Equal(t, required, dep.RemainingBalance)
		assert.Zero(t, dep.UsedCalls)
	})

	t.Run("underfunded deposit rejected", func(t *testing.T) {
		_, err := svc.RecordDeposit(ctx, "purchase-2", "buyer-1", "listing-1", 100, required/2, "")
		require.ErrorIs(t, err, data.ErrInvalidAmount)
	})

	t.Run("duplicate purchase rejected", func(t *testing.T) {
		_, err := svc.RecordDeposit(ctx, "purchase-1", "buyer-1", "listing-1", 100, required, "")
		require.ErrorIs(t, err, data.ErrDuplicate)
	})
}

func TestDeduct(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	// Fund exactly two calls worth of gas, no buffer.
	fee := svc.PerCallFee()
	dep, err := data.NewEscrowGasDeposit("purchase-1", "buyer-1", "listing-1", 2, 2*fee, "")
	require.NoError(t, err)
	require.NoError(t, repo.RecordGasDeposit(ctx, dep))

	t.Run("deducts while balance remains", func(t *testing.T) {
		ok, err := svc.Deduct(ctx, "purchase-1", "0xtx1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = svc.Deduct(ctx, "purchase-1", "0xtx2")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("exhausted balance returns false without mutation", func(t *testing.T) {
		before, err := svc.Get(ctx, "purchase-1")
		require.NoError(t, err)

		ok, err := svc.Deduct(ctx, "purchase-1", "0xtx3")
		require.NoError(t, err)
		assert.False(t, ok)

		after, err := svc.Get(ctx, "purchase-1")
		require.NoError(t, err)
		assert.Equal(t, before.UsedCalls, after.UsedCalls)
		assert.Equal(t, before.RemainingBalance, after.RemainingBalance)
	})

	t.Run("audit trail records each deduction", func(t *testing.T) {
		entries, err := svc.Usage(ctx, "purchase-1")
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, fee, entries[0].GasFee)
	})

	t.Run("unknown purchase", func(t *testing.T) {
		_, err := svc.Deduct(ctx, "no-such-purchase", "")
		require.ErrorIs(t, err, data.ErrNotFound)
	})
}
