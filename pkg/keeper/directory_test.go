package keeper

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"keeper_market/pkg/data"
)

func newTestDirectory(t *testing.T) (*Directory, *data.MemoryRepository) {
	repo := data.NewMemoryRepository()
	return NewDirectory(repo, zaptest.NewLogger(t)), repo
}

func TestRegister(t *testing.T) {
	dir, _ := newTestDirectory(t)
	ctx := context.Background()

	t.Run("successful registration", func(t *testing.T) {
		node, err := dir.Register(ctx, "owner-1", "0xabc", 0.5, nil)
		require.NoError(t, err)
		assert.Equal(t, data.InitialReputation, node.ReputationScore)
		assert.True(t, node.IsActive)
		assert.False(t, node.IsSuspended)
	})

	t.Run("stake below minimum rejected", func(t *testing.T) {
		_, err := dir.Register(ctx, "owner-1", "0xlow", 0.05, nil)
		require.ErrorIs(t, err, data.ErrInsufficientStake)
	})

	t.Run("duplicate address rejected", func(t *testing.T) {
		_, err := dir.Register(ctx, "owner-2", "0xabc", 0.5, nil)
		require.ErrorIs(t, err, data.ErrDuplicate)
	})
}

func TestSelect(t *testing.T) {
	ctx := context.Background()

	t.Run("empty directory returns nil", func(t *testing.T) {
		dir, _ := newTestDirectory(t)
		node, err := dir.Select(ctx)
		require.NoError(t, err)
		assert.Nil(t, node)
	})

	t.Run("highest reputation wins", func(t *testing.T) {
		dir, repo := newTestDirectory(t)
		_, err := dir.Register(ctx, "o", "0xa", 0.5, nil)
		require.NoError(t, err)
		_, err = dir.Register(ctx, "o", "0xb", 0.5, nil)
		require.NoError(t, err)

		// Drop 0xa's reputation below 0xb's.
		require.NoError(t, repo.RecordSelectorOutcome(ctx, "0xa", false))

		node, err := dir.Select(ctx)
		require.NoError(t, err)
		require.NotNil(t, node)
		assert.Equal(t, "0xb", node.Address)
	})

	t.Run("tie broken by least loaded", func(t *testing.T) {
		dir, repo := newTestDirectory(t)
		_, err := dir.Register(ctx, "o", "0xbusy", 0.5, nil)
		require.NoError(t, err)
		_, err = dir.Register(ctx, "o", "0xidle", 0.5, nil)
		require.NoError(t, err)

		// Both stay at max reputation; 0xbusy accumulates tasks.
		require.NoError(t, repo.RecordSelectorOutcome(ctx, "0xbusy", true))
		require.NoError(t, repo.RecordSelectorOutcome(ctx, "0xbusy", true))

		node, err := dir.Select(ctx)
		require.NoError(t, err)
		require.NotNil(t, node)
		assert.Equal(t, "0xidle", node.Address)
	})

	t.Run("suspended nodes excluded", func(t *testing.T) {
		dir, repo := newTestDirectory(t)
		_, err := dir.Register(ctx, "o", "0xonly", 0.5, nil)
		require.NoError(t, err)
		_, err = repo.SetSuspension(ctx, "0xonly", true, "manual")
		require.NoError(t, err)

		node, err := dir.Select(ctx)
		require.NoError(t, err)
		assert.Nil(t, node)
	})
}

func TestRecordOutcome(t *testing.T) {
	dir, repo := newTestDirectory(t)
	ctx := context.Background()

	_, err := dir.Register(ctx, "o", "0xa", 0.5, nil)
	require.NoError(t, err)

	t.Run("failure costs five points", func(t *testing.T) {
		require.NoError(t, dir.RecordOutcome(ctx, "0xa", false))
		node, err := repo.GetKeeperNode(ctx, "0xa")
		require.NoError(t, err)
		assert.Equal(t, 95, node.ReputationScore)
		assert.Equal(t, int64(1), node.TotalTasksFailed)
	})

	t.Run("success adds one point", func(t *testing.T) {
		require.NoError(t, dir.RecordOutcome(ctx, "0xa", true))
		node, err := repo.GetKeeperNode(ctx, "0xa")
		require.NoError(t, err)
		assert.Equal(t, 96, node.ReputationScore)
		assert.Equal(t, int64(1), node.TotalTasksCompleted)
	})

	t.Run("reputation never exceeds maximum", func(t *testing.T) {
		for i := 0; i < 10; i++ {
			require.NoError(t, dir.RecordOutcome(ctx, "0xa", true))
		}
		node, err := repo.GetKeeperNode(ctx, "0xa")
		require.NoError(t, err)
		assert.Equal(t, data.MaxReputation, node.ReputationScore)
	})

	t.Run("unknown node", func(t *testing.T) {
		err := dir.RecordOutcome(ctx, "0xmissing", true)
		require.ErrorIs(t, err, data.ErrNotFound)
	})

	t.Run("repeated failures force suspension", func(t *testing.T) {
		dir, repo := newTestDirectory(t)
		_, err := dir.Register(ctx, "o", "0xflaky", 0.5, nil)
		require.NoError(t, err)

		// 13 failures: 100 - 65 = 35, below the threshold of 40.
		for i := 0; i < 13; i++ {
			require.NoError(t, dir.RecordOutcome(ctx, "0xflaky", false))
		}

		node, err := repo.GetKeeperNode(ctx, "0xflaky")
		require.NoError(t, err)
		assert.Equal(t, 35, node.ReputationScore)
		assert.True(t, node.IsSuspended)
		assert.Equal(t, data.SuspendReasonLowReputation, node.SuspensionReason)

		selected, err := dir.Select(ctx)
		require.NoError(t, err)
		assert.Nil(t, selected)
	})
}

func TestReapStale(t *testing.T) {
	dir, repo := newTestDirectory(t)
	ctx := context.Background()

	_, err := dir.Register(ctx, "o", "0xfresh", 0.5, nil)
	require.NoError(t, err)

	// A freshly registered node has a current heartbeat and survives.
	n, err := dir.ReapStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	node, err := repo.GetKeeperNode(ctx, "0xfresh")
	require.NoError(t, err)
	assert.True(t, node.IsActive)
}
