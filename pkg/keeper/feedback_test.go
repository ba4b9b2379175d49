package keeper

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"keeper_market/pkg/data"
)

func newTestFeedback(t *testing.T) (*Feedback, *data.MemoryRepository) {
	repo := data.NewMemoryRepository()
	return NewFeedback(repo, zaptest.NewLogger(t)), repo
}

func registerNode(t *testing.T, repo *data.MemoryRepository, address string) {
	t.Helper()
	node, err := data.NewKeeperNode("owner", address, 0.5, nil)
	require.NoError(t, err)
	require.NoError(t, repo.CreateKeeperNode(context.Background(), node))
}

func TestRecordTaskCompletion(t *testing.T) {
	ctx := context.Background()

	t.Run("no reward at maximum reputation", func(t *testing.T) {
		fb, repo := newTestFeedback(t)
		registerNode(t, repo, "0xa")

		node, err := fb.RecordTaskCompletion(ctx, "0xa", true, 120)
		require.NoError(t, err)
		assert.Equal(t, data.MaxReputation, node.ReputationScore)
		assert.Equal(t, int64(1), node.TotalTasksCompleted)
	})

	t.Run("high success rate earns a point below maximum", func(t *testing.T) {
		fb, repo := newTestFeedback(t)
		registerNode(t, repo, "0xb")

		// Pull reputation below 100 without touching the counters.
		_, err := repo.ApplySlash(ctx, mustSlash(t, "0xb", data.SeverityMinor, 0.01))
		require.NoError(t, err)

		node, err := fb.RecordTaskCompletion(ctx, "0xb", true, 80)
		require.NoError(t, err)
		assert.Equal(t, 96, node.ReputationScore)
	})

	t.Run("low success rate costs two points", func(t *testing.T) {
		fb, repo := newTestFeedback(t)
		registerNode(t, repo, "0xc")

		// Three successes then a failure gives a 75% rate.
		for i := 0; i < 3; i++ {
			_, err := fb.RecordTaskCompletion(ctx, "0xc", true, 100)
			require.NoError(t, err)
		}
		node, err := fb.RecordTaskCompletion(ctx, "0xc", false, 100)
		require.NoError(t, err)
		assert.Equal(t, 98, node.ReputationScore)
		assert.Equal(t, int64(3), node.TotalTasksCompleted)
		assert.Equal(t, int64(1), node.TotalTasksFailed)
	})

	t.Run("sustained failures suspend the node", func(t *testing.T) {
		fb, repo := newTestFeedback(t)
		registerNode(t, repo, "0xd")

		var node *data.KeeperNode
		var err error
		for i := 0; i < 40; i++ {
			node, err = fb.RecordTaskCompletion(ctx, "0xd", false, 100)
			require.NoError(t, err)
		}
		assert.True(t, node.IsSuspended)
		assert.Equal(t, data.SuspendReasonLowReputation, node.SuspensionReason)
		assert.Less(t, node.ReputationScore, data.SuspendReputationThreshold)
	})

	t.Run("unknown node", func(t *testing.T) {
		fb, _ := newTestFeedback(t)
		_, err := fb.RecordTaskCompletion(ctx, "0xmissing", true, 100)
		require.ErrorIs(t, err, data.ErrNotFound)
	})
}

func mustSlash(t *testing.T, address string, severity data.SlashSeverity, amount float64) *data.SlashEvent {
	t.Helper()
	ev, err := data.NewSlashEvent(address, data.SlashDowntimeViolation, severity, amount, "", "admin")
	require.NoError(t, err)
	return ev
}
