package keeper

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"keeper_market/pkg/data"
)

// Feedback applies the reputation rules for completed keeper tasks. The
// rolling success rate over lifetime counters drives the adjustment:
// at or above 95% the node earns a point, below 80% it loses two.
type Feedback struct {
	repo   data.Repository
	logger *zap.Logger
}

// NewFeedback creates a task feedback service
func NewFeedback(repo data.Repository, logger *zap.Logger) *Feedback {
	return &Feedback{
		repo:   repo,
		logger: logger,
	}
}

// RecordTaskCompletion updates a node's counters, reputation, and daily
// stats for one finished task. A node pushed below the reputation
// threshold is suspended in the same operation.
func (f *Feedback) RecordTaskCompletion(ctx context.Context, address string, success bool, executionMs int64) (*data.KeeperNode, error) {
	node, err := f.repo.RecordTaskOutcome(ctx, address, success, executionMs)
	if err != nil {
		return nil, fmt.Errorf("recording task completion for %s: %w", address, err)
	}

	if node.IsSuspended && node.SuspensionReason == data.SuspendReasonLowReputation {
		f.logger.Warn("keeper suspended on low reputation",
			zap.String("address", address),
			zap.Int("reputation", node.ReputationScore))
	}
	return node, nil
}
