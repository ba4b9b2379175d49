package stake

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"keeper_market/pkg/data"
)

// Ledger manages keeper stake lifecycle: top-ups, the two-phase
// withdrawal, and manual suspension.
type Ledger struct {
	repo   data.Repository
	logger *zap.Logger
}

// NewLedger creates a stake ledger service
func NewLedger(repo data.Repository, logger *zap.Logger) *Ledger {
	return &Ledger{
		repo:   repo,
		logger: logger,
	}
}

// Increase adds stake to a node. A node suspended for low stake is
// reactivated once the balance clears the minimum again.
func (l *Ledger) Increase(ctx context.Context, address string, amount float64) (*data.KeeperNode, error) {
	if amount <= 0 {
		return nil, data.ErrInvalidAmount
	}

	node, err := l.repo.IncreaseStake(ctx, address, amount)
	if err != nil {
		return nil, fmt.Errorf("increasing stake for %s: %w", address, err)
	}

	l.logger.Info("stake increased",
		zap.String("address", address),
		zap.Float64("amount", amount),
		zap.Float64("total", node.StakedAmount))
	return node, nil
}

// RequestUnstake starts the withdrawal lock period and removes the node
// from selection immediately.
func (l *Ledger) RequestUnstake(ctx context.Context, address string) (*data.KeeperNode, error) {
	node, err := l.repo.RequestUnstake(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("requesting unstake for %s: %w", address, err)
	}

	l.logger.Info("unstake requested",
		zap.String("address", address),
		zap.Float64("stake", node.StakedAmount))
	return node, nil
}

// CompleteUnstake releases the full stake after the lock period has
// elapsed. Returns ErrUnstakeLocked while the lock is still running.
func (l *Ledger) CompleteUnstake(ctx context.Context, address string) (*data.KeeperNode, error) {
	node, err := l.repo.CompleteUnstake(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("completing unstake for %s: %w", address, err)
	}

	l.logger.Info("unstake completed", zap.String("address", address))
	return node, nil
}

// Suspend removes a node from selection with an operator-supplied reason.
func (l *Ledger) Suspend(ctx context.Context, address, reason string) (*data.KeeperNode, error) {
	node, err := l.repo.SetSuspension(ctx, address, true, reason)
	if err != nil {
		return nil, fmt.Errorf("suspending %s: %w", address, err)
	}

	l.logger.Warn("keeper suspended",
		zap.String("address", address),
		zap.String("reason", reason))
	return node, nil
}

// Reactivate lifts a suspension. Fails when the node's stake is still
// below the minimum.
func (l *Ledger) Reactivate(ctx context.Context, address string) (*data.KeeperNode, error) {
	node, err := l.repo.SetSuspension(ctx, address, false, "")
	if err != nil {
		return nil, fmt.Errorf("reactivating %s: %w", address, err)
	}

	l.logger.Info("keeper reactivated", zap.String("address", address))
	return node, nil
}

// History returns the append-only audit trail for a node.
func (l *Ledger) History(ctx context.Context, address string) ([]*data.StakeHistoryEntry, error) {
	return l.repo.GetStakeHistory(ctx, address)
}
