package keeper

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"keeper_market/pkg/data"
)

// Directory manages keeper node registration, liveness, and selection.
type Directory struct {
	repo   data.Repository
	logger *zap.Logger
}

// NewDirectory creates a keeper directory
func NewDirectory(repo data.Repository, logger *zap.Logger) *Directory {
	return &Directory{
		repo:   repo,
		logger: logger,
	}
}

// Register creates a new keeper node with the initial stake.
func (d *Directory) Register(ctx context.Context, owner, address string, stake float64, metadata map[string]string) (*data.KeeperNode, error) {
	node, err := data.NewKeeperNode(owner, address, stake, metadata)
	if err != nil {
		return nil, err
	}

	if err := d.repo.CreateKeeperNode(ctx, node); err != nil {
		return nil, fmt.Errorf("registering keeper %s: %w", address, err)
	}

	d.logger.Info("keeper registered",
		zap.String("address", address),
		zap.String("owner", owner),
		zap.Float64("stake", stake))
	return node, nil
}

// Get returns a keeper node by address.
func (d *Directory) Get(ctx context.Context, address string) (*data.KeeperNode, error) {
	return d.repo.GetKeeperNode(ctx, address)
}

// ListActive returns all selectable nodes, best candidates first.
func (d *Directory) ListActive(ctx context.Context) ([]*data.KeeperNode, error) {
	nodes, err := d.repo.ListActiveKeepers(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing active keepers: %w", err)
	}
	sortCandidates(nodes)
	return nodes, nil
}

// Select picks the node with the highest reputation, breaking ties by the
// lowest lifetime task count. Returns nil when no node is selectable.
func (d *Directory) Select(ctx context.Context) (*data.KeeperNode, error) {
	nodes, err := d.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	return nodes[0], nil
}

// RecordOutcome adjusts a node's counters and reputation after a proxied
// dispatch. Success adds one point; failure costs five.
func (d *Directory) RecordOutcome(ctx context.Context, address string, success bool) error {
	if err := d.repo.RecordSelectorOutcome(ctx, address, success); err != nil {
		return fmt.Errorf("recording outcome for %s: %w", address, err)
	}
	if !success {
		d.logger.Warn("keeper dispatch failed", zap.String("address", address))
	}
	return nil
}

// Heartbeat refreshes a node's last activity time.
func (d *Directory) Heartbeat(ctx context.Context, address string) error {
	return d.repo.TouchKeeper(ctx, address)
}

// ReapStale deactivates nodes silent for longer than the heartbeat
// threshold. Returns the number of nodes deactivated.
func (d *Directory) ReapStale(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-data.KeeperHeartbeatMaxAge)
	n, err := d.repo.DeactivateStaleKeepers(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deactivating stale keepers: %w", err)
	}
	if n > 0 {
		d.logger.Info("deactivated stale keepers", zap.Int64("count", n))
	}
	return n, nil
}

func sortCandidates(nodes []*data.KeeperNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].ReputationScore != nodes[j].ReputationScore {
			return nodes[i].ReputationScore > nodes[j].ReputationScore
		}
		return nodes[i].TotalTasks() < nodes[j].TotalTasks()
	})
}
