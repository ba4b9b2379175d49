package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const keeperColumns = `address, owner, staked_amount, reputation_score, is_active,
	is_suspended, COALESCE(suspension_reason, ''), total_tasks_completed,
	total_tasks_failed, slash_count, last_activity_time, unstake_request_time,
	metadata, created_at, updated_at`

// CreateKeeperNode persists a newly registered node and its opening
// history entry.
func (r *PostgresRepository) CreateKeeperNode(ctx context.Context, n *KeeperNode) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO keeper_nodes (
			address, owner, staked_amount, reputation_score, is_active,
			is_suspended, suspension_reason, total_tasks_completed,
			total_tasks_failed, slash_count, last_activity_time,
			unstake_request_time, metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err = tx.Exec(ctx, query,
		n.Address, n.Owner, n.StakedAmount, n.ReputationScore, n.IsActive,
		n.IsSuspended, nullable(n.SuspensionReason), n.TotalTasksCompleted,
		n.TotalTasksFailed, n.SlashCount, n.LastActivityTime,
		n.UnstakeRequestTime, n.Metadata, n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		if isPgDuplicateError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting keeper node: %w", err)
	}

	entry := NewStakeHistoryEntry(n.Address, StakeEntryRegister, n.StakedAmount, n.ReputationScore, "")
	if err := insertHistory(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing node registration: %w", err)
	}

	return nil
}

// GetKeeperNode retrieves a node by address
func (r *PostgresRepository) GetKeeperNode(ctx context.Context, address string) (*KeeperNode, error) {
	query := `SELECT ` + keeperColumns + ` FROM keeper_nodes WHERE address = $1`
	return scanKeeper(r.pool.QueryRow(ctx, query, address))
}

// ListActiveKeepers returns all selectable nodes ordered by reputation
// descending, least-loaded first within equal scores.
func (r *PostgresRepository) ListActiveKeepers(ctx context.Context) ([]*KeeperNode, error) {
	query := `
		SELECT ` + keeperColumns + `
		FROM keeper_nodes
		WHERE is_active AND NOT is_suspended
		ORDER BY reputation_score DESC, total_tasks_completed + total_tasks_failed ASC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying active keepers: %w", err)
	}
	defer rows.Close()

	var nodes []*KeeperNode
	for rows.Next() {
		node, err := scanKeeper(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating keeper rows: %w", err)
	}

	return nodes, nil
}

// RecordSelectorOutcome adjusts counters and reputation in a single
// atomic UPDATE expression so concurrent outcomes for the same node
// cannot lose updates. A score falling below the threshold suspends the
// node in the same statement; every SET expression sees the pre-update
// row, so the suspension CASE recomputes the new score.
func (r *PostgresRepository) RecordSelectorOutcome(ctx context.Context, address string, success bool) error {
	query := `
		UPDATE keeper_nodes
		SET total_tasks_completed = total_tasks_completed + CASE WHEN $2 THEN 1 ELSE 0 END,
			total_tasks_failed    = total_tasks_failed    + CASE WHEN $2 THEN 0 ELSE 1 END,
			reputation_score      = LEAST($3, GREATEST($4, reputation_score + CASE WHEN $2 THEN 1 ELSE -5 END)),
			is_suspended          = is_suspended OR
				LEAST($3, GREATEST($4, reputation_score + CASE WHEN $2 THEN 1 ELSE -5 END)) < $5,
			suspension_reason     = CASE
				WHEN NOT is_suspended AND
					LEAST($3, GREATEST($4, reputation_score + CASE WHEN $2 THEN 1 ELSE -5 END)) < $5
				THEN $6 ELSE suspension_reason END,
			updated_at            = $7
		WHERE address = $1`

	result, err := r.pool.Exec(ctx, query, address, success,
		MaxReputation, MinReputation, SuspendReputationThreshold,
		SuspendReasonLowReputation, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("recording selector outcome: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// RecordTaskOutcome updates lifetime counters, merges the per-day
// aggregate, and applies the rolling success-rate reputation rule. The
// first UPDATE locks the row, serializing concurrent feedback per node.
func (r *PostgresRepository) RecordTaskOutcome(ctx context.Context, address string, success bool, executionMs int64) (*KeeperNode, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()

	update := `
		UPDATE keeper_nodes
		SET total_tasks_completed = total_tasks_completed + CASE WHEN $2 THEN 1 ELSE 0 END,
			total_tasks_failed    = total_tasks_failed    + CASE WHEN $2 THEN 0 ELSE 1 END,
			last_activity_time    = $3,
			updated_at            = $3
		WHERE address = $1
		RETURNING total_tasks_completed, total_tasks_failed, reputation_score`

	var completed, failed int64
	var reputation int
	if err := tx.QueryRow(ctx, update, address, success, now).Scan(&completed, &failed, &reputation); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("updating task counters: %w", err)
	}

	delta := reputationDelta(completed, failed, reputation)
	if delta != 0 {
		adjust := `
			UPDATE keeper_nodes
			SET reputation_score = LEAST($2, GREATEST($3, reputation_score + $4))
			WHERE address = $1`
		if _, err := tx.Exec(ctx, adjust, address, MaxReputation, MinReputation, delta); err != nil {
			return nil, fmt.Errorf("adjusting reputation: %w", err)
		}
	}

	suspend := `
		UPDATE keeper_nodes
		SET is_suspended = true, suspension_reason = $2
		WHERE address = $1 AND NOT is_suspended AND reputation_score < $3`
	if _, err := tx.Exec(ctx, suspend, address, SuspendReasonLowReputation, SuspendReputationThreshold); err != nil {
		return nil, fmt.Errorf("checking reputation suspension: %w", err)
	}

	day := now.Truncate(24 * time.Hour)
	merge := `
		INSERT INTO daily_task_stats (node_address, day, completed, failed, avg_execution_ms)
		VALUES ($1, $2, CASE WHEN $3 THEN 1 ELSE 0 END, CASE WHEN $3 THEN 0 ELSE 1 END, $4)
		ON CONFLICT (node_address, day) DO UPDATE SET
			completed = daily_task_stats.completed + CASE WHEN $3 THEN 1 ELSE 0 END,
			failed    = daily_task_stats.failed    + CASE WHEN $3 THEN 0 ELSE 1 END,
			avg_execution_ms = (daily_task_stats.avg_execution_ms *
				(daily_task_stats.completed + daily_task_stats.failed) + $4) /
				(daily_task_stats.completed + daily_task_stats.failed + 1)`
	if _, err := tx.Exec(ctx, merge, address, day, success, float64(executionMs)); err != nil {
		return nil, fmt.Errorf("merging daily task stat: %w", err)
	}

	node, err := scanKeeper(tx.QueryRow(ctx, `SELECT `+keeperColumns+` FROM keeper_nodes WHERE address = $1`, address))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing task outcome: %w", err)
	}

	return node, nil
}

// reputationDelta implements the rolling success-rate rule: +1 when the
// rate is at least 95% and the score has headroom, -2 when it drops
// below 80%.
func reputationDelta(completed, failed int64, reputation int) int {
	total := completed + failed
	if total == 0 {
		return 0
	}
	rate := float64(completed) / float64(total)
	switch {
	case rate >= 0.95 && reputation < MaxReputation:
		return 1
	case rate < 0.80:
		return -2
	}
	return 0
}

// TouchKeeper records a heartbeat
func (r *PostgresRepository) TouchKeeper(ctx context.Context, address string) error {
	query := `
		UPDATE keeper_nodes
		SET last_activity_time = $2, updated_at = $2
		WHERE address = $1`

	result, err := r.pool.Exec(ctx, query, address, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("recording heartbeat: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// DeactivateStaleKeepers deactivates nodes silent since before cutoff
func (r *PostgresRepository) DeactivateStaleKeepers(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE keeper_nodes
		SET is_active = false, updated_at = $2
		WHERE is_active AND last_activity_time < $1`

	result, err := r.pool.Exec(ctx, query, cutoff.UTC(), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("deactivating stale keepers: %w", err)
	}

	return result.RowsAffected(), nil
}

// IncreaseStake adds collateral and lifts a stake-based suspension once
// the new stake clears the minimum. Reputation-based suspension is not
// affected.
func (r *PostgresRepository) IncreaseStake(ctx context.Context, address string, amount float64) (*KeeperNode, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	query := `
		UPDATE keeper_nodes
		SET staked_amount = staked_amount + $2, updated_at = $3
		WHERE address = $1
		RETURNING staked_amount`

	var newStake float64
	if err := tx.QueryRow(ctx, query, address, amount, now).Scan(&newStake); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("increasing stake: %w", err)
	}

	if newStake >= MinStake {
		lift := `
			UPDATE keeper_nodes
			SET is_suspended = false, suspension_reason = NULL
			WHERE address = $1 AND is_suspended AND suspension_reason = $2`
		if _, err := tx.Exec(ctx, lift, address, SuspendReasonLowStake); err != nil {
			return nil, fmt.Errorf("lifting stake suspension: %w", err)
		}
	}

	entry := NewStakeHistoryEntry(address, StakeEntryIncrease, amount, 0, "")
	if err := insertHistory(ctx, tx, entry); err != nil {
		return nil, err
	}

	node, err := scanKeeper(tx.QueryRow(ctx, `SELECT `+keeperColumns+` FROM keeper_nodes WHERE address = $1`, address))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing stake increase: %w", err)
	}

	return node, nil
}

// RequestUnstake deactivates the node and starts the lock period
func (r *PostgresRepository) RequestUnstake(ctx context.Context, address string) (*KeeperNode, error) {
	query := `
		UPDATE keeper_nodes
		SET is_active = false, unstake_request_time = $2, updated_at = $2
		WHERE address = $1 AND unstake_request_time IS NULL
		RETURNING ` + keeperColumns

	now := time.Now().UTC()
	node, err := scanKeeper(r.pool.QueryRow(ctx, query, address, now))
	if err == nil {
		return node, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if _, lookupErr := r.GetKeeperNode(ctx, address); lookupErr != nil {
		return nil, lookupErr
	}
	return nil, fmt.Errorf("%w: unstake already requested", ErrConflict)
}

// CompleteUnstake zeroes the stake once the lock period has elapsed
func (r *PostgresRepository) CompleteUnstake(ctx context.Context, address string) (*KeeperNode, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	node, err := scanKeeper(tx.QueryRow(ctx, `SELECT `+keeperColumns+` FROM keeper_nodes WHERE address = $1 FOR UPDATE`, address))
	if err != nil {
		return nil, err
	}
	if node.UnstakeRequestTime == nil {
		return nil, fmt.Errorf("%w: unstake not requested", ErrConflict)
	}
	if time.Since(*node.UnstakeRequestTime) < UnstakeLockPeriod {
		return nil, ErrUnstakeLocked
	}

	withdrawn := node.StakedAmount
	now := time.Now().UTC()
	update := `
		UPDATE keeper_nodes
		SET staked_amount = 0, is_active = false, updated_at = $2
		WHERE address = $1`
	if _, err := tx.Exec(ctx, update, address, now); err != nil {
		return nil, fmt.Errorf("completing unstake: %w", err)
	}

	entry := NewStakeHistoryEntry(address, StakeEntryUnstake, -withdrawn, 0, "")
	if err := insertHistory(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing unstake: %w", err)
	}

	node.StakedAmount = 0
	node.IsActive = false
	node.UpdatedAt = now
	return node, nil
}

// SetSuspension applies a manual administrative suspension or
// reactivation. Reactivation requires the stake to clear the minimum.
func (r *PostgresRepository) SetSuspension(ctx context.Context, address string, suspended bool, reason string) (*KeeperNode, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	node, err := scanKeeper(tx.QueryRow(ctx, `SELECT `+keeperColumns+` FROM keeper_nodes WHERE address = $1 FOR UPDATE`, address))
	if err != nil {
		return nil, err
	}
	if !suspended && node.StakedAmount < MinStake {
		return nil, fmt.Errorf("%w: reactivation requires at least %v staked", ErrInsufficientStake, MinStake)
	}

	now := time.Now().UTC()
	update := `
		UPDATE keeper_nodes
		SET is_suspended = $2, suspension_reason = $3, is_active = CASE WHEN $2 THEN is_active ELSE true END, updated_at = $4
		WHERE address = $1`
	if _, err := tx.Exec(ctx, update, address, suspended, nullable(reason), now); err != nil {
		return nil, fmt.Errorf("updating suspension: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing suspension change: %w", err)
	}

	node.IsSuspended = suspended
	node.SuspensionReason = reason
	if !suspended {
		node.IsActive = true
	}
	node.UpdatedAt = now
	return node, nil
}

// GetStakeHistory returns the append-only audit trail for a node
func (r *PostgresRepository) GetStakeHistory(ctx context.Context, address string) ([]*StakeHistoryEntry, error) {
	query := `
		SELECT id, node_address, kind, stake_delta, reputation_delta,
			   COALESCE(reference, ''), created_at
		FROM stake_history
		WHERE node_address = $1
		ORDER BY created_at ASC`

	rows, err := r.pool.Query(ctx, query, address)
	if err != nil {
		return nil, fmt.Errorf("querying stake history: %w", err)
	}
	defer rows.Close()

	var entries []*StakeHistoryEntry
	for rows.Next() {
		e := &StakeHistoryEntry{}
		var kind string
		if err := rows.Scan(&e.ID, &e.NodeAddress, &kind, &e.StakeDelta, &e.ReputationDelta, &e.Reference, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		e.Kind = StakeEntryKind(kind)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history rows: %w", err)
	}

	return entries, nil
}

func insertHistory(ctx context.Context, tx pgx.Tx, e *StakeHistoryEntry) error {
	query := `
		INSERT INTO stake_history (
			id, node_address, kind, stake_delta, reputation_delta, reference, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := tx.Exec(ctx, query,
		e.ID, e.NodeAddress, string(e.Kind), e.StakeDelta, e.ReputationDelta,
		nullable(e.Reference), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting stake history: %w", err)
	}

	return nil
}

func scanKeeper(row pgx.Row) (*KeeperNode, error) {
	n := &KeeperNode{}
	err := row.Scan(
		&n.Address, &n.Owner, &n.StakedAmount, &n.ReputationScore,
		&n.IsActive, &n.IsSuspended, &n.SuspensionReason,
		&n.TotalTasksCompleted, &n.TotalTasksFailed, &n.SlashCount,
		&n.LastActivityTime, &n.UnstakeRequestTime, &n.Metadata,
		&n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning keeper node: %w", err)
	}

	return n, nil
}
