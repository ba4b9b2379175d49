package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ApplySlash deducts stake and reputation in one row-locked transaction.
// The slash event and its audit entry are inserted atomically with the
// node mutation; no field changes when the amount exceeds the stake.
func (r *PostgresRepository) ApplySlash(ctx context.Context, ev *SlashEvent) (*KeeperNode, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	node, err := scanKeeper(tx.QueryRow(ctx, `SELECT `+keeperColumns+` FROM keeper_nodes WHERE address = $1 FOR UPDATE`, ev.NodeAddress))
	if err != nil {
		return nil, err
	}
	if ev.SlashAmount > node.StakedAmount {
		return nil, fmt.Errorf("%w: slash %v exceeds stake %v", ErrInsufficientStake, ev.SlashAmount, node.StakedAmount)
	}

	penalty := ev.Severity.ReputationPenalty()
	newStake := node.StakedAmount - ev.SlashAmount
	newReputation := ClampReputation(node.ReputationScore - penalty)

	suspended := node.IsSuspended
	reason := node.SuspensionReason
	if !suspended {
		switch {
		case newStake < MinStake:
			suspended = true
			reason = SuspendReasonLowStake
		case newReputation < SuspendReputationThreshold:
			suspended = true
			reason = SuspendReasonLowReputation
		}
	}

	now := time.Now().UTC()
	update := `
		UPDATE keeper_nodes
		SET staked_amount = $2, reputation_score = $3, slash_count = slash_count + 1,
			is_suspended = $4, suspension_reason = $5, updated_at = $6
		WHERE address = $1`
	if _, err := tx.Exec(ctx, update, ev.NodeAddress, newStake, newReputation, suspended, nullable(reason), now); err != nil {
		return nil, fmt.Errorf("applying slash: %w", err)
	}

	insert := `
		INSERT INTO slash_events (
			id, node_address, reason, severity, slash_amount, evidence,
			slashed_by, timestamp, is_disputed
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = tx.Exec(ctx, insert,
		ev.ID, ev.NodeAddress, string(ev.Reason), string(ev.Severity),
		ev.SlashAmount, nullable(ev.Evidence), ev.SlashedBy, ev.Timestamp,
		ev.IsDisputed,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting slash event: %w", err)
	}

	entry := NewStakeHistoryEntry(ev.NodeAddress, StakeEntrySlash, -ev.SlashAmount, newReputation-node.ReputationScore, ev.ID)
	if err := insertHistory(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing slash: %w", err)
	}

	node.StakedAmount = newStake
	node.ReputationScore = newReputation
	node.SlashCount++
	node.IsSuspended = suspended
	node.SuspensionReason = reason
	node.UpdatedAt = now
	return node, nil
}

// GetSlashEvent retrieves a slash event by ID
func (r *PostgresRepository) GetSlashEvent(ctx context.Context, id string) (*SlashEvent, error) {
	query := `
		SELECT id, node_address, reason, severity, slash_amount,
			   COALESCE(evidence, ''), slashed_by, timestamp, is_disputed
		FROM slash_events
		WHERE id = $1`

	return scanSlash(r.pool.QueryRow(ctx, query, id))
}

// ListSlashEvents returns slash history, newest first
func (r *PostgresRepository) ListSlashEvents(ctx context.Context, filter SlashFilter) ([]*SlashEvent, error) {
	query := `
		SELECT id, node_address, reason, severity, slash_amount,
			   COALESCE(evidence, ''), slashed_by, timestamp, is_disputed
		FROM slash_events`

	args := make([]interface{}, 0, 3)
	if filter.NodeAddress != "" {
		query += ` WHERE node_address = $1`
		args = append(args, filter.NodeAddress)
	}
	query += ` ORDER BY timestamp DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", len(args)+1)
		args = append(args, filter.Offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying slash events: %w", err)
	}
	defer rows.Close()

	var events []*SlashEvent
	for rows.Next() {
		ev, err := scanSlash(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating slash rows: %w", err)
	}

	return events, nil
}

// CreateDispute files a dispute and flags the slash event. The unique
// index on slash_id enforces at most one dispute per slash.
func (r *PostgresRepository) CreateDispute(ctx context.Context, d *Dispute) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	insert := `
		INSERT INTO disputes (
			id, slash_id, node_address, reason, evidence, disputed_by, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err = tx.Exec(ctx, insert,
		d.ID, d.SlashID, d.NodeAddress, d.Reason, nullable(d.Evidence),
		d.DisputedBy, d.CreatedAt,
	)
	if err != nil {
		if isPgDuplicateError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting dispute: %w", err)
	}

	flag := `UPDATE slash_events SET is_disputed = true WHERE id = $1`
	result, err := tx.Exec(ctx, flag, d.SlashID)
	if err != nil {
		return fmt.Errorf("flagging slash event: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing dispute: %w", err)
	}

	return nil
}

// GetDispute retrieves a dispute by ID
func (r *PostgresRepository) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	query := `
		SELECT id, slash_id, node_address, reason, COALESCE(evidence, ''),
			   disputed_by, outcome, COALESCE(resolved_by, ''), resolved_at, created_at
		FROM disputes
		WHERE id = $1`

	d := &Dispute{}
	var outcome *string
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&d.ID, &d.SlashID, &d.NodeAddress, &d.Reason, &d.Evidence,
		&d.DisputedBy, &outcome, &d.ResolvedBy, &d.ResolvedAt, &d.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying dispute: %w", err)
	}
	if outcome != nil {
		o := DisputeOutcome(*outcome)
		d.Outcome = &o
	}

	return d, nil
}

// ResolveDispute records the outcome and applies any restoration inside
// one transaction. Restorations append history rows; nothing is mutated
// in place.
func (r *PostgresRepository) ResolveDispute(ctx context.Context, res DisputeResolution) (*Dispute, *KeeperNode, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	lock := `
		SELECT id, slash_id, node_address, reason, COALESCE(evidence, ''),
			   disputed_by, outcome, COALESCE(resolved_by, ''), resolved_at, created_at
		FROM disputes
		WHERE id = $1
		FOR UPDATE`

	d := &Dispute{}
	var existing *string
	err = tx.QueryRow(ctx, lock, res.DisputeID).Scan(
		&d.ID, &d.SlashID, &d.NodeAddress, &d.Reason, &d.Evidence,
		&d.DisputedBy, &existing, &d.ResolvedBy, &d.ResolvedAt, &d.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("locking dispute: %w", err)
	}
	if existing != nil {
		return nil, nil, fmt.Errorf("%w: dispute already resolved", ErrConflict)
	}

	slash, err := scanSlash(tx.QueryRow(ctx, `
		SELECT id, node_address, reason, severity, slash_amount,
			   COALESCE(evidence, ''), slashed_by, timestamp, is_disputed
		FROM slash_events WHERE id = $1`, d.SlashID))
	if err != nil {
		return nil, nil, err
	}

	restoreStake := 0.0
	restoreRep := 0
	switch res.Outcome {
	case OutcomeOverturned:
		restoreStake = slash.SlashAmount
		restoreRep = slash.Severity.ReputationPenalty()
	case OutcomePartial:
		restoreStake = res.RestoreStake
		restoreRep = res.RestoreReputation
	case OutcomeUpheld:
		// no restoration
	}

	var node *KeeperNode
	if restoreStake > 0 || restoreRep != 0 {
		node, err = r.restoreNode(ctx, tx, d.NodeAddress, restoreStake, restoreRep, d.ID)
		if err != nil {
			return nil, nil, err
		}
	} else {
		node, err = scanKeeper(tx.QueryRow(ctx, `SELECT `+keeperColumns+` FROM keeper_nodes WHERE address = $1`, d.NodeAddress))
		if err != nil {
			return nil, nil, err
		}
	}

	now := time.Now().UTC()
	update := `
		UPDATE disputes
		SET outcome = $2, resolved_by = $3, resolved_at = $4
		WHERE id = $1`
	if _, err := tx.Exec(ctx, update, d.ID, string(res.Outcome), res.ResolvedBy, now); err != nil {
		return nil, nil, fmt.Errorf("resolving dispute: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("committing resolution: %w", err)
	}

	outcome := res.Outcome
	d.Outcome = &outcome
	d.ResolvedBy = res.ResolvedBy
	d.ResolvedAt = &now
	return d, node, nil
}

// restoreNode returns stake and reputation to a slashed node, lifting a
// stake-based suspension when the restored stake clears the minimum.
func (r *PostgresRepository) restoreNode(ctx context.Context, tx pgx.Tx, address string, stake float64, reputation int, reference string) (*KeeperNode, error) {
	node, err := scanKeeper(tx.QueryRow(ctx, `SELECT `+keeperColumns+` FROM keeper_nodes WHERE address = $1 FOR UPDATE`, address))
	if err != nil {
		return nil, err
	}

	newStake := node.StakedAmount + stake
	newReputation := ClampReputation(node.ReputationScore + reputation)

	suspended := node.IsSuspended
	reason := node.SuspensionReason
	if suspended && reason == SuspendReasonLowStake && newStake >= MinStake {
		suspended = false
		reason = ""
	}
	if suspended && reason == SuspendReasonLowReputation && newReputation >= SuspendReputationThreshold {
		suspended = false
		reason = ""
	}

	now := time.Now().UTC()
	update := `
		UPDATE keeper_nodes
		SET staked_amount = $2, reputation_score = $3, is_suspended = $4,
			suspension_reason = $5, updated_at = $6
		WHERE address = $1`
	if _, err := tx.Exec(ctx, update, address, newStake, newReputation, suspended, nullable(reason), now); err != nil {
		return nil, fmt.Errorf("restoring node: %w", err)
	}

	entry := NewStakeHistoryEntry(address, StakeEntryRestore, stake, newReputation-node.ReputationScore, reference)
	if err := insertHistory(ctx, tx, entry); err != nil {
		return nil, err
	}

	node.StakedAmount = newStake
	node.ReputationScore = newReputation
	node.IsSuspended = suspended
	node.SuspensionReason = reason
	node.UpdatedAt = now
	return node, nil
}

func scanSlash(row pgx.Row) (*SlashEvent, error) {
	ev := &SlashEvent{}
	var reason, severity string
	err := row.Scan(
		&ev.ID, &ev.NodeAddress, &reason, &severity, &ev.SlashAmount,
		&ev.Evidence, &ev.SlashedBy, &ev.Timestamp, &ev.IsDisputed,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning slash event: %w", err)
	}
	ev.Reason = SlashReason(reason)
	ev.Severity = SlashSeverity(severity)

	return ev, nil
}
