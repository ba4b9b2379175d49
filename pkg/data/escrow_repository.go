package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// RecordGasDeposit inserts a prepaid gas balance for one purchase
func (r *PostgresRepository) RecordGasDeposit(ctx context.Context, d *EscrowGasDeposit) error {
	query := `
		INSERT INTO escrow_gas_deposits (
			purchase_id, buyer_id, listing_id, allocated_calls, gas_fee_amount,
			remaining_balance, used_gas_fee, used_calls, deposit_tx_hash,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := r.pool.Exec(ctx, query,
		d.PurchaseID, d.BuyerID, d.ListingID, d.AllocatedCalls, d.GasFeeAmount,
		d.RemainingBalance, d.UsedGasFee, d.UsedCalls, nullable(d.DepositTxHash),
		d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		if isPgDuplicateError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting gas deposit: %w", err)
	}

	return nil
}

// GetGasDeposit retrieves the deposit for a purchase
func (r *PostgresRepository) GetGasDeposit(ctx context.Context, purchaseID string) (*EscrowGasDeposit, error) {
	query := `
		SELECT purchase_id, buyer_id, listing_id, allocated_calls, gas_fee_amount,
			   remaining_balance, used_gas_fee, used_calls,
			   COALESCE(deposit_tx_hash, ''), created_at, updated_at
		FROM escrow_gas_deposits
		WHERE purchase_id = $1`

	d := &EscrowGasDeposit{}
	err := r.pool.QueryRow(ctx, query, purchaseID).Scan(
		&d.PurchaseID, &d.BuyerID, &d.ListingID, &d.AllocatedCalls,
		&d.GasFeeAmount, &d.RemainingBalance, &d.UsedGasFee, &d.UsedCalls,
		&d.DepositTxHash, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying gas deposit: %w", err)
	}

	return d, nil
}

// DeductGasFee charges one settlement transaction against the purchase's
// prepaid balance. The row lock serializes deductions per purchase;
// insufficient balance returns false with no mutation.
func (r *PostgresRepository) DeductGasFee(ctx context.Context, purchaseID string, cost float64, txHash string) (bool, error) {
	if cost <= 0 {
		return false, ErrInvalidAmount
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var remaining float64
	lock := `SELECT remaining_balance FROM escrow_gas_deposits WHERE purchase_id = $1 FOR UPDATE`
	if err := tx.QueryRow(ctx, lock, purchaseID).Scan(&remaining); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("locking gas deposit: %w", err)
	}
	if remaining < cost {
		return false, nil
	}

	update := `
		UPDATE escrow_gas_deposits
		SET remaining_balance = remaining_balance - $2,
			used_gas_fee = used_gas_fee + $2,
			used_calls = used_calls + 1,
			updated_at = $3
		WHERE purchase_id = $1`
	if _, err := tx.Exec(ctx, update, purchaseID, cost, time.Now().UTC()); err != nil {
		return false, fmt.Errorf("deducting gas fee: %w", err)
	}

	audit := `
		INSERT INTO escrow_usage_entries (id, purchase_id, gas_fee, tx_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := tx.Exec(ctx, audit, uuid.New().String(), purchaseID, cost, nullable(txHash), time.Now().UTC()); err != nil {
		return false, fmt.Errorf("inserting escrow usage entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("committing gas deduction: %w", err)
	}

	return true, nil
}

// ListEscrowUsage returns the audit trail of gas deductions
func (r *PostgresRepository) ListEscrowUsage(ctx context.Context, purchaseID string) ([]*EscrowUsageEntry, error) {
	query := `
		SELECT id, purchase_id, gas_fee, COALESCE(tx_hash, ''), created_at
		FROM escrow_usage_entries
		WHERE purchase_id = $1
		ORDER BY created_at ASC`

	rows, err := r.pool.Query(ctx, query, purchaseID)
	if err != nil {
		return nil, fmt.Errorf("querying escrow usage: %w", err)
	}
	defer rows.Close()

	var entries []*EscrowUsageEntry
	for rows.Next() {
		e := &EscrowUsageEntry{}
		if err := rows.Scan(&e.ID, &e.PurchaseID, &e.GasFee, &e.TxHash, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning escrow usage row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating escrow usage rows: %w", err)
	}

	return entries, nil
}
