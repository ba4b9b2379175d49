package escrow

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"keeper_market/pkg/data"
)

// Params are the deterministic gas fee estimation inputs. Both sides of
// a purchase must compute the same required deposit, so the estimate
// uses fixed parameters and fixed rounding.
type Params struct {
	GasPerCall   int64
	GasPrice     float64
	BufferFactor float64
}

// Service manages the prepaid gas sub-ledger funding settlement logging.
type Service struct {
	repo   data.Repository
	params Params
	logger *zap.Logger
}

// NewService creates an escrow gas service
func NewService(repo data.Repository, params Params, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		params: params,
		logger: logger,
	}
}

// EstimateGasFee returns the required deposit for the given call
// allocation. The result is rounded to 9 decimal places so repeated
// estimates always agree.
func (s *Service) EstimateGasFee(calls int64) (float64, error) {
	if calls <= 0 {
		return 0, fmt.Errorf("%w: call allocation must be positive", data.ErrInvalidAmount)
	}
	raw := float64(calls) * float64(s.params.GasPerCall) * s.params.GasPrice * s.params.BufferFactor
	return round(raw, 9), nil
}

// PerCallFee returns the gas fee charged per settled call, without the
// deposit buffer.
func (s *Service) PerCallFee() float64 {
	return round(float64(s.params.GasPerCall)*s.params.GasPrice, 9)
}

// RecordDeposit verifies the deposited amount covers the estimate and
// opens the sub-ledger row for the purchase.
func (s *Service) RecordDeposit(ctx context.Context, purchaseID, buyerID, listingID string, calls int64, amount float64, txHash string) (*data.EscrowGasDeposit, error) {
	required, err := s.EstimateGasFee(calls)
	if err != nil {
		return nil, err
	}
	if amount < required {
		return nil, fmt.Errorf("%w: deposit %v below required %v", data.ErrInvalidAmount, amount, required)
	}

	deposit, err := data.NewEscrowGasDeposit(purchaseID, buyerID, listingID, calls, amount, txHash)
	if err != nil {
		return nil, err
	}
	if err := s.repo.RecordGasDeposit(ctx, deposit); err != nil {
		return nil, fmt.Errorf("recording gas deposit for purchase %s: %w", purchaseID, err)
	}

	s.logger.Info("gas deposit recorded",
		zap.String("purchase_id", purchaseID),
		zap.Int64("calls", calls),
		zap.Float64("amount", amount))
	return deposit, nil
}

// Deduct charges one settled call against the purchase's balance.
// Returns false when the remaining balance cannot cover the fee; the
// balance is left untouched in that case.
func (s *Service) Deduct(ctx context.Context, purchaseID, txHash string) (bool, error) {
	ok, err := s.repo.DeductGasFee(ctx, purchaseID, s.PerCallFee(), txHash)
	if err != nil {
		return false, fmt.Errorf("deducting gas for purchase %s: %w", purchaseID, err)
	}
	if !ok {
		s.logger.Warn("gas balance exhausted", zap.String("purchase_id", purchaseID))
	}
	return ok, nil
}

// Get returns the deposit row for a purchase.
func (s *Service) Get(ctx context.Context, purchaseID string) (*data.EscrowGasDeposit, error) {
	return s.repo.GetGasDeposit(ctx, purchaseID)
}

// Usage returns the audit trail of deductions for a purchase.
func (s *Service) Usage(ctx context.Context, purchaseID string) ([]*data.EscrowUsageEntry, error) {
	return s.repo.ListEscrowUsage(ctx, purchaseID)
}

// round rounds v to the given decimal place.
func round(v float64, places int) float64 {
	shift := math.Pow(10, float64(places))
	return math.Round(v*shift) / shift
}
