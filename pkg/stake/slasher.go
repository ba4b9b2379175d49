package stake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"keeper_market/pkg/data"
)

// ErrDisputeWindowClosed is returned when a dispute is filed after the
// allowed window has passed.
var ErrDisputeWindowClosed = errors.New("dispute window closed")

// Slasher applies punitive stake deductions and resolves the disputes
// that contest them.
type Slasher struct {
	repo   data.Repository
	logger *zap.Logger
	now    func() time.Time
}

// NewSlasher creates a slashing service
func NewSlasher(repo data.Repository, logger *zap.Logger) *Slasher {
	return &Slasher{
		repo:   repo,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Slash deducts stake and reputation from a node for the given reason.
// The whole penalty is rejected when the amount exceeds the node's
// stake; nothing is mutated in that case.
func (s *Slasher) Slash(ctx context.Context, nodeAddress string, reason data.SlashReason, severity data.SlashSeverity, amount float64, evidence, slashedBy string) (*data.SlashEvent, *data.KeeperNode, error) {
	ev, err := data.NewSlashEvent(nodeAddress, reason, severity, amount, evidence, slashedBy)
	if err != nil {
		return nil, nil, err
	}

	node, err := s.repo.ApplySlash(ctx, ev)
	if err != nil {
		return nil, nil, fmt.Errorf("slashing %s: %w", nodeAddress, err)
	}

	s.logger.Warn("keeper slashed",
		zap.String("address", nodeAddress),
		zap.String("reason", string(reason)),
		zap.String("severity", string(severity)),
		zap.Float64("amount", amount),
		zap.Float64("remaining_stake", node.StakedAmount),
		zap.Int("reputation", node.ReputationScore))
	return ev, node, nil
}

// GetSlash returns a slash event by ID.
func (s *Slasher) GetSlash(ctx context.Context, id string) (*data.SlashEvent, error) {
	return s.repo.GetSlashEvent(ctx, id)
}

// ListSlashes returns slash events matching the filter.
func (s *Slasher) ListSlashes(ctx context.Context, filter data.SlashFilter) ([]*data.SlashEvent, error) {
	return s.repo.ListSlashEvents(ctx, filter)
}

// FileDispute contests a slash. Only one dispute may exist per slash,
// and it must be filed within the dispute window of the slash time.
func (s *Slasher) FileDispute(ctx context.Context, slashID, reason, evidence, disputedBy string) (*data.Dispute, error) {
	ev, err := s.repo.GetSlashEvent(ctx, slashID)
	if err != nil {
		return nil, fmt.Errorf("loading slash %s: %w", slashID, err)
	}

	if s.now().Sub(ev.Timestamp) > data.DisputeWindow {
		return nil, fmt.Errorf("%w: slash %s is older than %s", ErrDisputeWindowClosed, slashID, data.DisputeWindow)
	}

	d, err := data.NewDispute(slashID, ev.NodeAddress, reason, evidence, disputedBy)
	if err != nil {
		return nil, err
	}

	if err := s.repo.CreateDispute(ctx, d); err != nil {
		return nil, fmt.Errorf("filing dispute for slash %s: %w", slashID, err)
	}

	s.logger.Info("dispute filed",
		zap.String("dispute_id", d.ID),
		zap.String("slash_id", slashID),
		zap.String("node", ev.NodeAddress))
	return d, nil
}

// GetDispute returns a dispute by ID.
func (s *Slasher) GetDispute(ctx context.Context, id string) (*data.Dispute, error) {
	return s.repo.GetDispute(ctx, id)
}

// Resolve settles a dispute. OVERTURNED restores the full slash amount
// and reputation penalty, PARTIAL restores the supplied portion, UPHELD
// restores nothing. A dispute can only be resolved once.
func (s *Slasher) Resolve(ctx context.Context, disputeID string, outcome data.DisputeOutcome, restoreStake float64, restoreReputation int, resolvedBy string) (*data.Dispute, *data.KeeperNode, error) {
	if !outcome.Valid() {
		return nil, nil, fmt.Errorf("unknown dispute outcome %q", outcome)
	}
	if resolvedBy == "" {
		return nil, nil, errors.New("resolver cannot be empty")
	}

	if outcome == data.OutcomePartial {
		d, err := s.repo.GetDispute(ctx, disputeID)
		if err != nil {
			return nil, nil, fmt.Errorf("loading dispute %s: %w", disputeID, err)
		}
		ev, err := s.repo.GetSlashEvent(ctx, d.SlashID)
		if err != nil {
			return nil, nil, fmt.Errorf("loading slash %s: %w", d.SlashID, err)
		}
		if restoreStake < 0 || restoreStake > ev.SlashAmount {
			return nil, nil, fmt.Errorf("%w: partial restore %v outside [0, %v]", data.ErrInvalidAmount, restoreStake, ev.SlashAmount)
		}
		if restoreReputation < 0 || restoreReputation > ev.Severity.ReputationPenalty() {
			return nil, nil, fmt.Errorf("%w: partial reputation restore %d outside [0, %d]", data.ErrInvalidAmount, restoreReputation, ev.Severity.ReputationPenalty())
		}
	}

	d, node, err := s.repo.ResolveDispute(ctx, data.DisputeResolution{
		DisputeID:         disputeID,
		Outcome:           outcome,
		RestoreStake:      restoreStake,
		RestoreReputation: restoreReputation,
		ResolvedBy:        resolvedBy,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("resolving dispute %s: %w", disputeID, err)
	}

	s.logger.Info("dispute resolved",
		zap.String("dispute_id", disputeID),
		zap.String("outcome", string(outcome)),
		zap.String("resolved_by", resolvedBy))
	return d, node, nil
}

