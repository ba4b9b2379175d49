package data

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-memory Repository used by unit tests and
// local development. A single mutex makes every operation linearizable,
// mirroring the row-lock semantics of the Postgres implementation.
type MemoryRepository struct {
	mu       sync.Mutex
	listings map[string]*Listing
	grants   map[string]*AccessGrant
	usage    map[string]*UsageRecord
	nodes    map[string]*KeeperNode
	slashes  map[string]*SlashEvent
	disputes map[string]*Dispute
	bySlash  map[string]string // slash id -> dispute id
	deposits map[string]*EscrowGasDeposit
	history  []*StakeHistoryEntry
	escrowed []*EscrowUsageEntry
	daily    map[string]*DailyTaskStat // key: address + day
}

// Ensure MemoryRepository implements the Repository interface
var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		listings: make(map[string]*Listing),
		grants:   make(map[string]*AccessGrant),
		usage:    make(map[string]*UsageRecord),
		nodes:    make(map[string]*KeeperNode),
		slashes:  make(map[string]*SlashEvent),
		disputes: make(map[string]*Dispute),
		bySlash:  make(map[string]string),
		deposits: make(map[string]*EscrowGasDeposit),
		daily:    make(map[string]*DailyTaskStat),
	}
}

// Listing operations

func (m *MemoryRepository) CreateListing(ctx context.Context, l *Listing) error {
	if err := l.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.listings[l.ID]; exists {
		return ErrDuplicate
	}
	cp := *l
	m.listings[l.ID] = &cp
	return nil
}

func (m *MemoryRepository) GetListing(ctx context.Context, id string) (*Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, exists := m.listings[id]
	if !exists {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

// Access grant operations

func (m *MemoryRepository) CreateAccessGrant(ctx context.Context, g *AccessGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.grants[g.AccessKey]; exists {
		return ErrDuplicate
	}
	cp := *g
	m.grants[g.AccessKey] = &cp
	return nil
}

func (m *MemoryRepository) GetAccessGrant(ctx context.Context, accessKey string) (*AccessGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, exists := m.grants[accessKey]
	if !exists {
		return nil, ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *MemoryRepository) SetGrantStatus(ctx context.Context, accessKey string, status GrantStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, exists := m.grants[accessKey]
	if !exists {
		return ErrNotFound
	}
	g.Status = status
	g.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryRepository) ConsumeQuota(ctx context.Context, accessKey string, rec *UsageRecord) (*AccessGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, exists := m.grants[accessKey]
	if !exists {
		return nil, ErrNotFound
	}
	if g.Status != GrantActive || g.UsedQuota >= g.TotalQuota {
		return nil, ErrQuotaExhausted
	}
	g.UsedQuota++
	g.UpdatedAt = time.Now().UTC()
	rc := *rec
	m.usage[rec.ID] = &rc
	cp := *g
	return &cp, nil
}

func (m *MemoryRepository) ExpireGrantsPast(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, g := range m.grants {
		if g.Status == GrantActive && g.Expired(now) {
			g.Status = GrantExpired
			g.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// Usage record operations

func (m *MemoryRepository) GetUsageRecord(ctx context.Context, id string) (*UsageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, exists := m.usage[id]
	if !exists {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryRepository) SetUsageSettlement(ctx context.Context, id, txHash string, block int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, exists := m.usage[id]
	if !exists {
		return ErrNotFound
	}
	rec.SettlementTxHash = txHash
	rec.SettlementBlock = block
	return nil
}

// UsageRecordCount returns the number of stored usage records. Test
// helper, not part of the Repository interface.
func (m *MemoryRepository) UsageRecordCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.usage)
}

// UsageRecords returns a snapshot of all stored records. Test helper.
func (m *MemoryRepository) UsageRecords() []*UsageRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*UsageRecord, 0, len(m.usage))
	for _, rec := range m.usage {
		cp := *rec
		out = append(out, &cp)
	}
	return out
}

// Keeper node operations

func (m *MemoryRepository) CreateKeeperNode(ctx context.Context, n *KeeperNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.nodes[n.Address]; exists {
		return ErrDuplicate
	}
	cp := *n
	m.nodes[n.Address] = &cp
	m.history = append(m.history, NewStakeHistoryEntry(n.Address, StakeEntryRegister, n.StakedAmount, n.ReputationScore, ""))
	return nil
}

func (m *MemoryRepository) GetKeeperNode(ctx context.Context, address string) (*KeeperNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, exists := m.nodes[address]
	if !exists {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (m *MemoryRepository) ListActiveKeepers(ctx context.Context) ([]*KeeperNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*KeeperNode
	for _, n := range m.nodes {
		if n.Selectable() {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryRepository) RecordSelectorOutcome(ctx context.Context, address string, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, exists := m.nodes[address]
	if !exists {
		return ErrNotFound
	}
	if success {
		n.TotalTasksCompleted++
		n.ReputationScore = ClampReputation(n.ReputationScore + 1)
	} else {
		n.TotalTasksFailed++
		n.ReputationScore = ClampReputation(n.ReputationScore - 5)
	}
	if !n.IsSuspended && n.ReputationScore < SuspendReputationThreshold {
		n.IsSuspended = true
		n.SuspensionReason = SuspendReasonLowReputation
	}
	n.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryRepository) RecordTaskOutcome(ctx context.Context, address string, success bool, executionMs int64) (*KeeperNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, exists := m.nodes[address]
	if !exists {
		return nil, ErrNotFound
	}
	now := time.Now().UTC()
	if success {
		n.TotalTasksCompleted++
	} else {
		n.TotalTasksFailed++
	}
	n.LastActivityTime = now
	n.UpdatedAt = now

	n.ReputationScore = ClampReputation(n.ReputationScore + reputationDelta(n.TotalTasksCompleted, n.TotalTasksFailed, n.ReputationScore))
	if !n.IsSuspended && n.ReputationScore < SuspendReputationThreshold {
		n.IsSuspended = true
		n.SuspensionReason = SuspendReasonLowReputation
	}

	day := now.Truncate(24 * time.Hour)
	key := address + day.Format("2006-01-02")
	stat, ok := m.daily[key]
	if !ok {
		stat = &DailyTaskStat{NodeAddress: address, Day: day}
		m.daily[key] = stat
	}
	total := stat.Completed + stat.Failed
	stat.AvgExecutionMs = (stat.AvgExecutionMs*float64(total) + float64(executionMs)) / float64(total+1)
	if success {
		stat.Completed++
	} else {
		stat.Failed++
	}

	cp := *n
	return &cp, nil
}

func (m *MemoryRepository) TouchKeeper(ctx context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, exists := m.nodes[address]
	if !exists {
		return ErrNotFound
	}
	now := time.Now().UTC()
	n.LastActivityTime = now
	n.UpdatedAt = now
	return nil
}

func (m *MemoryRepository) DeactivateStaleKeepers(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, n := range m.nodes {
		if n.IsActive && n.LastActivityTime.Before(cutoff) {
			n.IsActive = false
			n.UpdatedAt = time.Now().UTC()
			count++
		}
	}
	return count, nil
}

// Stake lifecycle operations

func (m *MemoryRepository) IncreaseStake(ctx context.Context, address string, amount float64) (*KeeperNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, exists := m.nodes[address]
	if !exists {
		return nil, ErrNotFound
	}
	n.StakedAmount += amount
	if n.IsSuspended && n.SuspensionReason == SuspendReasonLowStake && n.StakedAmount >= MinStake {
		n.IsSuspended = false
		n.SuspensionReason = ""
	}
	n.UpdatedAt = time.Now().UTC()
	m.history = append(m.history, NewStakeHistoryEntry(address, StakeEntryIncrease, amount, 0, ""))
	cp := *n
	return &cp, nil
}

func (m *MemoryRepository) RequestUnstake(ctx context.Context, address string) (*KeeperNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, exists := m.nodes[address]
	if !exists {
		return nil, ErrNotFound
	}
	if n.UnstakeRequestTime != nil {
		return nil, fmt.Errorf("%w: unstake already requested", ErrConflict)
	}
	now := time.Now().UTC()
	n.IsActive = false
	n.UnstakeRequestTime = &now
	n.UpdatedAt = now
	cp := *n
	return &cp, nil
}

func (m *MemoryRepository) CompleteUnstake(ctx context.Context, address string) (*KeeperNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, exists := m.nodes[address]
	if !exists {
		return nil, ErrNotFound
	}
	if n.UnstakeRequestTime == nil {
		return nil, fmt.Errorf("%w: unstake not requested", ErrConflict)
	}
	if time.Since(*n.UnstakeRequestTime) < UnstakeLockPeriod {
		return nil, ErrUnstakeLocked
	}
	withdrawn := n.StakedAmount
	n.StakedAmount = 0
	n.IsActive = false
	n.UpdatedAt = time.Now().UTC()
	m.history = append(m.history, NewStakeHistoryEntry(address, StakeEntryUnstake, -withdrawn, 0, ""))
	cp := *n
	return &cp, nil
}

func (m *MemoryRepository) SetSuspension(ctx context.Context, address string, suspended bool, reason string) (*KeeperNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, exists := m.nodes[address]
	if !exists {
		return nil, ErrNotFound
	}
	if !suspended && n.StakedAmount < MinStake {
		return nil, fmt.Errorf("%w: reactivation requires at least %v staked", ErrInsufficientStake, MinStake)
	}
	n.IsSuspended = suspended
	n.SuspensionReason = reason
	if !suspended {
		n.IsActive = true
	}
	n.UpdatedAt = time.Now().UTC()
	cp := *n
	return &cp, nil
}

func (m *MemoryRepository) GetStakeHistory(ctx context.Context, address string) ([]*StakeHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*StakeHistoryEntry
	for _, e := range m.history {
		if e.NodeAddress == address {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Slash and dispute operations

func (m *MemoryRepository) ApplySlash(ctx context.Context, ev *SlashEvent) (*KeeperNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, exists := m.nodes[ev.NodeAddress]
	if !exists {
		return nil, ErrNotFound
	}
	if ev.SlashAmount > n.StakedAmount {
		return nil, fmt.Errorf("%w: slash %v exceeds stake %v", ErrInsufficientStake, ev.SlashAmount, n.StakedAmount)
	}

	before := n.ReputationScore
	n.StakedAmount -= ev.SlashAmount
	n.ReputationScore = ClampReputation(n.ReputationScore - ev.Severity.ReputationPenalty())
	n.SlashCount++
	if !n.IsSuspended {
		switch {
		case n.StakedAmount < MinStake:
			n.IsSuspended = true
			n.SuspensionReason = SuspendReasonLowStake
		case n.ReputationScore < SuspendReputationThreshold:
			n.IsSuspended = true
			n.SuspensionReason = SuspendReasonLowReputation
		}
	}
	n.UpdatedAt = time.Now().UTC()

	cp := *ev
	m.slashes[ev.ID] = &cp
	m.history = append(m.history, NewStakeHistoryEntry(ev.NodeAddress, StakeEntrySlash, -ev.SlashAmount, n.ReputationScore-before, ev.ID))

	out := *n
	return &out, nil
}

func (m *MemoryRepository) GetSlashEvent(ctx context.Context, id string) (*SlashEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, exists := m.slashes[id]
	if !exists {
		return nil, ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

func (m *MemoryRepository) ListSlashEvents(ctx context.Context, filter SlashFilter) ([]*SlashEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*SlashEvent
	for _, ev := range m.slashes {
		if filter.NodeAddress != "" && ev.NodeAddress != filter.NodeAddress {
			continue
		}
		cp := *ev
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryRepository) CreateDispute(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	slash, exists := m.slashes[d.SlashID]
	if !exists {
		return ErrNotFound
	}
	if _, disputed := m.bySlash[d.SlashID]; disputed {
		return ErrDuplicate
	}
	cp := *d
	m.disputes[d.ID] = &cp
	m.bySlash[d.SlashID] = d.ID
	slash.IsDisputed = true
	return nil
}

func (m *MemoryRepository) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, exists := m.disputes[id]
	if !exists {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryRepository) ResolveDispute(ctx context.Context, res DisputeResolution) (*Dispute, *KeeperNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, exists := m.disputes[res.DisputeID]
	if !exists {
		return nil, nil, ErrNotFound
	}
	if d.Outcome != nil {
		return nil, nil, fmt.Errorf("%w: dispute already resolved", ErrConflict)
	}
	slash, exists := m.slashes[d.SlashID]
	if !exists {
		return nil, nil, ErrNotFound
	}
	n, exists := m.nodes[d.NodeAddress]
	if !exists {
		return nil, nil, ErrNotFound
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
	}

	if restoreStake > 0 || restoreRep != 0 {
		before := n.ReputationScore
		n.StakedAmount += restoreStake
		n.ReputationScore = ClampReputation(n.ReputationScore + restoreRep)
		if n.IsSuspended && n.SuspensionReason == SuspendReasonLowStake && n.StakedAmount >= MinStake {
			n.IsSuspended = false
			n.SuspensionReason = ""
		}
		if n.IsSuspended && n.SuspensionReason == SuspendReasonLowReputation && n.ReputationScore >= SuspendReputationThreshold {
			n.IsSuspended = false
			n.SuspensionReason = ""
		}
		n.UpdatedAt = time.Now().UTC()
		m.history = append(m.history, NewStakeHistoryEntry(n.Address, StakeEntryRestore, restoreStake, n.ReputationScore-before, d.ID))
	}

	now := time.Now().UTC()
	outcome := res.Outcome
	d.Outcome = &outcome
	d.ResolvedBy = res.ResolvedBy
	d.ResolvedAt = &now

	dc := *d
	nc := *n
	return &dc, &nc, nil
}

// Escrow gas sub-ledger operations

func (m *MemoryRepository) RecordGasDeposit(ctx context.Context, d *EscrowGasDeposit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.deposits[d.PurchaseID]; exists {
		return ErrDuplicate
	}
	cp := *d
	m.deposits[d.PurchaseID] = &cp
	return nil
}

func (m *MemoryRepository) GetGasDeposit(ctx context.Context, purchaseID string) (*EscrowGasDeposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, exists := m.deposits[purchaseID]
	if !exists {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryRepository) DeductGasFee(ctx context.Context, purchaseID string, cost float64, txHash string) (bool, error) {
	if cost <= 0 {
		return false, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, exists := m.deposits[purchaseID]
	if !exists {
		return false, ErrNotFound
	}
	if d.RemainingBalance < cost {
		return false, nil
	}
	d.RemainingBalance -= cost
	d.UsedGasFee += cost
	d.UsedCalls++
	d.UpdatedAt = time.Now().UTC()
	m.escrowed = append(m.escrowed, &EscrowUsageEntry{
		ID:         uuid.New().String(),
		PurchaseID: purchaseID,
		GasFee:     cost,
		TxHash:     txHash,
		CreatedAt:  time.Now().UTC(),
	})
	return true, nil
}

func (m *MemoryRepository) ListEscrowUsage(ctx context.Context, purchaseID string) ([]*EscrowUsageEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*EscrowUsageEntry
	for _, e := range m.escrowed {
		if e.PurchaseID == purchaseID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}
