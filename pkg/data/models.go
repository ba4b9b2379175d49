package data

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Error variables for consistent error handling
var (
	ErrInvalidID         = errors.New("invalid identifier")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidAuthMode   = errors.New("invalid auth mode")
	ErrInsufficientStake = errors.New("insufficient stake")
)

// Economic parameters of the keeper network.
const (
	// MinStake is the minimum collateral (in native-token units) a keeper
	// must hold to be registered and selectable.
	MinStake = 0.1

	// SuspendReputationThreshold is the score below which a node is
	// force-suspended.
	SuspendReputationThreshold = 40

	// MaxReputation and MinReputation bound every reputation score.
	MaxReputation = 100
	MinReputation = 0

	// InitialReputation is assigned at registration.
	InitialReputation = 100

	// DisputeWindow is how long after a slash a dispute may be filed.
	DisputeWindow = 24 * time.Hour

	// UnstakeLockPeriod is the delay between requesting and completing a
	// full stake withdrawal.
	UnstakeLockPeriod = 7 * 24 * time.Hour

	// KeeperHeartbeatMaxAge is the silence threshold past which the reaper
	// deactivates a node.
	KeeperHeartbeatMaxAge = 5 * time.Minute
)

// Automatic suspension reasons. Stake-based suspension is lifted when the
// stake clears MinStake again; reputation-based suspension is not.
const (
	SuspendReasonLowStake      = "stake below minimum"
	SuspendReasonLowReputation = "reputation below threshold"
)

// KeeperNode represents a registered worker node holding API credentials
// on behalf of sellers.
type KeeperNode struct {
	Address             string            `json:"address"`
	Owner               string            `json:"owner"`
	StakedAmount        float64           `json:"staked_amount"`
	ReputationScore     int               `json:"reputation_score"`
	IsActive            bool              `json:"is_active"`
	IsSuspended         bool              `json:"is_suspended"`
	SuspensionReason    string            `json:"suspension_reason,omitempty"`
	TotalTasksCompleted int64             `json:"total_tasks_completed"`
	TotalTasksFailed    int64             `json:"total_tasks_failed"`
	SlashCount          int64             `json:"slash_count"`
	LastActivityTime    time.Time         `json:"last_activity_time"`
	UnstakeRequestTime  *time.Time        `json:"unstake_request_time,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// NewKeeperNode creates a registered, active node with validation
func NewKeeperNode(owner, address string, stake float64, metadata map[string]string) (*KeeperNode, error) {
	if owner == "" {
		return nil, errors.New("owner cannot be empty")
	}
	if address == "" {
		return nil, errors.New("node address cannot be empty")
	}
	if stake < MinStake {
		return nil, fmt.Errorf("%w: registration requires at least %v", ErrInsufficientStake, MinStake)
	}

	now := time.Now().UTC()
	return &KeeperNode{
		Address:          address,
		Owner:            owner,
		StakedAmount:     stake,
		ReputationScore:  InitialReputation,
		IsActive:         true,
		LastActivityTime: now,
		Metadata:         metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// TotalTasks returns the lifetime task count used for least-loaded tie
// breaking in selection.
func (n *KeeperNode) TotalTasks() int64 {
	return n.TotalTasksCompleted + n.TotalTasksFailed
}

// Selectable reports whether the node may receive proxied requests.
func (n *KeeperNode) Selectable() bool {
	return n.IsActive && !n.IsSuspended
}

// SlashReason identifies the class of misbehavior being punished.
type SlashReason string

const (
	SlashKeyTheft             SlashReason = "key-theft"
	SlashDataTampering        SlashReason = "data-tampering"
	SlashDowntimeViolation    SlashReason = "downtime-violation"
	SlashMaliciousBehavior    SlashReason = "malicious-behavior"
	SlashResponseManipulation SlashReason = "response-manipulation"
	SlashUnauthorizedAccess   SlashReason = "unauthorized-access"
)

// Valid checks the reason against the closed set.
func (r SlashReason) Valid() bool {
	switch r {
	case SlashKeyTheft, SlashDataTampering, SlashDowntimeViolation,
		SlashMaliciousBehavior, SlashResponseManipulation, SlashUnauthorizedAccess:
		return true
	}
	return false
}

// SlashSeverity grades a slash and determines the reputation penalty.
type SlashSeverity string

const (
	SeverityMinor    SlashSeverity = "MINOR"
	SeverityModerate SlashSeverity = "MODERATE"
	SeveritySevere   SlashSeverity = "SEVERE"
)

// ReputationPenalty returns the score deduction applied for this severity.
func (s SlashSeverity) ReputationPenalty() int {
	switch s {
	case SeveritySevere:
		return 20
	case SeverityModerate:
		return 10
	case SeverityMinor:
		return 5
	}
	return 0
}

// Valid checks the severity against the closed set.
func (s SlashSeverity) Valid() bool {
	return s.ReputationPenalty() > 0
}

// SlashEvent records a punitive stake deduction against a node.
type SlashEvent struct {
	ID          string        `json:"id"`
	NodeAddress string        `json:"node_address"`
	Reason      SlashReason   `json:"reason"`
	Severity    SlashSeverity `json:"severity"`
	SlashAmount float64       `json:"slash_amount"`
	Evidence    string        `json:"evidence,omitempty"`
	SlashedBy   string        `json:"slashed_by"`
	Timestamp   time.Time     `json:"timestamp"`
	IsDisputed  bool          `json:"is_disputed"`
}

// NewSlashEvent creates a SlashEvent with validation. The stake check
// against the node happens inside the repository transaction.
func NewSlashEvent(nodeAddress string, reason SlashReason, severity SlashSeverity, amount float64, evidence, slashedBy string) (*SlashEvent, error) {
	if nodeAddress == "" {
		return nil, errors.New("node address cannot be empty")
	}
	if !reason.Valid() {
		return nil, fmt.Errorf("unknown slash reason %q", reason)
	}
	if !severity.Valid() {
		return nil, fmt.Errorf("unknown slash severity %q", severity)
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if slashedBy == "" {
		return nil, errors.New("reporter cannot be empty")
	}

	return &SlashEvent{
		ID:          uuid.New().String(),
		NodeAddress: nodeAddress,
		Reason:      reason,
		Severity:    severity,
		SlashAmount: amount,
		Evidence:    evidence,
		SlashedBy:   slashedBy,
		Timestamp:   time.Now().UTC(),
	}, nil
}

// DisputeOutcome is the resolution of a disputed slash.
type DisputeOutcome string

const (
	OutcomeUpheld     DisputeOutcome = "UPHELD"
	OutcomeOverturned DisputeOutcome = "OVERTURNED"
	OutcomePartial    DisputeOutcome = "PARTIAL"
)

// Valid checks the outcome against the closed set.
func (o DisputeOutcome) Valid() bool {
	switch o {
	case OutcomeUpheld, OutcomeOverturned, OutcomePartial:
		return true
	}
	return false
}

// Dispute contests a SlashEvent. At most one exists per slash.
type Dispute struct {
	ID          string          `json:"id"`
	SlashID     string          `json:"slash_id"`
	NodeAddress string          `json:"node_address"`
	Reason      string          `json:"reason"`
	Evidence    string          `json:"evidence,omitempty"`
	DisputedBy  string          `json:"disputed_by"`
	Outcome     *DisputeOutcome `json:"outcome,omitempty"`
	ResolvedBy  string          `json:"resolved_by,omitempty"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// NewDispute creates a pending dispute with validation
func NewDispute(slashID, nodeAddress, reason, evidence, disputedBy string) (*Dispute, error) {
	if slashID == "" {
		return nil, errors.New("slash ID cannot be empty")
	}
	if nodeAddress == "" {
		return nil, errors.New("node address cannot be empty")
	}
	if reason == "" {
		return nil, errors.New("dispute reason cannot be empty")
	}
	if disputedBy == "" {
		return nil, errors.New("disputer cannot be empty")
	}

	return &Dispute{
		ID:          uuid.New().String(),
		SlashID:     slashID,
		NodeAddress: nodeAddress,
		Reason:      reason,
		Evidence:    evidence,
		DisputedBy:  disputedBy,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Resolved reports whether the dispute already has an outcome.
func (d *Dispute) Resolved() bool {
	return d.Outcome != nil
}

// GrantStatus is the lifecycle state of an AccessGrant.
type GrantStatus string

const (
	GrantActive    GrantStatus = "active"
	GrantExpired   GrantStatus = "expired"
	GrantSuspended GrantStatus = "suspended"
)

// AccessGrant is a buyer's purchased call quota for one listing,
// referenced by a secret access key.
type AccessGrant struct {
	AccessKey string `json:"access_key"`
	// PurchaseID links the grant to its escrow gas deposit. Empty for
	// grants issued without settlement funding.
	PurchaseID string      `json:"purchase_id,omitempty"`
	BuyerID    string      `json:"buyer_id"`
	ListingID  string      `json:"listing_id"`
	TotalQuota int64       `json:"total_quota"`
	UsedQuota  int64       `json:"used_quota"`
	Status     GrantStatus `json:"status"`
	ExpiresAt  *time.Time  `json:"expires_at,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// NewAccessGrant creates an active grant with validation
func NewAccessGrant(accessKey, buyerID, listingID string, totalQuota int64, expiresAt *time.Time) (*AccessGrant, error) {
	if accessKey == "" {
		return nil, errors.New("access key cannot be empty")
	}
	if buyerID == "" {
		return nil, errors.New("buyer ID cannot be empty")
	}
	if listingID == "" {
		return nil, errors.New("listing ID cannot be empty")
	}
	if totalQuota <= 0 {
		return nil, fmt.Errorf("%w: quota must be positive", ErrInvalidAmount)
	}

	now := time.Now().UTC()
	return &AccessGrant{
		AccessKey:  accessKey,
		BuyerID:    buyerID,
		ListingID:  listingID,
		TotalQuota: totalQuota,
		Status:     GrantActive,
		ExpiresAt:  expiresAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// RemainingQuota returns totalQuota - usedQuota. Never negative by the
// consume-quota invariant.
func (g *AccessGrant) RemainingQuota() int64 {
	return g.TotalQuota - g.UsedQuota
}

// Expired reports whether the grant is past its expiry at the given time.
func (g *AccessGrant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && now.After(*g.ExpiresAt)
}

// AuthModeKind tags the closed set of credential injection modes.
type AuthModeKind string

const (
	AuthHeaderKey    AuthModeKind = "header-key"
	AuthQueryParam   AuthModeKind = "query-param"
	AuthOAuth2Bearer AuthModeKind = "oauth2"
)

// AuthMode describes how the seller credential is injected into the
// outbound request. Name is the header or query parameter name; for
// oauth2 the Authorization header is always used.
type AuthMode struct {
	Kind AuthModeKind `json:"kind"`
	Name string       `json:"name,omitempty"`
}

// Validate checks the auth mode against the closed variant set.
func (m AuthMode) Validate() error {
	switch m.Kind {
	case AuthHeaderKey, AuthQueryParam:
		if m.Name == "" {
			return fmt.Errorf("%w: %s requires a parameter name", ErrInvalidAuthMode, m.Kind)
		}
		return nil
	case AuthOAuth2Bearer:
		return nil
	}
	return fmt.Errorf("%w: unknown kind %q", ErrInvalidAuthMode, m.Kind)
}

// Listing is the seller-side API offer the gateway proxies to.
type Listing struct {
	ID                  string    `json:"id"`
	SellerID            string    `json:"seller_id"`
	Name                string    `json:"name"`
	UpstreamBaseURL     string    `json:"upstream_base_url"`
	AuthMode            AuthMode  `json:"auth_mode"`
	EncryptedCredential []byte    `json:"-"`
	CredentialSalt      string    `json:"-"`
	CostPerCall         float64   `json:"cost_per_call"`
	CreatedAt           time.Time `json:"created_at"`
}

// Validate checks the listing fields required by the proxy path.
func (l *Listing) Validate() error {
	if l.ID == "" {
		return ErrInvalidID
	}
	if l.UpstreamBaseURL == "" {
		return errors.New("upstream base URL cannot be empty")
	}
	return l.AuthMode.Validate()
}

// UsageRecord is the accounting row written for every processed call
// attempt, in the same transaction as the quota decrement.
type UsageRecord struct {
	ID               string    `json:"id"`
	BuyerID          string    `json:"buyer_id"`
	ListingID        string    `json:"listing_id"`
	Method           string    `json:"method"`
	Path             string    `json:"path"`
	Success          bool      `json:"success"`
	ResponseCode     int       `json:"response_code"`
	LatencyMs        int64     `json:"latency_ms"`
	Cost             float64   `json:"cost"`
	KeeperID         string    `json:"keeper_id,omitempty"`
	SettlementTxHash string    `json:"settlement_tx_hash,omitempty"`
	SettlementBlock  int64     `json:"settlement_block,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// NewUsageRecord creates a usage record for one call attempt
func NewUsageRecord(buyerID, listingID, method, path string) *UsageRecord {
	return &UsageRecord{
		ID:        uuid.New().String(),
		BuyerID:   buyerID,
		ListingID: listingID,
		Method:    method,
		Path:      path,
		CreatedAt: time.Now().UTC(),
	}
}

// EscrowGasDeposit is the prepaid balance funding settlement logging for
// one purchase.
type EscrowGasDeposit struct {
	PurchaseID       string    `json:"purchase_id"`
	BuyerID          string    `json:"buyer_id"`
	ListingID        string    `json:"listing_id"`
	AllocatedCalls   int64     `json:"allocated_calls"`
	GasFeeAmount     float64   `json:"gas_fee_amount"`
	RemainingBalance float64   `json:"remaining_balance"`
	UsedGasFee       float64   `json:"used_gas_fee"`
	UsedCalls        int64     `json:"used_calls"`
	DepositTxHash    string    `json:"deposit_tx_hash,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// NewEscrowGasDeposit creates a deposit row with the full amount remaining
func NewEscrowGasDeposit(purchaseID, buyerID, listingID string, calls int64, amount float64, txHash string) (*EscrowGasDeposit, error) {
	if purchaseID == "" {
		return nil, errors.New("purchase ID cannot be empty")
	}
	if calls <= 0 {
		return nil, fmt.Errorf("%w: allocated calls must be positive", ErrInvalidAmount)
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	now := time.Now().UTC()
	return &EscrowGasDeposit{
		PurchaseID:       purchaseID,
		BuyerID:          buyerID,
		ListingID:        listingID,
		AllocatedCalls:   calls,
		GasFeeAmount:     amount,
		RemainingBalance: amount,
		DepositTxHash:    txHash,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// StakeEntryKind classifies an append-only stake history row.
type StakeEntryKind string

const (
	StakeEntryRegister StakeEntryKind = "register"
	StakeEntryIncrease StakeEntryKind = "stake-increase"
	StakeEntrySlash    StakeEntryKind = "slash"
	StakeEntryRestore  StakeEntryKind = "restore"
	StakeEntryUnstake  StakeEntryKind = "unstake"
)

// StakeHistoryEntry is an immutable audit row for every stake or
// reputation mutation. Rows are inserted, never updated.
type StakeHistoryEntry struct {
	ID              string         `json:"id"`
	NodeAddress     string         `json:"node_address"`
	Kind            StakeEntryKind `json:"kind"`
	StakeDelta      float64        `json:"stake_delta"`
	ReputationDelta int            `json:"reputation_delta"`
	Reference       string         `json:"reference,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// NewStakeHistoryEntry creates an audit row
func NewStakeHistoryEntry(nodeAddress string, kind StakeEntryKind, stakeDelta float64, repDelta int, reference string) *StakeHistoryEntry {
	return &StakeHistoryEntry{
		ID:              uuid.New().String(),
		NodeAddress:     nodeAddress,
		Kind:            kind,
		StakeDelta:      stakeDelta,
		ReputationDelta: repDelta,
		Reference:       reference,
		CreatedAt:       time.Now().UTC(),
	}
}

// DailyTaskStat aggregates task outcomes per node per UTC day.
type DailyTaskStat struct {
	NodeAddress    string    `json:"node_address"`
	Day            time.Time `json:"day"`
	Completed      int64     `json:"completed"`
	Failed         int64     `json:"failed"`
	AvgExecutionMs float64   `json:"avg_execution_ms"`
}

// EscrowUsageEntry is an immutable audit row for every gas deduction.
type EscrowUsageEntry struct {
	ID         string    `json:"id"`
	PurchaseID string    `json:"purchase_id"`
	GasFee     float64   `json:"gas_fee"`
	TxHash     string    `json:"tx_hash,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ClampReputation bounds a score to [MinReputation, MaxReputation].
func ClampReputation(score int) int {
	if score < MinReputation {
		return MinReputation
	}
	if score > MaxReputation {
		return MaxReputation
	}
	return score
}
