package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrDuplicate      = errors.New("duplicate record")
	ErrQuotaExhausted = errors.New("quota exhausted")
	ErrConflict       = errors.New("conflicting state")
	ErrUnstakeLocked  = errors.New("unstake lock period not elapsed")
)

// Repository defines the interface for data persistence
type Repository interface {
	// Listing operations
	CreateListing(ctx context.Context, l *Listing) error
	GetListing(ctx context.Context, id string) (*Listing, error)

	// Access grant operations
	CreateAccessGrant(ctx context.Context, g *AccessGrant) error
	GetAccessGrant(ctx context.Context, accessKey string) (*AccessGrant, error)
	SetGrantStatus(ctx context.Context, accessKey string, status GrantStatus) error
	// ConsumeQuota atomically charges one call against the grant and
	// inserts the usage record in the same transaction. Returns the
	// grant state after the decrement.
	ConsumeQuota(ctx context.Context, accessKey string, rec *UsageRecord) (*AccessGrant, error)
	ExpireGrantsPast(ctx context.Context, now time.Time) (int64, error)

	// Usage record operations
	GetUsageRecord(ctx context.Context, id string) (*UsageRecord, error)
	SetUsageSettlement(ctx context.Context, id, txHash string, block int64) error

	// Keeper node operations
	CreateKeeperNode(ctx context.Context, n *KeeperNode) error
	GetKeeperNode(ctx context.Context, address string) (*KeeperNode, error)
	ListActiveKeepers(ctx context.Context) ([]*KeeperNode, error)
	RecordSelectorOutcome(ctx context.Context, address string, success bool) error
	RecordTaskOutcome(ctx context.Context, address string, success bool, executionMs int64) (*KeeperNode, error)
	TouchKeeper(ctx context.Context, address string) error
	DeactivateStaleKeepers(ctx context.Context, cutoff time.Time) (int64, error)

	// Stake lifecycle operations
	IncreaseStake(ctx context.Context, address string, amount float64) (*KeeperNode, error)
	RequestUnstake(ctx context.Context, address string) (*KeeperNode, error)
	CompleteUnstake(ctx context.Context, address string) (*KeeperNode, error)
	SetSuspension(ctx context.Context, address string, suspended bool, reason string) (*KeeperNode, error)
	GetStakeHistory(ctx context.Context, address string) ([]*StakeHistoryEntry, error)

	// Slash and dispute operations
	ApplySlash(ctx context.Context, ev *SlashEvent) (*KeeperNode, error)
	GetSlashEvent(ctx context.Context, id string) (*SlashEvent, error)
	ListSlashEvents(ctx context.Context, filter SlashFilter) ([]*SlashEvent, error)
	CreateDispute(ctx context.Context, d *Dispute) error
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	ResolveDispute(ctx context.Context, res DisputeResolution) (*Dispute, *KeeperNode, error)

	// Escrow gas sub-ledger operations
	RecordGasDeposit(ctx context.Context, d *EscrowGasDeposit) error
	GetGasDeposit(ctx context.Context, purchaseID string) (*EscrowGasDeposit, error)
	// DeductGasFee returns false without mutation when the remaining
	// balance cannot cover the cost.
	DeductGasFee(ctx context.Context, purchaseID string, cost float64, txHash string) (bool, error)
	ListEscrowUsage(ctx context.Context, purchaseID string) ([]*EscrowUsageEntry, error)
}

// SlashFilter defines filter parameters for slash history queries
type SlashFilter struct {
	NodeAddress string
	Limit       int
	Offset      int
}

// DisputeResolution carries the administrative verdict on a dispute.
type DisputeResolution struct {
	DisputeID         string
	Outcome           DisputeOutcome
	RestoreStake      float64
	RestoreReputation int
	ResolvedBy        string
}

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresRepository creates a new PostgreSQL repository instance
func NewPostgresRepository(ctx context.Context, connStr string, logger *zap.Logger) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &PostgresRepository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close releases all database resources
func (r *PostgresRepository) Close() {
	r.pool.Close()
}

// CreateListing persists a listing
func (r *PostgresRepository) CreateListing(ctx context.Context, l *Listing) error {
	if err := l.Validate(); err != nil {
		return fmt.Errorf("validating listing: %w", err)
	}

	query := `
		INSERT INTO listings (
			id, seller_id, name, upstream_base_url, auth_mode_kind,
			auth_mode_name, encrypted_credential, credential_salt,
			cost_per_call, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.pool.Exec(ctx, query,
		l.ID, l.SellerID, l.Name, l.UpstreamBaseURL, string(l.AuthMode.Kind),
		l.AuthMode.Name, l.EncryptedCredential, l.CredentialSalt,
		l.CostPerCall, l.CreatedAt,
	)
	if err != nil {
		if isPgDuplicateError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting listing: %w", err)
	}

	return nil
}

// GetListing retrieves a listing by ID
func (r *PostgresRepository) GetListing(ctx context.Context, id string) (*Listing, error) {
	query := `
		SELECT id, seller_id, name, upstream_base_url, auth_mode_kind,
			   auth_mode_name, encrypted_credential, credential_salt,
			   cost_per_call, created_at
		FROM listings
		WHERE id = $1`

	l := &Listing{}
	var kind string
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&l.ID, &l.SellerID, &l.Name, &l.UpstreamBaseURL, &kind,
		&l.AuthMode.Name, &l.EncryptedCredential, &l.CredentialSalt,
		&l.CostPerCall, &l.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying listing: %w", err)
	}
	l.AuthMode.Kind = AuthModeKind(kind)

	return l, nil
}

// CreateAccessGrant persists a grant
func (r *PostgresRepository) CreateAccessGrant(ctx context.Context, g *AccessGrant) error {
	query := `
		INSERT INTO access_grants (
			access_key, purchase_id, buyer_id, listing_id, total_quota,
			used_quota, status, expires_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.pool.Exec(ctx, query,
		g.AccessKey, g.PurchaseID, g.BuyerID, g.ListingID, g.TotalQuota,
		g.UsedQuota, string(g.Status), g.ExpiresAt, g.CreatedAt, g.UpdatedAt,
	)
	if err != nil {
		if isPgDuplicateError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting access grant: %w", err)
	}

	return nil
}

// GetAccessGrant retrieves a grant by access key
func (r *PostgresRepository) GetAccessGrant(ctx context.Context, accessKey string) (*AccessGrant, error) {
	query := `
		SELECT access_key, purchase_id, buyer_id, listing_id, total_quota,
			   used_quota, status, expires_at, created_at, updated_at
		FROM access_grants
		WHERE access_key = $1`

	return r.scanGrant(r.pool.QueryRow(ctx, query, accessKey))
}

// SetGrantStatus transitions a grant's status
func (r *PostgresRepository) SetGrantStatus(ctx context.Context, accessKey string, status GrantStatus) error {
	query := `
		UPDATE access_grants
		SET status = $2, updated_at = $3
		WHERE access_key = $1`

	result, err := r.pool.Exec(ctx, query, accessKey, string(status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("updating grant status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// ConsumeQuota charges one call against the grant and inserts the usage
// record in the same transaction. The guarded UPDATE is the linearization
// point: concurrent callers against the same key can never drive the
// remaining quota negative.
func (r *PostgresRepository) ConsumeQuota(ctx context.Context, accessKey string, rec *UsageRecord) (*AccessGrant, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE access_grants
		SET used_quota = used_quota + 1, updated_at = $2
		WHERE access_key = $1
		  AND status = 'active'
		  AND used_quota < total_quota
		RETURNING access_key, purchase_id, buyer_id, listing_id, total_quota,
				  used_quota, status, expires_at, created_at, updated_at`

	grant, err := r.scanGrant(tx.QueryRow(ctx, query, accessKey, time.Now().UTC()))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		// Distinguish a missing key from an exhausted or inactive grant.
		if _, lookupErr := r.GetAccessGrant(ctx, accessKey); lookupErr != nil {
			return nil, lookupErr
		}
		return nil, ErrQuotaExhausted
	}

	insert := `
		INSERT INTO usage_records (
			id, buyer_id, listing_id, method, path, success, response_code,
			latency_ms, cost, keeper_id, settlement_tx_hash, settlement_block,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err = tx.Exec(ctx, insert,
		rec.ID, rec.BuyerID, rec.ListingID, rec.Method, rec.Path, rec.Success,
		rec.ResponseCode, rec.LatencyMs, rec.Cost, nullable(rec.KeeperID),
		nullable(rec.SettlementTxHash), rec.SettlementBlock, rec.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting usage record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing quota consumption: %w", err)
	}

	return grant, nil
}

// ExpireGrantsPast marks active grants past their expiry as expired
func (r *PostgresRepository) ExpireGrantsPast(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE access_grants
		SET status = 'expired', updated_at = $1
		WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at < $1`

	result, err := r.pool.Exec(ctx, query, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("expiring grants: %w", err)
	}

	return result.RowsAffected(), nil
}

// GetUsageRecord retrieves a usage record by ID
func (r *PostgresRepository) GetUsageRecord(ctx context.Context, id string) (*UsageRecord, error) {
	query := `
		SELECT id, buyer_id, listing_id, method, path, success, response_code,
			   latency_ms, cost, COALESCE(keeper_id, ''),
			   COALESCE(settlement_tx_hash, ''), settlement_block, created_at
		FROM usage_records
		WHERE id = $1`

	rec := &UsageRecord{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&rec.ID, &rec.BuyerID, &rec.ListingID, &rec.Method, &rec.Path,
		&rec.Success, &rec.ResponseCode, &rec.LatencyMs, &rec.Cost,
		&rec.KeeperID, &rec.SettlementTxHash, &rec.SettlementBlock,
		&rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying usage record: %w", err)
	}

	return rec, nil
}

// SetUsageSettlement back-fills settlement transaction metadata
func (r *PostgresRepository) SetUsageSettlement(ctx context.Context, id, txHash string, block int64) error {
	query := `
		UPDATE usage_records
		SET settlement_tx_hash = $2, settlement_block = $3
		WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, id, txHash, block)
	if err != nil {
		return fmt.Errorf("updating usage settlement: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

func (r *PostgresRepository) scanGrant(row pgx.Row) (*AccessGrant, error) {
	g := &AccessGrant{}
	var status string
	err := row.Scan(
		&g.AccessKey, &g.PurchaseID, &g.BuyerID, &g.ListingID, &g.TotalQuota,
		&g.UsedQuota, &status, &g.ExpiresAt, &g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning access grant: %w", err)
	}
	g.Status = GrantStatus(status)

	return g, nil
}

// nullable maps empty strings to SQL NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Helper function to check for PostgreSQL duplicate key errors
func isPgDuplicateError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" // unique_violation
}
