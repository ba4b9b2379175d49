package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"keeper_market/pkg/data"
	"keeper_market/pkg/stake"
)

type createSlashRequest struct {
	NodeAddress string  `json:"node_address" binding:"required"`
	Reason      string  `json:"reason" binding:"required"`
	Severity    string  `json:"severity" binding:"required"`
	Amount      float64 `json:"amount" binding:"required"`
	Evidence    string  `json:"evidence"`
}

func (s *Server) handleCreateSlash(c *gin.Context) {
	var req createSlashRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !data.SlashReason(req.Reason).Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown slash reason " + req.Reason})
		return
	}
	if !data.SlashSeverity(req.Severity).Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown slash severity " + req.Severity})
		return
	}

	slashedBy := c.GetString("admin_subject")
	ev, node, err := s.svc.Slasher.Slash(c.Request.Context(), req.NodeAddress,
		data.SlashReason(req.Reason), data.SlashSeverity(req.Severity),
		req.Amount, req.Evidence, slashedBy)
	if err != nil {
		s.writeSlashError(c, err)
		return
	}

	slashesTotal.WithLabelValues(req.Severity).Inc()
	c.JSON(http.StatusCreated, gin.H{"slash": ev, "node": node})
}

func (s *Server) handleListSlashes(c *gin.Context) {
	filter := data.SlashFilter{NodeAddress: c.Query("node")}
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 {
		filter.Limit = v
	}
	if v, err := strconv.Atoi(c.Query("offset")); err == nil && v > 0 {
		filter.Offset = v
	}
	events, err := s.svc.Slasher.ListSlashes(c.Request.Context(), filter)
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"slashes": events})
}

func (s *Server) handleGetSlash(c *gin.Context) {
	ev, err := s.svc.Slasher.GetSlash(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

type fileDisputeRequest struct {
	SlashID  string `json:"slash_id" binding:"required"`
	Reason   string `json:"reason" binding:"required"`
	Evidence string `json:"evidence"`
}

func (s *Server) handleFileDispute(c *gin.Context) {
	var req fileDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	disputedBy := c.GetString("admin_subject")
	d, err := s.svc.Slasher.FileDispute(c.Request.Context(), req.SlashID, req.Reason, req.Evidence, disputedBy)
	if err != nil {
		s.writeSlashError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (s *Server) handleGetDispute(c *gin.Context) {
	d, err := s.svc.Slasher.GetDispute(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

type resolveDisputeRequest struct {
	Outcome           string  `json:"outcome" binding:"required"`
	RestoreStake      float64 `json:"restore_stake"`
	RestoreReputation int     `json:"restore_reputation"`
}

func (s *Server) handleResolveDispute(c *gin.Context) {
	var req resolveDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !data.DisputeOutcome(req.Outcome).Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown outcome " + req.Outcome})
		return
	}

	resolvedBy := c.GetString("admin_subject")
	d, node, err := s.svc.Slasher.Resolve(c.Request.Context(), c.Param("id"),
		data.DisputeOutcome(req.Outcome), req.RestoreStake, req.RestoreReputation, resolvedBy)
	if err != nil {
		s.writeSlashError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d, "node": node})
}

type createListingRequest struct {
	SellerID        string  `json:"seller_id" binding:"required"`
	Name            string  `json:"name" binding:"required"`
	UpstreamBaseURL string  `json:"upstream_base_url" binding:"required"`
	AuthModeKind    string  `json:"auth_mode_kind" binding:"required"`
	AuthModeName    string  `json:"auth_mode_name"`
	Credential      string  `json:"credential" binding:"required"`
	CostPerCall     float64 `json:"cost_per_call"`
}

func (s *Server) handleCreateListing(c *gin.Context) {
	var req createListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	salt := uuid.New().String()
	ciphertext, err := s.svc.Box.Encrypt(req.Credential, salt)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sealing credential failed"})
		return
	}

	listing := &data.Listing{
		ID:              uuid.New().String(),
		SellerID:        req.SellerID,
		Name:            req.Name,
		UpstreamBaseURL: req.UpstreamBaseURL,
		AuthMode: data.AuthMode{
			Kind: data.AuthModeKind(req.AuthModeKind),
			Name: req.AuthModeName,
		},
		EncryptedCredential: ciphertext,
		CredentialSalt:      salt,
		CostPerCall:         req.CostPerCall,
		CreatedAt:           time.Now().UTC(),
	}
	if err := s.svc.Repo.CreateListing(c.Request.Context(), listing); err != nil {
		s.writeDomainError(c, err)
		return
	}

	// The credential never leaves the server again.
	c.JSON(http.StatusCreated, gin.H{
		"id":                listing.ID,
		"name":              listing.Name,
		"upstream_base_url": listing.UpstreamBaseURL,
	})
}

type createGrantRequest struct {
	BuyerID    string     `json:"buyer_id" binding:"required"`
	ListingID  string     `json:"listing_id" binding:"required"`
	TotalQuota int64      `json:"total_quota" binding:"required"`
	ExpiresAt  *time.Time `json:"expires_at"`
	// GasDeposit funds async settlement for this purchase. Zero skips
	// the escrow sub-ledger entirely.
	GasDeposit   float64 `json:"gas_deposit"`
	DepositTxRef string  `json:"deposit_tx_ref"`
}

func (s *Server) handleCreateGrant(c *gin.Context) {
	var req createGrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	if _, err := s.svc.Repo.GetListing(ctx, req.ListingID); err != nil {
		s.writeDomainError(c, err)
		return
	}

	accessKey := uuid.New().String()
	purchaseID := uuid.New().String()

	grant, err := data.NewAccessGrant(accessKey, req.BuyerID, req.ListingID, req.TotalQuota, req.ExpiresAt)
	if err != nil {
		s.writeDomainError(c, err)
		return
	}

	if req.GasDeposit > 0 {
		grant.PurchaseID = purchaseID
		if _, err := s.svc.Escrow.RecordDeposit(ctx, purchaseID, req.BuyerID, req.ListingID,
			req.TotalQuota, req.GasDeposit, req.DepositTxRef); err != nil {
			s.writeDomainError(c, err)
			return
		}
	}

	if err := s.svc.Repo.CreateAccessGrant(ctx, grant); err != nil {
		s.writeDomainError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"access_key":  accessKey,
		"purchase_id": grant.PurchaseID,
		"total_quota": grant.TotalQuota,
		"expires_at":  grant.ExpiresAt,
	})
}

type estimateGasRequest struct {
	Calls int64 `json:"calls" binding:"required"`
}

func (s *Server) handleEstimateGas(c *gin.Context) {
	var req estimateGasRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	fee, err := s.svc.Escrow.EstimateGasFee(req.Calls)
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": req.Calls, "required_deposit": fee})
}

func (s *Server) handleGetDeposit(c *gin.Context) {
	dep, err := s.svc.Escrow.Get(c.Request.Context(), c.Param("purchaseId"))
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, dep)
}

func (s *Server) handleEscrowUsage(c *gin.Context) {
	entries, err := s.svc.Escrow.Usage(c.Request.Context(), c.Param("purchaseId"))
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": entries})
}

// writeSlashError extends the domain mapping with slashing-specific
// verdict errors.
func (s *Server) writeSlashError(c *gin.Context, err error) {
	if errors.Is(err, stake.ErrDisputeWindowClosed) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	s.writeDomainError(c, err)
}
