package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"keeper_market/pkg/data"
)

type registerKeeperRequest struct {
	Owner    string            `json:"owner" binding:"required"`
	Address  string            `json:"address" binding:"required"`
	Stake    float64           `json:"stake" binding:"required"`
	Metadata map[string]string `json:"metadata"`
}

func (s *Server) handleRegisterKeeper(c *gin.Context) {
	var req registerKeeperRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	node, err := s.svc.Directory.Register(c.Request.Context(), req.Owner, req.Address, req.Stake, req.Metadata)
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, node)
}

func (s *Server) handleListKeepers(c *gin.Context) {
	nodes, err := s.svc.Directory.ListActive(c.Request.Context())
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keepers": nodes})
}

func (s *Server) handleGetKeeper(c *gin.Context) {
	node, err := s.svc.Directory.Get(c.Request.Context(), c.Param("address"))
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, node)
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	if err := s.svc.Directory.Heartbeat(c.Request.Context(), c.Param("address")); err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type taskReportRequest struct {
	Success     *bool `json:"success" binding:"required"`
	ExecutionMs int64 `json:"execution_ms"`
}

func (s *Server) handleTaskReport(c *gin.Context) {
	var req taskReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	node, err := s.svc.Feedback.RecordTaskCompletion(c.Request.Context(), c.Param("address"), *req.Success, req.ExecutionMs)
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, node)
}

func (s *Server) handleStakeHistory(c *gin.Context) {
	entries, err := s.svc.Ledger.History(c.Request.Context(), c.Param("address"))
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": entries})
}

type keeperActionRequest struct {
	Action string  `json:"action" binding:"required"`
	Amount float64 `json:"amount"`
	Reason string  `json:"reason"`
}

func (s *Server) handleKeeperAction(c *gin.Context) {
	var req keeperActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	address := c.Param("address")

	var (
		node *data.KeeperNode
		err  error
	)
	switch req.Action {
	case "increase_stake":
		node, err = s.svc.Ledger.Increase(ctx, address, req.Amount)
	case "request_unstake":
		node, err = s.svc.Ledger.RequestUnstake(ctx, address)
	case "complete_unstake":
		node, err = s.svc.Ledger.CompleteUnstake(ctx, address)
	case "suspend":
		node, err = s.svc.Ledger.Suspend(ctx, address, req.Reason)
	case "reactivate":
		node, err = s.svc.Ledger.Reactivate(ctx, address)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action " + req.Action})
		return
	}
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, node)
}

// writeDomainError maps repository and service errors onto HTTP statuses.
func (s *Server) writeDomainError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, data.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, data.ErrDuplicate):
		status = http.StatusConflict
	case errors.Is(err, data.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, data.ErrUnstakeLocked):
		status = http.StatusConflict
	case errors.Is(err, data.ErrInsufficientStake),
		errors.Is(err, data.ErrInvalidAmount),
		errors.Is(err, data.ErrInvalidID),
		errors.Is(err, data.ErrInvalidAuthMode):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
