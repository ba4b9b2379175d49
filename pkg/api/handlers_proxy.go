package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"keeper_market/pkg/data"
	"keeper_market/pkg/gateway"
)

// AccessKeyHeader carries the buyer's secret grant key.
const AccessKeyHeader = "X-Access-Key"

func (s *Server) handleProxy(c *gin.Context) {
	s.serveProxy(c, gateway.ModeDirect)
}

func (s *Server) handleKeeperProxy(c *gin.Context) {
	s.serveProxy(c, gateway.ModeKeeper)
}

func (s *Server) serveProxy(c *gin.Context, mode gateway.Mode) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.Gateway.MaxBodyBytes))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
		return
	}

	req := &gateway.Request{
		AccessKey: c.GetHeader(AccessKeyHeader),
		Method:    c.Request.Method,
		Path:      c.Param("path"),
		RawQuery:  c.Request.URL.RawQuery,
		Header:    c.Request.Header,
		Body:      body,
	}

	resp, err := s.svc.Proxy.HandleMode(c.Request.Context(), req, mode)
	if err != nil {
		status := proxyErrorStatus(err)
		if errors.Is(err, data.ErrQuotaExhausted) {
			quotaRejectionsTotal.Inc()
		}
		proxyRequestsTotal.WithLabelValues(strconv.Itoa(status), string(mode)).Inc()
		s.logger.Debug("proxy call rejected", zap.Error(err), zap.Int("status", status))
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	proxyRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode), string(mode)).Inc()
	if mode == gateway.ModeKeeper {
		outcome := "success"
		if resp.StatusCode >= http.StatusInternalServerError {
			outcome = "failure"
		}
		keeperDispatchesTotal.WithLabelValues(outcome).Inc()
	}

	for k, vals := range resp.Header {
		for _, v := range vals {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Writer.Header().Set("X-Quota-Remaining", strconv.FormatInt(resp.Remaining, 10))
	c.Writer.Header().Set("X-Usage-Id", resp.UsageID)
	if resp.KeeperAddress != "" {
		c.Writer.Header().Set("X-Keeper-Address", resp.KeeperAddress)
	}
	c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), resp.Body)
}

type callRequest struct {
	Method  string            `json:"method" binding:"required"`
	Path    string            `json:"path" binding:"required"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// handleCall is the envelope-style proxy entry point: the call to make
// travels in the JSON body instead of being mirrored from the HTTP
// request itself. Same accounting, same taxonomy.
func (s *Server) handleCall(c *gin.Context) {
	var call callRequest
	if err := c.ShouldBindJSON(&call); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	header := http.Header{}
	for k, v := range call.Headers {
		header.Set(k, v)
	}

	req := &gateway.Request{
		AccessKey: c.GetHeader(AccessKeyHeader),
		Method:    call.Method,
		Path:      call.Path,
		Header:    header,
		Body:      []byte(call.Body),
	}

	resp, err := s.svc.Proxy.Handle(c.Request.Context(), req)
	if err != nil {
		status := proxyErrorStatus(err)
		if errors.Is(err, data.ErrQuotaExhausted) {
			quotaRejectionsTotal.Inc()
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	var payload any
	if json.Valid(resp.Body) {
		payload = json.RawMessage(resp.Body)
	} else {
		payload = string(resp.Body)
	}

	meta := gin.H{
		"latencyMs":      resp.LatencyMs,
		"remainingQuota": resp.Remaining,
		"usedQuota":      resp.Used,
		"totalQuota":     resp.Total,
	}
	if resp.KeeperAddress != "" {
		meta["keeperId"] = resp.KeeperAddress
	}

	c.JSON(http.StatusOK, gin.H{
		"success": resp.StatusCode < http.StatusInternalServerError,
		"status":  resp.StatusCode,
		"data":    payload,
		"meta":    meta,
	})
}

// handleExecute serves the keeper side of task dispatch: the gateway's
// forwarder posts a prepared envelope here and this node performs the
// upstream call. Always answers 200 with a task result; dispatch errors
// are reported inside the envelope exchange as non-200 keeper answers.
func (s *Server) handleExecute(c *gin.Context) {
	if s.svc.Executor == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "keeper execution not enabled"})
		return
	}

	var env gateway.TaskEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.svc.Executor.Execute(c.Request.Context(), &env)
	if err != nil {
		status := proxyErrorStatus(err)
		s.logger.Warn("task execution failed", zap.Error(err), zap.String("url", env.URL))
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// proxyErrorStatus maps proxy path errors onto HTTP statuses.
func proxyErrorStatus(err error) int {
	switch {
	case errors.Is(err, gateway.ErrInvalidAccessKey):
		return http.StatusUnauthorized
	case errors.Is(err, gateway.ErrGrantNotActive):
		return http.StatusForbidden
	case errors.Is(err, data.ErrQuotaExhausted):
		return http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrNoKeeperAvailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, gateway.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, gateway.ErrUpstreamUnreachable):
		return http.StatusBadGateway
	case errors.Is(err, gateway.ErrListingMisconfigured):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
