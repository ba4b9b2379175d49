package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"keeper_market/pkg/config"
	"keeper_market/pkg/data"
	"keeper_market/pkg/escrow"
	"keeper_market/pkg/gateway"
	"keeper_market/pkg/keeper"
	"keeper_market/pkg/stake"
)

const (
	proxyRoute       = "/api/v1/proxy/*path"
	keeperProxyRoute = "/api/v1/keeper/proxy/*path"
)

// Services bundles everything the HTTP layer fronts.
type Services struct {
	Repo      data.Repository
	Proxy     *gateway.Proxy
	Executor  *gateway.Executor
	Box       *gateway.AESCredentialBox
	Directory *keeper.Directory
	Feedback  *keeper.Feedback
	Ledger    *stake.Ledger
	Slasher   *stake.Slasher
	Escrow    *escrow.Service
}

// Server is the HTTP front of the gateway.
type Server struct {
	httpServer *http.Server
	router     *gin.Engine
	svc        Services
	cfg        *config.Config
	logger     *zap.Logger
}

// NewServer creates the HTTP server and wires all routes
func NewServer(cfg *config.Config, svc Services, logger *zap.Logger) *Server {
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), metricsMiddleware())

	s := &Server{
		router: router,
		svc:    svc,
		cfg:    cfg,
		logger: logger,
		httpServer: &http.Server{
			Addr:         cfg.Server.ListenAddr,
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")

	// Buyer-facing proxy, authenticated by access key. The pass-through
	// routes mirror the incoming request; /call takes a JSON envelope.
	v1.Any("proxy/*path", s.handleProxy)
	v1.Any("keeper/proxy/*path", s.handleKeeperProxy)
	v1.POST("call", s.handleCall)

	// Keeper-side task execution, hit by the gateway's forwarder when
	// this binary runs as a keeper node.
	v1.POST("execute", s.handleExecute)

	// Keeper node surface.
	v1.GET("keepers", s.handleListKeepers)
	v1.GET("keepers/:address", s.handleGetKeeper)
	v1.POST("keepers/:address/heartbeat", s.handleHeartbeat)
	v1.POST("keepers/:address/tasks", s.handleTaskReport)
	v1.GET("keepers/:address/history", s.handleStakeHistory)

	// Escrow estimate is public so buyers can price a purchase.
	v1.POST("escrow/estimate", s.handleEstimateGas)

	admin := v1.Group("", requireAdmin(s.cfg.Security.JWTSecret))
	{
		admin.POST("keepers", s.handleRegisterKeeper)
		admin.PATCH("keepers/:address", s.handleKeeperAction)

		admin.POST("slashes", s.handleCreateSlash)
		admin.GET("slashes", s.handleListSlashes)
		admin.GET("slashes/:id", s.handleGetSlash)

		admin.POST("disputes", s.handleFileDispute)
		admin.GET("disputes/:id", s.handleGetDispute)
		admin.PATCH("disputes/:id", s.handleResolveDispute)

		admin.POST("listings", s.handleCreateListing)
		admin.POST("grants", s.handleCreateGrant)

		admin.GET("escrow/:purchaseId", s.handleGetDeposit)
		admin.GET("escrow/:purchaseId/usage", s.handleEscrowUsage)
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
