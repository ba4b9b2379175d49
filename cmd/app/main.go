// cmd/app/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"keeper_market/pkg/api"
	"keeper_market/pkg/config"
	"keeper_market/pkg/data"
	"keeper_market/pkg/escrow"
	"keeper_market/pkg/gateway"
	"keeper_market/pkg/keeper"
	"keeper_market/pkg/scheduler"
	"keeper_market/pkg/settlement"
	"keeper_market/pkg/stake"
	"keeper_market/pkg/utils"
)

var (
	configFile = flag.String("config", "config.yaml", "Path to configuration file")
	logFile    = flag.String("log-file", "logs/gateway.log", "Path to the rotated log file")
	debug      = flag.Bool("debug", false, "Enable debug mode")
)

// App holds every long-running component of the gateway process.
type App struct {
	repo    *data.PostgresRepository
	settler *settlement.Logger
	reaper  *scheduler.Reaper
	server  *api.Server
	cfg     *config.Config
	logger  *zap.Logger
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logCfg := utils.DefaultLogConfig()
	logCfg.Level = cfg.LogLevel
	logCfg.OutputPath = *logFile
	logCfg.Debug = *debug || cfg.IsDevelopment()

	logger, err := utils.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := initializeApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize application", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.server.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	app.stop(shutdownCtx)
}

func initializeApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	repo, err := data.NewPostgresRepository(initCtx, cfg.Database.URL, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := repo.InitializeSchema(initCtx); err != nil {
		repo.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	box, err := gateway.NewAESCredentialBox(cfg.Security.CredentialKey)
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("initializing credential box: %w", err)
	}

	esc := escrow.NewService(repo, escrow.Params{
		GasPerCall:   cfg.Escrow.GasPerCall,
		GasPrice:     cfg.Escrow.GasPrice,
		BufferFactor: cfg.Escrow.BufferFactor,
	}, logger)

	// TODO: replace the in-memory ledger with the on-chain client once
	// the settlement contract address is finalized.
	settler := settlement.NewLogger(repo, esc, settlement.NewMemoryLedger(), settlement.Config{
		QueueSize:     cfg.Settlement.QueueSize,
		Workers:       cfg.Settlement.Workers,
		RetryAttempts: cfg.Settlement.RetryAttempts,
		RetryDelay:    cfg.Settlement.RetryDelay,
	}, logger)

	settler.Start(context.Background())

	directory := keeper.NewDirectory(repo, logger)
	feedback := keeper.NewFeedback(repo, logger)
	stakeLedger := stake.NewLedger(repo, logger)
	slasher := stake.NewSlasher(repo, logger)

	forwarder := gateway.NewForwarder(cfg.Gateway.UpstreamTimeout, logger)
	executor := gateway.NewExecutor(cfg.Gateway.UpstreamTimeout, cfg.Gateway.MaxBodyBytes, logger)
	proxy := gateway.NewProxy(repo, box, directory, forwarder, settler, gateway.Options{
		Mode:            gateway.Mode(cfg.Gateway.Mode),
		UpstreamTimeout: cfg.Gateway.UpstreamTimeout,
		MaxBodyBytes:    cfg.Gateway.MaxBodyBytes,
	}, logger)

	var reaper *scheduler.Reaper
	if cfg.Reaper.Enabled {
		reaper = scheduler.NewReaper(repo, directory, cfg.Reaper.Interval, logger)
		if err := reaper.Start(ctx); err != nil {
			settler.Stop()
			repo.Close()
			return nil, fmt.Errorf("starting reaper: %w", err)
		}
	}

	server := api.NewServer(cfg, api.Services{
		Repo:      repo,
		Proxy:     proxy,
		Executor:  executor,
		Box:       box,
		Directory: directory,
		Feedback:  feedback,
		Ledger:    stakeLedger,
		Slasher:   slasher,
		Escrow:    esc,
	}, logger)

	return &App{
		repo:    repo,
		settler: settler,
		reaper:  reaper,
		server:  server,
		cfg:     cfg,
		logger:  logger,
	}, nil
}

// stop shuts services down in reverse order of startup: stop accepting
// requests, stop background work, drain the settlement queue, then
// release the database pool.
func (a *App) stop(ctx context.Context) {
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Error("HTTP shutdown error", zap.Error(err))
	}
	if a.reaper != nil {
		a.reaper.Stop()
	}
	a.settler.Stop()
	a.repo.Close()
	a.logger.Info("All services stopped")
}
