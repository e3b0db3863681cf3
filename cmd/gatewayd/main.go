// Command gatewayd is the entry point for the Hounfour gateway server.
//
// Lifecycle mirrors a typical Go service main:
//  1. Load configuration from env
//  2. Initialize dependencies (Redis, PostgreSQL, ledger, registry)
//  3. Start gRPC and HTTP servers
//  4. Wait for shutdown signal
//  5. Gracefully drain connections, in order: stop the scheduler, stop
//     the gRPC and HTTP servers, close the Redis client, then flush the
//     ledger and syncer on the way out.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/hounfour/gateway/internal/api"
	"github.com/hounfour/gateway/internal/budget"
	"github.com/hounfour/gateway/internal/config"
	"github.com/hounfour/gateway/internal/health"
	"github.com/hounfour/gateway/internal/ledger"
	"github.com/hounfour/gateway/internal/pricing"
	"github.com/hounfour/gateway/internal/ratelimit"
	"github.com/hounfour/gateway/internal/registry"
	"github.com/hounfour/gateway/internal/router"
	"github.com/hounfour/gateway/internal/scheduler"
	syncpkg "github.com/hounfour/gateway/internal/sync"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("invalid configuration")
	}

	logger := setupLogger(cfg.LogLevel, cfg.Environment)
	logger.Info().
		Str("environment", cfg.Environment).
		Str("grpc_port", cfg.GRPCPort).
		Str("http_port", cfg.HTTPPort).
		Msg("starting hounfour gateway")

	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		PoolSize:     100,
		MinIdleConns: 25,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	cancel()
	logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open postgres connection")
	}
	defer db.Close()

	syncer := syncpkg.NewSyncer(redisClient, db, logger)

	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := syncer.InitializeRedis(initCtx); err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize redis from postgresql")
	}
	initCancel()
	logger.Info().Msg("redis initialized from postgresql")

	syncer.StartPeriodicSync(5 * time.Minute)
	defer syncer.Stop()

	l, err := ledger.New(ledger.Options{
		BaseDir: cfg.LedgerBaseDir, MaxSizeMB: cfg.LedgerMaxSizeMB, MaxAgeDays: cfg.LedgerMaxAgeDays,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize ledger")
	}
	defer l.Close()

	policy := budget.FailOpen
	if !cfg.BudgetFailOpen {
		policy = budget.FailClosed
	}
	be, err := budget.New(budget.Options{
		CheckpointPath: filepath.Join(cfg.LedgerBaseDir, "budget-checkpoint.json"),
		Policy:         policy, WarnPercent: cfg.BudgetWarnPercent,
	}, l, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize budget enforcer")
	}

	aliases, bindings, err := loadRegistryConfig(cfg.RegistryConfigPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.RegistryConfigPath).Msg("failed to load registry config")
	}
	reg := registry.New(aliases, bindings)
	if err := reg.MustValidate(); err != nil {
		logger.Fatal().Err(err).Msg("registry binding validation failed")
	}

	rl := ratelimit.New()
	hp := health.New(health.Params{}, nil)

	sched := scheduler.New(logger, nil)
	sched.Register(scheduler.Task{
		ID: "stuck-detector", Interval: time.Minute, Handler: func() error {
			sched.CheckStuck()
			return nil
		},
	})
	defer sched.Stop()

	r := router.New(router.Options{Registry: reg, Budget: be, RateLimit: rl, Health: hp, Ledger: l})

	handler := api.NewHandler(r, readinessCheckerFor(db, redisClient), logger)
	adminHandler := api.NewAdminHandler(sched, hp, be, syncer, logger)
	httpServer := createHTTPServer(cfg.HTTPPort, handler, adminHandler, logger)

	grpcServer, healthServer := api.NewGRPCServer(logger)

	go func() {
		listener, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create grpc listener")
		}
		logger.Info().Str("port", cfg.GRPCPort).Msg("grpc server listening")
		if err := grpcServer.Serve(listener); err != nil {
			logger.Fatal().Err(err).Msg("grpc server failed")
		}
	}()

	go func() {
		logger.Info().Str("port", cfg.HTTPPort).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("shutdown signal received, starting graceful shutdown")

	// graceful shutdown order.
	sched.Kill()
	sched.Stop()

	grpcServer.GracefulStop()
	healthServer.Shutdown()
	logger.Info().Msg("grpc server stopped")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	logger.Info().Msg("http server stopped")

	_ = redisClient.Close()
	logger.Info().Msg("shutdown complete")
}

// registryConfigFile is the on-disk shape of REGISTRY_CONFIG_PATH: the
// alias table and agent bindings the provider registry is built from
// once at startup, validated at startup via MustValidate.
type registryConfigFile struct {
	Aliases []struct {
		Alias                    string `json:"alias"`
		Provider                 string `json:"provider"`
		ModelID                  string `json:"model_id"`
		InputMicroPerMillion     int64  `json:"input_micro_per_million"`
		OutputMicroPerMillion    int64  `json:"output_micro_per_million"`
		ReasoningMicroPerMillion int64  `json:"reasoning_micro_per_million"`
	} `json:"aliases"`
	Bindings []struct {
		Agent string `json:"agent"`
		Alias string `json:"alias"`
	} `json:"bindings"`
}

// loadRegistryConfig reads path and converts it into the registry
// package's own types. A missing file yields an empty registry rather
// than an error. The registry is populated only from this file, once at
// startup; gatewayctl's pricing reload re-syncs the Redis pricing cache
// and does not touch the registry.
func loadRegistryConfig(path string) ([]registry.AliasEntry, []registry.Binding, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	var cfg registryConfigFile
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, nil, err
	}

	aliases := make([]registry.AliasEntry, 0, len(cfg.Aliases))
	for _, a := range cfg.Aliases {
		aliases = append(aliases, registry.AliasEntry{
			Alias: a.Alias, Provider: a.Provider, ModelID: a.ModelID,
			Pricing: pricing.PriceTable{
				InputMicroPerMillion: a.InputMicroPerMillion, OutputMicroPerMillion: a.OutputMicroPerMillion,
				ReasoningMicroPerMillion: a.ReasoningMicroPerMillion,
			},
		})
	}
	bindings := make([]registry.Binding, 0, len(cfg.Bindings))
	for _, b := range cfg.Bindings {
		bindings = append(bindings, registry.Binding{Agent: b.Agent, Alias: b.Alias})
	}
	return aliases, bindings, nil
}

type readinessChecker struct {
	db    *sql.DB
	redis *redis.Client
}

func readinessCheckerFor(db *sql.DB, rdb *redis.Client) *readinessChecker {
	return &readinessChecker{db: db, redis: rdb}
}

func (r *readinessChecker) Ready(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return err
	}
	return r.redis.Ping(ctx).Err()
}

func setupLogger(levelStr, environment string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if environment == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).With().Timestamp().Caller().Logger()
	}
	return zerolog.New(os.Stdout).Level(level).With().
		Timestamp().Str("service", "hounfour-gateway").Str("environment", environment).Logger()
}

func createHTTPServer(port string, h *api.Handler, admin *api.AdminHandler, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	admin.RegisterRoutes(mux)

	wrapped := api.LoggingMiddleware(logger)(api.CORS(mux))

	return &http.Server{
		Addr: ":" + port, Handler: wrapped,
		ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, IdleTimeout: 60 * time.Second,
	}
}
