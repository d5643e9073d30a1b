// Kestrel scores payments and payment messages for fraud risk before they
// settle.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/logging"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/service"
	"github.com/opensource-finance/kestrel/internal/traces"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	if err := run(); err != nil {
		slog.Error("kestrel exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"edition", cfg.Edition,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"history", cfg.History.Backend,
		"eventbus", cfg.EventBus.Type,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := traces.Init(ctx, cfg.Tracing.ServiceName, cfg.Tracing.Endpoint, Version, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	store, err := history.New(cfg.History)
	if err != nil {
		return fmt.Errorf("failed to initialize history store: %w", err)
	}
	defer store.Close()
	if cfg.History.Backend == "memory" && cfg.History.WarmFromRepository {
		if _, err := history.Warm(ctx, store, repo, cfg.History.Capacity); err != nil {
			return fmt.Errorf("failed to warm history: %w", err)
		}
	}

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	ruleEngine, err := rules.NewEngine()
	if err != nil {
		return fmt.Errorf("failed to initialize rule engine: %w", err)
	}
	defer ruleEngine.Close()
	loadRulesFromDatabase(ctx, repo, ruleEngine)

	eng, err := engine.New(cfg.Thresholds, store,
		engine.WithCache(cacheImpl, cfg.Cache.MessageTTL),
		engine.WithOverrides(ruleEngine),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}
	svc := service.New(eng, repo, busImpl)

	var asyncWorker *worker.Worker
	if cfg.AsyncWorker {
		asyncWorker = worker.NewWorker(busImpl, svc)
		if err := asyncWorker.Start(); err != nil {
			return fmt.Errorf("failed to start async worker: %w", err)
		}
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Service:    svc,
		Rules:      ruleEngine,
		Repository: repo,
		Cache:      cacheImpl,
		Bus:        busImpl,
		Version:    Version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
	return nil
}

// loadRulesFromDatabase loads stored policy rules into the engine. A rule
// that no longer compiles is logged and the engine starts without rules.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, ruleEngine *rules.Engine) {
	stored, err := repo.ListPolicyRules(ctx)
	if err != nil {
		slog.Warn("failed to list policy rules", "error", err)
		return
	}
	if len(stored) == 0 {
		slog.Info("no policy rules in database - configure via POST /v1/rules")
		return
	}
	if err := ruleEngine.ReloadRules(stored); err != nil {
		slog.Error("failed to load policy rules", "error", err)
		return
	}
	slog.Info("policy rules loaded", "count", ruleEngine.RulesCount())
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL  pre-settlement risk scoring")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Edition:  %s\n", cfg.Edition)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /v1/score/transaction  - Score a transaction")
	fmt.Println("    POST /v1/score/message      - Score a payment message")
	fmt.Println("    POST /v1/transactions       - Queue a transaction for async scoring")
	fmt.Println("    GET  /v1/history/{identity} - Recent transactions of an identity")
	fmt.Println("    GET  /v1/decisions/{id}     - Decision by id or transaction id")
	fmt.Println("    GET  /v1/rules              - List loaded policy rules")
	fmt.Println("    POST /v1/rules              - Create a policy rule")
	fmt.Println("    POST /v1/rules/reload       - Hot-reload policy rules")
	fmt.Println("    GET  /health, /ready, /metrics")
	fmt.Println()
}
