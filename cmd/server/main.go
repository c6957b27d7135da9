// The server binary hosts the HTTP API: feedback ingress, the ad registry,
// tenant configuration, and the read endpoints. Decision cycles and queue
// execution run in the worker binary.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/adpilot/internal/api"
	"github.com/ignite/adpilot/internal/attribution"
	"github.com/ignite/adpilot/internal/config"
	"github.com/ignite/adpilot/internal/ingress"
	"github.com/ignite/adpilot/internal/pkg/distlock"
	"github.com/ignite/adpilot/internal/pkg/logger"
	"github.com/ignite/adpilot/internal/platform"
	"github.com/ignite/adpilot/internal/scoring"
	"github.com/ignite/adpilot/internal/store"
	"github.com/ignite/adpilot/internal/tenant"
	"github.com/ignite/adpilot/internal/winner"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()
	logger.Info("connected to postgres")

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("parse redis url: %v", err)
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, falling back to pg advisory locks", "error", err.Error())
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	scorer := scoring.New(cfg.Tenant.BlendedDecayGamma, 4096)

	var embedder winner.Embedder
	if cfg.Embedding.BaseURL != "" {
		embedder = platform.NewEmbeddingClient(cfg.Embedding)
	}
	winners := winner.New(st, embedder, cfg.Tenant)

	attributor := attribution.New(st, cfg.Tenant.DefaultDealValueCents)
	adLocks := func(adID string) distlock.DistLock {
		return distlock.AdStateLock(redisClient, st.DB(), adID, 30*time.Second)
	}
	ing := ingress.New(st, attributor, scorer, winners, adLocks, cfg.Executor.Workers)
	go ing.Run(ctx)

	tenants := tenant.New(st, cfg.Tenant, scorer, cfg.Scheduler.TenantIdleEviction)

	server := api.NewServer(cfg.Server, api.NewHandlers(st, ing, winners, tenants))

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "host", cfg.Server.Host, "port", cfg.Server.Port)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server failed", "error", err.Error())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err.Error())
	}
	cancel()
	logger.Info("server stopped")
}
