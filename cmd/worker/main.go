// The worker binary runs everything that acts: the decision-cycle
// scheduler, the safe-executor pool draining the change queue, the fatigue
// sweep, and the recovery and retention workers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/adpilot/internal/audit"
	"github.com/ignite/adpilot/internal/config"
	"github.com/ignite/adpilot/internal/executor"
	"github.com/ignite/adpilot/internal/fatigue"
	"github.com/ignite/adpilot/internal/pkg/distlock"
	"github.com/ignite/adpilot/internal/pkg/logger"
	"github.com/ignite/adpilot/internal/platform"
	"github.com/ignite/adpilot/internal/ratelimit"
	"github.com/ignite/adpilot/internal/scheduler"
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
			log.Fatalf("redis unreachable: %v", err)
		}
		defer redisClient.Close()
	} else {
		log.Fatal("REDIS_URL is required: the executor's rate cap lives in redis")
	}

	limiter := ratelimit.New(redisClient, cfg.Tenant.MaxChangesPerHour)
	pf := platform.NewClient(cfg.Platform)
	auditor := audit.New(ctx, cfg.Audit)

	var wg sync.WaitGroup
	run := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
		}()
	}

	// Executor pool.
	host, _ := os.Hostname()
	for i := 0; i < cfg.Executor.Workers; i++ {
		workerID := fmt.Sprintf("%s-%s-%d", host, uuid.NewString()[:8], i)
		exec := executor.New(workerID, cfg.Executor, cfg.Tenant, st, pf, limiter, auditor)
		run(exec.Run)
	}
	run(executor.NewRecovery(cfg.Executor, cfg.Tenant, st, auditor).Run)
	run(executor.NewCleanup(cfg.Executor, st).Run)

	// Decision cycles.
	scorer := scoring.New(cfg.Tenant.BlendedDecayGamma, 4096)
	winners := winner.New(st, nil, cfg.Tenant)
	tenants := tenant.New(st, cfg.Tenant, scorer, cfg.Scheduler.TenantIdleEviction)
	cycleLocks := func(tenantID string) distlock.DistLock {
		return distlock.TenantCycleLock(redisClient, st.DB(), tenantID, cfg.Scheduler.CycleDeadline)
	}
	run(scheduler.New(cfg.Scheduler, st, tenants, winners, cycleLocks).Run)

	// Fatigue sweep.
	var creative fatigue.CreativeRequester
	if cfg.Creative.BaseURL != "" {
		creative = platform.NewCreativeClient(cfg.Creative)
	}
	rem := fatigue.NewRemediator(st, creative, winners)
	run(fatigue.NewWorker(cfg.Fatigue, cfg.Tenant, st, fatigue.New(cfg.Tenant), rem).Run)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	cancel()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Warn("workers did not stop in time")
	}
	logger.Info("worker stopped")
}
