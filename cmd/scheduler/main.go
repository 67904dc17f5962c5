package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/you/lexbatch/internal/app"
	"github.com/you/lexbatch/internal/config"
	"github.com/you/lexbatch/internal/logger"
	"github.com/you/lexbatch/internal/scheduler"
)

// leaderLockKey is the advisory lock id shared by all scheduler replicas.
const leaderLockKey = 42

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if err := logger.Init(cfg.LogLevel, cfg.Development()); err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()
	lg := logger.Get().Named("scheduler")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, lg)
	if err != nil {
		lg.Fatal("startup", zap.Error(err))
	}
	defer a.Close()

	db := stdlib.OpenDBFromPool(a.DB)
	defer db.Close()
	leader := scheduler.NewAdvisoryLeader(db, leaderLockKey)
	defer func() {
		release, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := leader.Close(release); err != nil {
			lg.Warn("release leader lock", zap.Error(err))
		}
	}()

	s := scheduler.New(leader, a.Queue, a.Dispatcher, a.Recovery, a.Manifests, a.Tracker, scheduler.Options{
		Interval:     cfg.SchedulerInterval(),
		Lookback:     cfg.ManifestTTL,
		Retention:    cfg.ManifestTTL,
		RecoverySpec: cfg.AutoRecoverySchedule,
	}, lg)
	if err := s.Run(ctx); err != nil {
		lg.Error("scheduler stopped", zap.Error(err))
	}
}
