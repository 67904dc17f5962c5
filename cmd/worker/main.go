package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/you/lexbatch/internal/app"
	"github.com/you/lexbatch/internal/config"
	"github.com/you/lexbatch/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if err := logger.Init(cfg.LogLevel, cfg.Development()); err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()
	lg := logger.Get().Named("worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, lg)
	if err != nil {
		lg.Fatal("startup", zap.Error(err))
	}
	defer a.Close()

	p, err := a.Pipeline(ctx)
	if err != nil {
		lg.Fatal("pipeline", zap.Error(err))
	}
	if err := a.Workers(p).Run(ctx); err != nil {
		lg.Error("worker pool stopped", zap.Error(err))
	}
}
