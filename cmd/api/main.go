package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/you/lexbatch/internal/api"
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
	lg := logger.Get().Named("api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, lg)
	if err != nil {
		lg.Fatal("startup", zap.Error(err))
	}
	defer a.Close()

	srv := api.NewServer(a.Dispatcher, a.Tracker, a.Recovery, a.Metrics, a.Records, lg)
	httpSrv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdown); err != nil {
			lg.Warn("shutdown", zap.Error(err))
		}
	}()

	lg.Info("listening", zap.String("addr", cfg.APIAddr))
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		lg.Fatal("serve", zap.Error(err))
	}
}
