package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/you/lexbatch/internal/app"
	"github.com/you/lexbatch/internal/config"
	"github.com/you/lexbatch/internal/domain"
	"github.com/you/lexbatch/internal/intake"
	"github.com/you/lexbatch/internal/logger"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code so deferred cleanup always happens.
func run() int {
	strategy := flag.String("strategy", string(intake.StrategyBalanced), "partition strategy: balanced, priority_first or size_optimized")
	priority := flag.String("priority", string(domain.PriorityNormal), "priority of discovered documents: low, normal, high or urgent")
	project := flag.String("project", "", "project the documents belong to")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <file-or-dir>...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		return 2
	}
	strat, err := intake.ParseStrategy(*strategy)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := logger.Init(cfg.LogLevel, cfg.Development()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer logger.Sync()
	lg := logger.Get().Named("intake")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, lg)
	if err != nil {
		lg.Error("startup", zap.Error(err))
		return 1
	}
	defer a.Close()

	svc, err := a.Intake(ctx)
	if err != nil {
		lg.Error("intake", zap.Error(err))
		return 1
	}
	manifests, err := svc.Ingest(ctx, flag.Args(), intake.IngestOptions{
		Priority: domain.ParsePriority(*priority),
		Strategy: strat,
	})
	if err != nil {
		lg.Error("ingest", zap.Error(err))
		return 1
	}

	failed := 0
	for _, m := range manifests {
		h, err := a.Dispatcher.Submit(ctx, m, *project)
		if err != nil {
			lg.Error("submit batch", zap.String("batch_id", m.ID), zap.Error(err))
			failed++
			continue
		}
		fmt.Printf("%s\t%s\t%d documents\t%s\n", m.ID, m.Priority, len(m.Documents), h.GroupID)
	}
	if failed > 0 {
		return 1
	}
	return 0
}
