package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/SirClappington/exportq/internal/app"
	"github.com/SirClappington/exportq/internal/config"
	"github.com/SirClappington/exportq/internal/logging"
	"github.com/SirClappington/exportq/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireSharedQueue(); err != nil {
		return err
	}
	log, err := logging.New(cfg.AppEnv, "worker")
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := app.Open(ctx, cfg, log, false)
	if err != nil {
		return err
	}
	defer b.Close()

	wcfg := worker.DefaultConfig()
	wcfg.WorkerID = cfg.WorkerID
	wcfg.Concurrency = cfg.WorkerConcurrency
	wcfg.HeartbeatInterval = cfg.HeartbeatInterval
	pool, err := worker.NewPool(b.Registry, b.Broker, b.Artifacts, app.Transformer(cfg, log), log, wcfg)
	if err != nil {
		return err
	}
	if err := pool.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return pool.Stop(sctx)
}
