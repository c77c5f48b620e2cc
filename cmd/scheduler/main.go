package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/SirClappington/exportq/internal/app"
	"github.com/SirClappington/exportq/internal/config"
	"github.com/SirClappington/exportq/internal/logging"
	"github.com/SirClappington/exportq/internal/sweeper"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "scheduler:", err)
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
	log, err := logging.New(cfg.AppEnv, "scheduler")
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

	// Only one scheduler sweeps at a time; the others stand by.
	var leader func(context.Context) (bool, func(), error)
	if b.Postgres != nil {
		key := cfg.LeaderLockKey
		leader = func(ctx context.Context) (bool, func(), error) {
			return b.Postgres.TryLeader(ctx, key)
		}
	}

	sw := sweeper.New(b.Registry, b.Broker, b.Artifacts, log, sweeper.Config{
		RedeliverAfter: cfg.RedeliverAfter,
		StaleAfter:     cfg.StaleAfter,
		OrphanGrace:    cfg.OrphanGrace,
	})
	log.Info("scheduler started", zap.Duration("interval", cfg.SweepInterval), zap.Bool("leader_election", leader != nil))
	sw.Run(ctx, cfg.SweepInterval, leader)
	return nil
}
