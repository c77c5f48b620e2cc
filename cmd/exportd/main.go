// Command exportd runs the API, a worker pool and the sweeper in one process.
// With REGISTRY_DRIVER=sqlite and QUEUE_DRIVER=memory it needs no other
// services.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/exportq/internal/api"
	"github.com/SirClappington/exportq/internal/app"
	"github.com/SirClappington/exportq/internal/auth"
	"github.com/SirClappington/exportq/internal/config"
	"github.com/SirClappington/exportq/internal/export"
	"github.com/SirClappington/exportq/internal/logging"
	"github.com/SirClappington/exportq/internal/sweeper"
	"github.com/SirClappington/exportq/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "exportd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireSigningKey(); err != nil {
		return err
	}
	log, err := logging.New(cfg.AppEnv, "exportd")
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := app.Open(ctx, cfg, log, true)
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

	svc := export.NewService(b.Registry, b.Broker, b.Artifacts, auth.NewGroupAuthorizer(auth.DefaultGroups()), log)
	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.NewServer(svc, auth.NewTokens(cfg.JWTSigningKey), log).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	sw := sweeper.New(b.Registry, b.Broker, b.Artifacts, log, sweeper.Config{
		RedeliverAfter: cfg.RedeliverAfter,
		StaleAfter:     cfg.StaleAfter,
		OrphanGrace:    cfg.OrphanGrace,
	})

	if err := pool.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "serve")
		}
		return nil
	})
	g.Go(func() error {
		sw.Run(gctx, cfg.SweepInterval, nil)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		herr := srv.Shutdown(sctx)
		perr := pool.Stop(sctx)
		if herr != nil {
			return herr
		}
		return perr
	})
	return g.Wait()
}
