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

	"github.com/SirClappington/exportq/internal/api"
	"github.com/SirClappington/exportq/internal/app"
	"github.com/SirClappington/exportq/internal/auth"
	"github.com/SirClappington/exportq/internal/config"
	"github.com/SirClappington/exportq/internal/export"
	"github.com/SirClappington/exportq/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "api:", err)
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
	if err := cfg.RequireSigningKey(); err != nil {
		return err
	}
	log, err := logging.New(cfg.AppEnv, "api")
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

	svc := export.NewService(b.Registry, b.Broker, b.Artifacts, auth.NewGroupAuthorizer(auth.DefaultGroups()), log)
	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.NewServer(svc, auth.NewTokens(cfg.JWTSigningKey), log).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return serve(ctx, srv, log, cfg.ShutdownTimeout)
}

func serve(ctx context.Context, srv *http.Server, log *zap.Logger, grace time.Duration) error {
	errc := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", srv.Addr))
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return errors.Wrap(err, "serve")
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	log.Info("shutting down")
	return srv.Shutdown(sctx)
}
