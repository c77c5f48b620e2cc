// Package app opens the backends named by the configuration and wires the
// components shared by the binaries.
package app

import (
	"context"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/exportq/internal/artifact"
	"github.com/SirClappington/exportq/internal/config"
	"github.com/SirClappington/exportq/internal/queue"
	"github.com/SirClappington/exportq/internal/storage"
	"github.com/SirClappington/exportq/internal/transform"
)

// Broker is what the binaries need from a queue backend.
type Broker interface {
	queue.Broker
	queue.Maintainer
}

type Backends struct {
	Registry  storage.Registry
	Broker    Broker
	Artifacts *artifact.Store
	// Postgres is set when the registry is the postgres store; the scheduler
	// uses it for leader election.
	Postgres *storage.Store

	closers []func()
}

// Open connects the registry, broker and artifact store. When migrate is set
// pending migrations are applied first.
func Open(ctx context.Context, cfg config.Config, log *zap.Logger, migrate bool) (*Backends, error) {
	b := &Backends{}
	if err := b.openRegistry(ctx, cfg, migrate); err != nil {
		b.Close()
		return nil, err
	}
	if err := b.openBroker(ctx, cfg); err != nil {
		b.Close()
		return nil, err
	}
	store, err := artifact.New(cfg.ArtifactDir)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.Artifacts = store

	log.Info("backends ready",
		zap.String("registry", cfg.RegistryDriver),
		zap.String("queue", cfg.QueueDriver),
		zap.String("artifacts", store.Root()))
	return b, nil
}

func (b *Backends) openRegistry(ctx context.Context, cfg config.Config, migrate bool) error {
	switch cfg.RegistryDriver {
	case config.DriverSQLite:
		db, err := storage.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return err
		}
		b.closers = append(b.closers, func() { _ = db.Close() })
		if migrate {
			if err := storage.Migrate(db, "sqlite3", cfg.MigrationsDir); err != nil {
				return err
			}
		}
		b.Registry = storage.NewSQLite(db)
	default:
		if migrate {
			if err := storage.MigratePostgres(cfg.PostgresDSN, cfg.MigrationsDir); err != nil {
				return err
			}
		}
		pool, err := storage.Connect(ctx, cfg.PostgresDSN, cfg.PostgresConns)
		if err != nil {
			return err
		}
		b.closers = append(b.closers, pool.Close)
		b.Postgres = storage.New(pool)
		b.Registry = b.Postgres
	}
	return nil
}

func (b *Backends) openBroker(ctx context.Context, cfg config.Config) error {
	if cfg.QueueDriver == config.DriverMemory {
		b.Broker = queue.NewMem()
		return nil
	}
	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	b.closers = append(b.closers, func() { _ = rdb.Close() })
	if err := rdb.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "ping redis")
	}
	b.Broker = queue.New(rdb, cfg.QueueName)
	return nil
}

// Close releases connections in reverse order of opening.
func (b *Backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

// Transformer returns the configured exporter. Without TRANSFORM_COMMAND every
// job fails with an unsupported kind error.
func Transformer(cfg config.Config, log *zap.Logger) transform.Transformer {
	var fallback transform.Transformer
	if len(cfg.TransformCommand) > 0 {
		fallback = &transform.Command{
			Bin:  cfg.TransformCommand[0],
			Args: cfg.TransformCommand[1:],
			Log:  log,
		}
	} else {
		log.Warn("TRANSFORM_COMMAND is not set; exports will fail")
	}
	return transform.NewRouter(fallback)
}

// MigrateOnly applies migrations for the configured registry.
func MigrateOnly(cfg config.Config) error {
	if cfg.RegistryDriver != config.DriverSQLite {
		return storage.MigratePostgres(cfg.PostgresDSN, cfg.MigrationsDir)
	}
	db, err := storage.OpenSQLite(cfg.SQLitePath)
	if err != nil {
		return err
	}
	defer db.Close()
	return storage.Migrate(db, "sqlite3", cfg.MigrationsDir)
}
