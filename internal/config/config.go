package config

import (
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
)

type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"prod"`
	APIAddr       string `env:"API_ADDR" envDefault:":8080"`
	PostgresDSN   string `env:"POSTGRES_DSN"`
	PostgresConns int    `env:"POSTGRES_MAX_CONNS" envDefault:"10"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	QueueName     string `env:"QUEUE_NAME" envDefault:"exportq"`
	JWTSigningKey string `env:"JWT_SIGNING_KEY"`

	RegistryDriver string `env:"REGISTRY_DRIVER" envDefault:"postgres"`
	SQLitePath     string `env:"SQLITE_PATH" envDefault:"exportq.db"`
	QueueDriver    string `env:"QUEUE_DRIVER" envDefault:"redis"`
	MigrationsDir  string `env:"MIGRATIONS_DIR" envDefault:"migrations"`
	ArtifactDir    string `env:"ARTIFACT_DIR" envDefault:"artifacts"`

	WorkerID          string        `env:"WORKER_ID"`
	WorkerConcurrency int           `env:"WORKER_CONCURRENCY" envDefault:"2"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"10s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	TransformCommand  []string      `env:"TRANSFORM_COMMAND" envSeparator:" "`

	SweepInterval  time.Duration `env:"SWEEP_INTERVAL" envDefault:"30s"`
	RedeliverAfter time.Duration `env:"REDELIVER_AFTER" envDefault:"5m"`
	StaleAfter     time.Duration `env:"STALE_AFTER" envDefault:"2m"`
	OrphanGrace    time.Duration `env:"ORPHAN_GRACE" envDefault:"1h"`
	LeaderLockKey  int64         `env:"LEADER_LOCK_KEY" envDefault:"7301"`
}

func Load() (Config, error) {
	c, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, errors.Wrap(err, "parse environment")
	}
	c.RegistryDriver = strings.ToLower(c.RegistryDriver)
	c.QueueDriver = strings.ToLower(c.QueueDriver)
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	switch c.RegistryDriver {
	case DriverPostgres:
		if c.PostgresDSN == "" {
			return errors.New("POSTGRES_DSN is required for the postgres registry")
		}
	case DriverSQLite:
	default:
		return errors.Errorf("unknown REGISTRY_DRIVER %q", c.RegistryDriver)
	}
	switch c.QueueDriver {
	case DriverRedis, DriverMemory:
	default:
		return errors.Errorf("unknown QUEUE_DRIVER %q", c.QueueDriver)
	}
	if c.WorkerConcurrency < 1 {
		return errors.New("WORKER_CONCURRENCY must be at least 1")
	}
	if c.StaleAfter > 0 {
		// Without heartbeats every run would look stale after STALE_AFTER.
		if c.HeartbeatInterval <= 0 {
			return errors.New("STALE_AFTER requires HEARTBEAT_INTERVAL; set STALE_AFTER=0 to disable reaping")
		}
		if c.StaleAfter <= c.HeartbeatInterval {
			return errors.New("STALE_AFTER must exceed HEARTBEAT_INTERVAL")
		}
	}
	return nil
}

// RequireSharedQueue is checked by binaries that run as one of several
// processes. The memory queue lives inside a single process.
func (c Config) RequireSharedQueue() error {
	if c.QueueDriver == DriverMemory {
		return errors.New("QUEUE_DRIVER=memory is only usable by exportd")
	}
	return nil
}

// RequireSigningKey is checked by binaries that serve the API.
func (c Config) RequireSigningKey() error {
	if c.JWTSigningKey == "" {
		return errors.New("JWT_SIGNING_KEY is required")
	}
	return nil
}
