package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/SirClappington/exportq/internal/domain"
)

// Store is the Postgres-backed job registry.
type Store struct {
	db  *pgxpool.Pool
	now func() time.Time
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, dsn string, maxConns int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return pool, nil
}

// Create persists a new queued job (source of truth). The job's ID and
// CreatedAt are filled in.
func (s *Store) Create(ctx context.Context, j *domain.Job) error {
	args, err := prepareInsert(j, s.now())
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, rebind(insertJobSQL), args...); err != nil {
		if isUniqueViolation(err) {
			return errors.Wrapf(domain.ErrInvalidRequest, "duplicate task ref %s", j.TaskRef)
		}
		return errors.Wrap(err, "insert job")
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrJobNotFound
	}
	j, err := scanJob(s.db.QueryRow(ctx, rebind(selectJobSQL), id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, errors.Wrapf(err, "get job %s", id)
	}
	return j, nil
}

func (s *Store) GetByTaskRef(ctx context.Context, ref string) (*domain.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx, rebind(selectByTaskRefSQL), ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, errors.Wrapf(err, "get job by task ref %s", ref)
	}
	return j, nil
}

func (s *Store) List(ctx context.Context, f ListFilter) ([]*domain.Job, error) {
	q, args := listSQL(f)
	rows, err := s.db.Query(ctx, rebind(q), args...)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	return collectJobs(rows)
}

func (s *Store) Transition(ctx context.Context, id string, from domain.Status, upd domain.Update) (*domain.Job, error) {
	if err := upd.Validate(from); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrJobNotFound
	}
	q := rebind(transitionSQL + "\nreturning " + jobColumns)
	j, err := scanJob(s.db.QueryRow(ctx, q, transitionArgs(id, from, upd, s.now())...))
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(err, "transition job %s to %s", id, upd.To)
	}
	cur, err := s.status(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, &domain.ConflictError{JobID: id, Expected: from, Actual: cur}
}

func (s *Store) Heartbeat(ctx context.Context, id, workerID string) (domain.Status, error) {
	tag, err := s.db.Exec(ctx, rebind(heartbeatSQL), s.now(), id, workerID)
	if err != nil {
		return "", errors.Wrapf(err, "heartbeat job %s", id)
	}
	if tag.RowsAffected() == 1 {
		return domain.Running, nil
	}
	return s.status(ctx, id)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return domain.ErrJobNotFound
	}
	tag, err := s.db.Exec(ctx, rebind(deleteJobSQL), id)
	if err != nil {
		return errors.Wrapf(err, "delete job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

func (s *Store) Stale(ctx context.Context, status domain.Status, before time.Time, limit int) ([]*domain.Job, error) {
	q, err := staleSQL(status)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, rebind(q), before.UTC(), limit)
	if err != nil {
		return nil, errors.Wrapf(err, "list stale %s jobs", status)
	}
	return collectJobs(rows)
}

func (s *Store) Artifacts(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.Query(ctx, artifactsSQL)
	if err != nil {
		return nil, errors.Wrap(err, "list artifact refs")
	}
	defer rows.Close()
	out := make(map[string]struct{})
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, err
		}
		out[ref] = struct{}{}
	}
	return out, rows.Err()
}

// TryLeader takes the scheduler's session-level advisory lock on a dedicated
// connection. The returned release func unlocks and returns the connection.
func (s *Store) TryLeader(ctx context.Context, key int64) (bool, func(), error) {
	conn, err := s.db.Acquire(ctx)
	if err != nil {
		return false, nil, errors.Wrap(err, "acquire connection")
	}
	var ok bool
	if err := conn.QueryRow(ctx, "select pg_try_advisory_lock($1)", key).Scan(&ok); err != nil {
		conn.Release()
		return false, nil, errors.Wrap(err, "advisory lock")
	}
	if !ok {
		conn.Release()
		return false, func() {}, nil
	}
	return true, func() {
		_, _ = conn.Exec(context.Background(), "select pg_advisory_unlock($1)", key)
		conn.Release()
	}, nil
}

func (s *Store) status(ctx context.Context, id string) (domain.Status, error) {
	var st string
	if err := s.db.QueryRow(ctx, rebind(selectStatusSQL), id).Scan(&st); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrJobNotFound
		}
		return "", errors.Wrapf(err, "read status of job %s", id)
	}
	return domain.Status(st), nil
}

func collectJobs(rows pgx.Rows) ([]*domain.Job, error) {
	defer rows.Close()
	var out []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func staleSQL(status domain.Status) (string, error) {
	switch status {
	case domain.Queued:
		return staleQueuedSQL, nil
	case domain.Running:
		return staleRunningSQL, nil
	}
	return "", errors.Wrapf(domain.ErrInvalidRequest, "no staleness for %s jobs", status)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
