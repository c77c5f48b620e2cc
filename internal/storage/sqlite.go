package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/SirClappington/exportq/internal/domain"
)

// SQLiteStore is the single-node job registry. All access goes through one
// connection, so every statement is serialized by SQLite itself.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database file at path.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping sqlite")
	}
	return db, nil
}

func NewSQLite(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *SQLiteStore) Create(ctx context.Context, j *domain.Job) error {
	args, err := prepareInsert(j, s.now())
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, insertJobSQL, args...); err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
			return errors.Wrapf(domain.ErrInvalidRequest, "duplicate task ref %s", j.TaskRef)
		}
		return errors.Wrap(err, "insert job")
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	return s.one(ctx, selectJobSQL, id)
}

func (s *SQLiteStore) GetByTaskRef(ctx context.Context, ref string) (*domain.Job, error) {
	return s.one(ctx, selectByTaskRefSQL, ref)
}

func (s *SQLiteStore) List(ctx context.Context, f ListFilter) ([]*domain.Job, error) {
	q, args := listSQL(f)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	return collectSQLJobs(rows)
}

func (s *SQLiteStore) Transition(ctx context.Context, id string, from domain.Status, upd domain.Update) (*domain.Job, error) {
	if err := upd.Validate(from); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transition")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, transitionSQL, transitionArgs(id, from, upd, s.now())...)
	if err != nil {
		return nil, errors.Wrapf(err, "transition job %s to %s", id, upd.To)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		var st string
		if err := tx.QueryRowContext(ctx, selectStatusSQL, id).Scan(&st); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, domain.ErrJobNotFound
			}
			return nil, errors.Wrapf(err, "read status of job %s", id)
		}
		return nil, &domain.ConflictError{JobID: id, Expected: from, Actual: domain.Status(st)}
	}
	j, err := scanJob(tx.QueryRowContext(ctx, selectJobSQL, id))
	if err != nil {
		return nil, errors.Wrapf(err, "reload job %s", id)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit transition")
	}
	return j, nil
}

func (s *SQLiteStore) Heartbeat(ctx context.Context, id, workerID string) (domain.Status, error) {
	res, err := s.db.ExecContext(ctx, heartbeatSQL, s.now(), id, workerID)
	if err != nil {
		return "", errors.Wrapf(err, "heartbeat job %s", id)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return domain.Running, nil
	}
	var st string
	if err := s.db.QueryRowContext(ctx, selectStatusSQL, id).Scan(&st); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.ErrJobNotFound
		}
		return "", errors.Wrapf(err, "read status of job %s", id)
	}
	return domain.Status(st), nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, deleteJobSQL, id)
	if err != nil {
		return errors.Wrapf(err, "delete job %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

func (s *SQLiteStore) Stale(ctx context.Context, status domain.Status, before time.Time, limit int) ([]*domain.Job, error) {
	q, err := staleSQL(status)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, q, before.UTC(), limit)
	if err != nil {
		return nil, errors.Wrapf(err, "list stale %s jobs", status)
	}
	return collectSQLJobs(rows)
}

func (s *SQLiteStore) Artifacts(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, artifactsSQL)
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

func (s *SQLiteStore) one(ctx context.Context, q string, arg string) (*domain.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, q, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, errors.Wrapf(err, "get job %s", arg)
	}
	return j, nil
}

func collectSQLJobs(rows *sql.Rows) ([]*domain.Job, error) {
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
