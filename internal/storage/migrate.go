package storage

import (
	"database/sql"
	"path/filepath"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/pkg/errors"
	"github.com/pressly/goose"
)

// goose keeps its dialect in a package global.
var gooseMu sync.Mutex

// Migrate applies every pending migration found under dir/<dialect>.
// dialect is "postgres" or "sqlite3".
func Migrate(db *sql.DB, dialect, dir string) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	sub := dialect
	if dialect == "sqlite3" {
		sub = "sqlite"
	}
	if err := goose.SetDialect(dialect); err != nil {
		return errors.Wrapf(err, "goose dialect %s", dialect)
	}
	if err := goose.Up(db, filepath.Join(dir, sub)); err != nil {
		return errors.Wrap(err, "apply migrations")
	}
	return nil
}

// MigratePostgres opens a short-lived database/sql handle on dsn and migrates it.
func MigratePostgres(dsn, dir string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return errors.Wrap(err, "open postgres")
	}
	defer db.Close()
	return Migrate(db, "postgres", dir)
}
