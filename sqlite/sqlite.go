package sqlite

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/egtann/migrate/v2"
	"github.com/egtann/migrate/v2/internal/ledger"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// lockPoll is how often a waiting run retries the lock row.
const lockPoll = 250 * time.Millisecond

type DB struct {
	filepath string

	// Embed the sqlx DB struct
	*sqlx.DB
}

// New returns a DB for the sqlite file at dbFile. Nothing is opened until
// Open.
func New(dbFile string) *DB {
	return &DB{filepath: dbFile}
}

func (db *DB) Open() error {
	var err error
	db.DB, err = sqlx.Open("sqlite3", dsn(db.filepath))
	if err != nil {
		return errors.Wrap(err, "open db connection")
	}
	return nil
}

// dsn adds a busy timeout so concurrent runs against the same file wait for
// each other's writes instead of failing with SQLITE_BUSY.
func dsn(filepath string) string {
	if strings.Contains(filepath, "_busy_timeout") {
		return filepath
	}
	sep := "?"
	if strings.Contains(filepath, "?") {
		sep = "&"
	}
	return filepath + sep + "_busy_timeout=5000"
}

func (db *DB) Close() error {
	if db.DB == nil {
		return nil
	}
	return db.DB.Close()
}

func (db *DB) Session(ctx context.Context) (migrate.Session, error) {
	conn, err := db.Connx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "get connection")
	}
	return &session{Ledger: ledger.New(conn)}, nil
}

func (db *DB) Conn(ctx context.Context) (migrate.Conn, error) {
	conn, err := db.Connx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "get connection")
	}
	return conn, nil
}

func (db *DB) Dialect() migrate.Dialect { return migrate.DialectStandard }

func (db *DB) DescribeError(err error) *migrate.ErrorDetail {
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return nil
	}
	return &migrate.ErrorDetail{
		Code:    strconv.Itoa(int(serr.ExtendedCode)),
		Message: serr.Error(),
	}
}

type session struct {
	*ledger.Ledger

	// holder identifies this run's lock row
	holder string
}

func (s *session) CreateHistoryIfNotExists(ctx context.Context) error {
	q := `CREATE TABLE IF NOT EXISTS migrate_history (
		installed_rank INTEGER PRIMARY KEY,
		version TEXT NOT NULL,
		description TEXT NOT NULL,
		checksum TEXT NOT NULL,
		executed_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		execution_time_millis INTEGER NOT NULL,
		success BOOLEAN NOT NULL,
		statements_completed INTEGER NOT NULL DEFAULT 0,
		error_detail TEXT NOT NULL DEFAULT '',
		repaired_at TIMESTAMP
	)`
	if _, err := s.ExecContext(ctx, q); err != nil {
		return errors.Wrap(err, "create migrate_history table")
	}
	return nil
}

// createLockIfNotExists creates the single-row lock table. sqlite has no
// advisory locks, so the CHECK on the primary key makes a second insert
// fail while a run holds the row.
func (s *session) createLockIfNotExists(ctx context.Context) error {
	q := `CREATE TABLE IF NOT EXISTS migrate_lock (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		holder TEXT NOT NULL,
		acquiredat TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`
	if _, err := s.ExecContext(ctx, q); err != nil {
		return errors.Wrap(err, "create migrate_lock table")
	}
	return nil
}

func (s *session) Lock(ctx context.Context, wait bool) error {
	if err := s.createLockIfNotExists(ctx); err != nil {
		return err
	}
	holder := uuid.New().String()
	for {
		err := s.tryLock(ctx, holder)
		if err == nil {
			s.holder = holder
			return nil
		}
		if !errors.Is(err, migrate.ErrInProgress) || !wait {
			return err
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(migrate.ErrInProgress, ctx.Err().Error())
		case <-time.After(lockPoll):
		}
	}
}

func (s *session) tryLock(ctx context.Context, holder string) error {
	q := `INSERT INTO migrate_lock (id, holder) VALUES (1, $1)`
	_, err := s.ExecContext(ctx, q, holder)
	if err == nil {
		return nil
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint {
		return errors.Wrap(migrate.ErrInProgress,
			"lock row held in migrate_lock (delete it if no run is active)")
	}
	return errors.Wrap(err, "insert lock row")
}

func (s *session) Unlock(ctx context.Context) error {
	if s.holder == "" {
		return nil
	}
	q := `DELETE FROM migrate_lock WHERE holder = $1`
	if _, err := s.ExecContext(ctx, q, s.holder); err != nil {
		return errors.Wrap(err, "delete lock row")
	}
	s.holder = ""
	return nil
}

// LockHolder reports who holds the run lock, if anyone.
func (db *DB) LockHolder(ctx context.Context) (string, error) {
	var holder string
	q := `SELECT holder FROM migrate_lock WHERE id = 1`
	err := db.GetContext(ctx, &holder, q)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", nil
	case err != nil:
		return "", errors.Wrap(err, "get lock holder")
	}
	return holder, nil
}
