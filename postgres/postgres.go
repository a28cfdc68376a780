package postgres

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/egtann/migrate/v2"
	"github.com/egtann/migrate/v2/internal/ledger"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

type DB struct {
	connURL string

	// Embed the sqlx DB struct
	*sqlx.DB
}

func New(
	user, pass, host, dbName string,
	port int,
	sslKey, sslCert, sslCA string,
) *DB {
	// The trailing space is important
	url := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s ",
		host, port, user, quote(pass), dbName)
	if sslKey == "" {
		url += "sslmode=disable"
	} else {
		url += fmt.Sprintf(
			"sslmode=verify-full sslkey=%s sslcert=%s sslrootcert=%s",
			sslKey, sslCert, sslCA)
	}
	return &DB{connURL: url}
}

// NewFromURL uses a complete connection string, either a postgres:// URL or
// key=value pairs.
func NewFromURL(connURL string) *DB {
	return &DB{connURL: connURL}
}

// quote escapes a value for a key=value connection string.
func quote(s string) string {
	if s == "" {
		return "''"
	}
	out := []byte{'\''}
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' || s[i] == '\\' {
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(append(out, '\''))
}

func (db *DB) Open() error {
	var err error
	db.DB, err = sqlx.Open("postgres", db.connURL)
	if err != nil {
		return errors.Wrap(err, "open db connection")
	}
	return nil
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
	var perr *pq.Error
	if !errors.As(err, &perr) {
		return nil
	}
	msg := perr.Message
	if perr.Detail != "" {
		msg += " (" + perr.Detail + ")"
	}
	if perr.Hint != "" {
		msg += " hint: " + perr.Hint
	}
	return &migrate.ErrorDetail{
		Code:     string(perr.Code),
		Message:  msg,
		Position: perr.Position,
	}
}

type session struct {
	*ledger.Ledger
	locked bool
}

func (s *session) CreateHistoryIfNotExists(ctx context.Context) error {
	q := `CREATE TABLE IF NOT EXISTS migrate_history (
		installed_rank BIGINT PRIMARY KEY,
		version TEXT NOT NULL,
		description TEXT NOT NULL,
		checksum TEXT NOT NULL,
		executed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		execution_time_millis BIGINT NOT NULL,
		success BOOLEAN NOT NULL,
		statements_completed INTEGER NOT NULL DEFAULT 0,
		error_detail TEXT NOT NULL DEFAULT '',
		repaired_at TIMESTAMPTZ
	)`
	if _, err := s.ExecContext(ctx, q); err != nil {
		return errors.Wrap(err, "create migrate_history table")
	}
	return nil
}

// Lock takes a session-level advisory lock. It's tied to the pinned
// connection and released by Unlock or when the connection closes.
func (s *session) Lock(ctx context.Context, wait bool) error {
	key := lockKey(migrate.HistoryTable)
	if wait {
		_, err := s.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, key)
		if err != nil {
			if ctx.Err() != nil {
				return errors.Wrap(migrate.ErrInProgress, ctx.Err().Error())
			}
			return errors.Wrapf(err, "pg_advisory_lock(%d)", key)
		}
		s.locked = true
		return nil
	}
	var acquired bool
	q := `SELECT pg_try_advisory_lock($1)`
	if err := s.GetContext(ctx, &acquired, q, key); err != nil {
		return errors.Wrapf(err, "pg_try_advisory_lock(%d)", key)
	}
	if !acquired {
		return migrate.ErrInProgress
	}
	s.locked = true
	return nil
}

func (s *session) Unlock(ctx context.Context) error {
	if !s.locked {
		return nil
	}
	q := `SELECT pg_advisory_unlock($1)`
	if _, err := s.ExecContext(ctx, q, lockKey(migrate.HistoryTable)); err != nil {
		return errors.Wrap(err, "pg_advisory_unlock")
	}
	s.locked = false
	return nil
}

// lockKey hashes the ledger name into an advisory lock id with FNV-1a.
func lockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("migrate:" + name))
	return int64(h.Sum64() & 0x7FFFFFFFFFFFFFFF)
}
