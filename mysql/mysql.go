package mysql

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/egtann/migrate/v2"
	"github.com/egtann/migrate/v2/internal/ledger"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

type DB struct {
	connURL   string
	tlsConfig *tlsConfig

	// Embed the sqlx DB struct
	*sqlx.DB
}

func New(
	user, pass, host, dbName string,
	port int,
	sslKey, sslCert, sslCA, sslServerName string,
) (*DB, error) {
	db := &DB{}
	db.connURL = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", user,
		pass, host, port, dbName)
	if sslKey != "" {
		db.connURL = fmt.Sprintf("%s&tls=%s", db.connURL, sslServerName)
		conf, err := migrate.NewTLSConfig(sslKey, sslCert, sslCA,
			sslServerName)
		if err != nil {
			return nil, errors.Wrap(err, "new tls config")
		}
		db.tlsConfig = &tlsConfig{ServerName: sslServerName, Config: conf}
	}
	return db, nil
}

// NewFromDSN uses a complete go-sql-driver DSN. parseTime is forced on
// since the ledger stores timestamps.
func NewFromDSN(dsn string) (*DB, error) {
	conf, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse dsn")
	}
	conf.ParseTime = true
	return &DB{connURL: conf.FormatDSN()}, nil
}

func (db *DB) Open() error {
	if db.tlsConfig != nil {
		err := mysql.RegisterTLSConfig(db.tlsConfig.ServerName,
			db.tlsConfig.Config)
		if err != nil {
			return errors.Wrap(err, "register tls config")
		}
	}
	var err error
	db.DB, err = sqlx.Open("mysql", db.connURL)
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

func (db *DB) Dialect() migrate.Dialect { return migrate.DialectMySQL }

func (db *DB) DescribeError(err error) *migrate.ErrorDetail {
	var merr *mysql.MySQLError
	if !errors.As(err, &merr) {
		return nil
	}
	msg := merr.Message
	if state := string(merr.SQLState[:]); merr.SQLState != [5]byte{} {
		msg = "[" + state + "] " + msg
	}
	return &migrate.ErrorDetail{
		Code:    strconv.Itoa(int(merr.Number)),
		Message: msg,
	}
}

type session struct {
	*ledger.Ledger
	locked bool
}

func (s *session) CreateHistoryIfNotExists(ctx context.Context) error {
	q := `CREATE TABLE IF NOT EXISTS migrate_history (
		installed_rank BIGINT PRIMARY KEY,
		version VARCHAR(255) NOT NULL,
		description VARCHAR(255) NOT NULL,
		checksum VARCHAR(255) NOT NULL,
		executed_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		execution_time_millis BIGINT NOT NULL,
		success BOOLEAN NOT NULL,
		statements_completed INTEGER NOT NULL DEFAULT 0,
		error_detail TEXT NOT NULL,
		repaired_at DATETIME(6) NULL
	)`
	if _, err := s.ExecContext(ctx, q); err != nil {
		return errors.Wrap(err, "create migrate_history table")
	}
	return nil
}

// Lock takes a named lock with GET_LOCK. It belongs to the pinned
// connection's session, so it's released by Unlock or when the connection
// goes away.
func (s *session) Lock(ctx context.Context, wait bool) error {
	timeout := 0
	if wait {
		timeout = lockTimeout(ctx)
	}
	var acquired sql.NullInt64
	q := `SELECT GET_LOCK(CONCAT(DATABASE(), '.migrate_history'), ?)`
	if err := s.GetContext(ctx, &acquired, q, timeout); err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(migrate.ErrInProgress, ctx.Err().Error())
		}
		return errors.Wrap(err, "get_lock")
	}
	if !acquired.Valid {
		return errors.New("get_lock returned null")
	}
	if acquired.Int64 != 1 {
		return migrate.ErrInProgress
	}
	s.locked = true
	return nil
}

// lockTimeout converts the context deadline into GET_LOCK's whole seconds,
// or -1 to wait forever.
func lockTimeout(ctx context.Context) int {
	deadline, ok := ctx.Deadline()
	if !ok {
		return -1
	}
	secs := math.Ceil(time.Until(deadline).Seconds())
	if secs < 0 {
		return 0
	}
	return int(secs)
}

func (s *session) Unlock(ctx context.Context) error {
	if !s.locked {
		return nil
	}
	var released sql.NullInt64
	q := `SELECT RELEASE_LOCK(CONCAT(DATABASE(), '.migrate_history'))`
	if err := s.GetContext(ctx, &released, q); err != nil {
		return errors.Wrap(err, "release_lock")
	}
	s.locked = false
	return nil
}

type tlsConfig struct {
	ServerName string
	Config     *tls.Config
}
