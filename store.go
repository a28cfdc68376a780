package migrate

import (
	"context"
	"time"
)

// HistoryTable is the ledger table every backend creates in the target
// database.
const HistoryTable = "migrate_history"

// HistoryRecord is one row of the ledger: one attempt at applying a
// migration.
type HistoryRecord struct {
	InstalledRank       int64      `db:"installed_rank"`
	Version             string     `db:"version"`
	Description         string     `db:"description"`
	Checksum            string     `db:"checksum"`
	ExecutedAt          time.Time  `db:"executed_at"`
	ExecutionTimeMillis int64      `db:"execution_time_millis"`
	Success             bool       `db:"success"`
	StatementsCompleted int        `db:"statements_completed"`
	ErrorDetail         string     `db:"error_detail"`
	RepairedAt          *time.Time `db:"repaired_at"`
}

// Repaired reports whether repair neutralized this failed record.
func (r HistoryRecord) Repaired() bool { return r.RepairedAt != nil }

// Store is a target database. It holds the ledger and runs the migrations.
type Store interface {
	Open() error
	Close() error

	// Session pins a connection for ledger reads and writes and for the
	// run lock.
	Session(ctx context.Context) (Session, error)

	// Conn pins a second connection on which migration bodies run, so a
	// driver that drops a connection after a cancel doesn't take the lock
	// with it.
	Conn(ctx context.Context) (Conn, error)

	// DescribeError extracts the code, message and position from a driver
	// error. It returns nil if err isn't a driver error.
	DescribeError(err error) *ErrorDetail

	// Dialect tells how migration bodies are split into statements.
	Dialect() Dialect
}

// Conn is a pinned connection for migration bodies.
type Conn interface {
	Execer
	Close() error
}

// Session is a pinned ledger connection. HistoryStore operations live here.
// Only the Migrator writes through it.
type Session interface {
	// Lock takes the run lock. When wait is false and another run holds
	// it, Lock returns ErrInProgress right away; otherwise it blocks until
	// the lock is free or ctx is done.
	Lock(ctx context.Context, wait bool) error
	Unlock(ctx context.Context) error

	// CreateHistoryIfNotExists bootstraps the ledger table. It's safe to
	// call concurrently and repeatedly.
	CreateHistoryIfNotExists(ctx context.Context) error

	// History returns every ledger row ordered by installed rank.
	History(ctx context.Context) ([]HistoryRecord, error)

	// AppendHistory writes rec immediately, assigning the next installed
	// rank to rec.InstalledRank.
	AppendHistory(ctx context.Context, rec *HistoryRecord) error

	// MarkPendingAgain neutralizes unrepaired failed rows for version so
	// the version can run again. It returns the number of rows touched.
	MarkPendingAgain(ctx context.Context, version string) (int64, error)

	// UpdateChecksum replaces the checksum of successful rows for version.
	UpdateChecksum(ctx context.Context, version, checksum string) (int64, error)

	Close() error
}
