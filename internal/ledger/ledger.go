// Package ledger implements the ledger reads and writes shared by every
// backend. Queries are written with ? placeholders and rebound for the
// connection's driver.
package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/egtann/migrate/v2"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// Ledger runs ledger queries on a pinned connection.
type Ledger struct {
	*sqlx.Conn
}

func New(conn *sqlx.Conn) *Ledger {
	return &Ledger{Conn: conn}
}

func (l *Ledger) History(ctx context.Context) ([]migrate.HistoryRecord, error) {
	records := []migrate.HistoryRecord{}
	q := `
		SELECT installed_rank, version, description, checksum,
			executed_at, execution_time_millis, success,
			statements_completed, error_detail, repaired_at
		FROM migrate_history
		ORDER BY installed_rank`
	if err := l.SelectContext(ctx, &records, q); err != nil {
		return nil, errors.Wrap(err, "select history")
	}
	for i := range records {
		records[i].ExecutedAt = records[i].ExecutedAt.UTC()
	}
	return records, nil
}

// AppendHistory assigns the next rank and inserts the record. Callers hold
// the run lock, so reading MAX and inserting can't interleave with another
// writer; the primary key on installed_rank backs that up.
func (l *Ledger) AppendHistory(
	ctx context.Context,
	rec *migrate.HistoryRecord,
) error {
	var rank sql.NullInt64
	q := `SELECT MAX(installed_rank) FROM migrate_history`
	if err := l.GetContext(ctx, &rank, q); err != nil {
		return errors.Wrap(err, "get max installed rank")
	}
	rec.InstalledRank = rank.Int64 + 1
	if rec.ExecutedAt.IsZero() {
		rec.ExecutedAt = time.Now()
	}
	rec.ExecutedAt = rec.ExecutedAt.UTC()
	q = l.Rebind(`
		INSERT INTO migrate_history (
			installed_rank, version, description, checksum,
			executed_at, execution_time_millis, success,
			statements_completed, error_detail
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := l.ExecContext(ctx, q, rec.InstalledRank, rec.Version,
		rec.Description, rec.Checksum, rec.ExecutedAt,
		rec.ExecutionTimeMillis, rec.Success, rec.StatementsCompleted,
		rec.ErrorDetail)
	if err != nil {
		return errors.Wrapf(err, "insert history %s", rec.Version)
	}
	return nil
}

func (l *Ledger) MarkPendingAgain(
	ctx context.Context,
	version string,
) (int64, error) {
	q := l.Rebind(`
		UPDATE migrate_history SET repaired_at = ?
		WHERE version = ? AND success = ? AND repaired_at IS NULL`)
	res, err := l.ExecContext(ctx, q, time.Now().UTC(), version, false)
	if err != nil {
		return 0, errors.Wrapf(err, "mark %s pending", version)
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "rows affected")
}

func (l *Ledger) UpdateChecksum(
	ctx context.Context,
	version, checksum string,
) (int64, error) {
	q := l.Rebind(`
		UPDATE migrate_history SET checksum = ?
		WHERE version = ? AND success = ? AND checksum <> ?`)
	res, err := l.ExecContext(ctx, q, checksum, version, true, checksum)
	if err != nil {
		return 0, errors.Wrapf(err, "update checksum %s", version)
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "rows affected")
}
