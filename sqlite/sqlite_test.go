package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/egtann/migrate/v2"
	"github.com/pkg/errors"
)

func TestCreateHistoryIfNotExists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newDB(t)
	s := newSession(t, db)

	// Twice, to be sure it's repeatable
	check(t, s.CreateHistoryIfNotExists(ctx))
	check(t, s.CreateHistoryIfNotExists(ctx))

	var tmp []int
	err := db.Select(&tmp, `SELECT 1 FROM migrate_history`)
	check(t, err)
}

func TestAppendHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newDB(t)
	s := newSession(t, db)
	check(t, s.CreateHistoryIfNotExists(ctx))

	first := &migrate.HistoryRecord{
		Version:     "1",
		Description: "create users",
		Checksum:    "abc",
		Success:     true,
	}
	check(t, s.AppendHistory(ctx, first))
	second := &migrate.HistoryRecord{
		Version:             "2",
		Description:         "add index",
		Checksum:            "def",
		StatementsCompleted: 1,
		ErrorDetail:         "(statement 2) no such table: x",
	}
	check(t, s.AppendHistory(ctx, second))
	if first.InstalledRank != 1 || second.InstalledRank != 2 {
		t.Fatalf("expected ranks 1, 2, got %d, %d", first.InstalledRank,
			second.InstalledRank)
	}

	recs, err := s.History(ctx)
	check(t, err)
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if !recs[0].Success || recs[1].Success {
		t.Fatal("success flags were not stored")
	}
	if recs[1].StatementsCompleted != 1 {
		t.Fatalf("expected 1 statement completed, got %d",
			recs[1].StatementsCompleted)
	}
	if recs[1].ErrorDetail != second.ErrorDetail {
		t.Fatalf("unexpected error detail %q", recs[1].ErrorDetail)
	}
	if recs[0].ExecutedAt.IsZero() {
		t.Fatal("expected executed_at to be set")
	}
}

func TestMarkPendingAgain(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newDB(t)
	s := newSession(t, db)
	check(t, s.CreateHistoryIfNotExists(ctx))
	check(t, s.AppendHistory(ctx, &migrate.HistoryRecord{
		Version: "1", Description: "ok", Checksum: "a", Success: true,
	}))
	check(t, s.AppendHistory(ctx, &migrate.HistoryRecord{
		Version: "2", Description: "broken", Checksum: "b",
	}))

	n, err := s.MarkPendingAgain(ctx, "2")
	check(t, err)
	if n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}

	// Successful rows are never touched, and repeating is a no-op
	n, err = s.MarkPendingAgain(ctx, "1")
	check(t, err)
	if n != 0 {
		t.Fatalf("expected 0 rows for a successful version, got %d", n)
	}
	n, err = s.MarkPendingAgain(ctx, "2")
	check(t, err)
	if n != 0 {
		t.Fatalf("expected 0 rows on repeat, got %d", n)
	}

	recs, err := s.History(ctx)
	check(t, err)
	if recs[0].Repaired() || !recs[1].Repaired() {
		t.Fatal("expected only the failed row to be repaired")
	}
}

func TestUpdateChecksum(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newDB(t)
	s := newSession(t, db)
	check(t, s.CreateHistoryIfNotExists(ctx))
	check(t, s.AppendHistory(ctx, &migrate.HistoryRecord{
		Version: "1", Description: "ok", Checksum: "old", Success: true,
	}))

	n, err := s.UpdateChecksum(ctx, "1", "new")
	check(t, err)
	if n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}
	n, err = s.UpdateChecksum(ctx, "1", "new")
	check(t, err)
	if n != 0 {
		t.Fatalf("expected 0 rows on repeat, got %d", n)
	}

	recs, err := s.History(ctx)
	check(t, err)
	if recs[0].Checksum != "new" {
		t.Fatalf("expected checksum new, got %s", recs[0].Checksum)
	}
}

func TestLock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newDB(t)
	a := newSession(t, db)
	b := newSession(t, db)

	check(t, a.Lock(ctx, false))
	holder, err := db.LockHolder(ctx)
	check(t, err)
	if holder == "" {
		t.Fatal("expected a lock holder")
	}

	err = b.Lock(ctx, false)
	if !errors.Is(err, migrate.ErrInProgress) {
		t.Fatalf("expected ErrInProgress, got %v", err)
	}

	check(t, a.Unlock(ctx))
	holder, err = db.LockHolder(ctx)
	check(t, err)
	if holder != "" {
		t.Fatalf("expected no holder, got %s", holder)
	}
	check(t, b.Lock(ctx, false))
	check(t, b.Unlock(ctx))
}

func TestLockWait(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newDB(t)
	a := newSession(t, db)
	b := newSession(t, db)
	check(t, a.Lock(ctx, false))

	done := make(chan error, 1)
	go func() { done <- b.Lock(ctx, true) }()
	check(t, a.Unlock(ctx))
	check(t, <-done)
	check(t, b.Unlock(ctx))
}

func TestLockWaitTimeout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newDB(t)
	a := newSession(t, db)
	b := newSession(t, db)
	check(t, a.Lock(ctx, false))
	defer a.Unlock(ctx)

	waitCtx, cancel := context.WithTimeout(ctx, 2*lockPoll)
	defer cancel()
	err := b.Lock(waitCtx, true)
	if !errors.Is(err, migrate.ErrInProgress) {
		t.Fatalf("expected ErrInProgress, got %v", err)
	}
}

func TestDescribeError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newDB(t)
	_, err := db.ExecContext(ctx, `SELECT * FROM nope`)
	if err == nil {
		t.Fatal("expected error")
	}
	d := db.DescribeError(err)
	if d == nil {
		t.Fatal("expected a detail for a sqlite error")
	}
	if d.Code == "" || d.Message == "" {
		t.Fatalf("expected code and message, got %+v", d)
	}
	if db.DescribeError(errors.New("other")) != nil {
		t.Fatal("expected nil for a non-sqlite error")
	}
}

func check(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

// newDB opens a fresh database file. Sessions need more than one
// connection to the same database, which :memory: can't give us.
func newDB(t *testing.T) *DB {
	t.Helper()
	db := New(filepath.Join(t.TempDir(), "test.db"))
	check(t, db.Open())
	t.Cleanup(func() { db.Close() })
	return db
}

func newSession(t *testing.T, db *DB) migrate.Session {
	t.Helper()
	s, err := db.Session(context.Background())
	check(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}
