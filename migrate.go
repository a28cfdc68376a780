// Package migrate applies versioned SQL migrations to a database and keeps a
// ledger of every attempt in the database itself.
//
// Migrations are files named V<version>__<description>.sql. A run validates
// the ledger against the files (checksums, earlier failures, ordering), then
// applies what's pending one statement at a time, recording each migration's
// outcome before starting the next. A failure halts the run and blocks later
// runs until an operator calls Repair.
package migrate

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// State is where a run stopped.
type State int

const (
	StateIdle State = iota
	StateValidating
	StateHaltedOnMismatch
	StateHaltedOnPriorFailure
	StateHaltedOnAnomaly
	StateApplying
	StateDone
	StateHaltedOnFailure
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateHaltedOnMismatch:
		return "halted on checksum mismatch"
	case StateHaltedOnPriorFailure:
		return "halted on prior failure"
	case StateHaltedOnAnomaly:
		return "halted on anomaly"
	case StateApplying:
		return "applying"
	case StateDone:
		return "done"
	case StateHaltedOnFailure:
		return "halted on failure"
	default:
		return "unknown"
	}
}

// Config tunes a Migrator. The zero value is usable.
type Config struct {
	Logger Logger

	OutOfOrder OutOfOrderPolicy

	// Timeout bounds each migration. Zero means no limit.
	Timeout time.Duration

	// LockWait blocks until another run releases the lock instead of
	// failing with ErrInProgress. LockTimeout bounds the wait; zero waits
	// until the context is done.
	LockWait    bool
	LockTimeout time.Duration
}

// Report describes what a run did or would do.
type Report struct {
	State State

	// Applied holds the ledger rows written by this run, including a
	// final failed row if the run halted on a failure.
	Applied []HistoryRecord

	// Pending lists migrations not yet applied. After Validate it's what
	// Migrate would run; after a halted Migrate it's what remains.
	Pending []Migration
}

// Migrator coordinates migrations against one database.
type Migrator struct {
	store   Store
	sources []Source
	conf    Config
	log     Logger
}

// New returns a Migrator reading migrations from sources. The store must
// already be open.
func New(store Store, conf Config, sources ...Source) *Migrator {
	log := conf.Logger
	if log == nil {
		log = nopLogger{}
	}
	return &Migrator{store: store, sources: sources, conf: conf, log: log}
}

// Migrate validates the ledger and applies every pending migration in
// version order. It holds the run lock throughout.
func (m *Migrator) Migrate(ctx context.Context) (*Report, error) {
	rep := &Report{State: StateIdle}
	migrations, err := Resolve(m.sources...)
	if err != nil {
		return rep, err
	}
	if len(migrations) == 0 {
		m.log.Println("no migrations found in sources")
	}

	sess, unlock, err := m.lockedSession(ctx)
	if err != nil {
		return rep, err
	}
	defer unlock()

	rep.State = StateValidating
	p, err := m.loadPlan(ctx, sess, migrations)
	if err != nil {
		return rep, err
	}
	if rep.State, err = p.check(m.conf.OutOfOrder); err != nil {
		return rep, err
	}
	rep.Pending = p.pending
	if len(p.pending) == 0 {
		m.log.Println("up to date")
		rep.State = StateDone
		return rep, nil
	}
	m.log.Printf("found %d pending migrations", len(p.pending))

	conn, err := m.store.Conn(ctx)
	if err != nil {
		return rep, errors.Wrap(err, "get migration connection")
	}
	defer conn.Close()

	rep.State = StateApplying
	exec := NewExecutor(conn, m.store.Dialect(), m.store.DescribeError)
	for i, mig := range p.pending {
		m.log.Printf("migrating %s: %s", mig.Version, mig.Description)
		var deadline time.Time
		if m.conf.Timeout > 0 {
			deadline = time.Now().Add(m.conf.Timeout)
		}
		out := exec.Apply(ctx, mig, deadline)
		rec := newRecord(mig, out)

		// Record the outcome even if ctx was canceled mid-statement, so the
		// next run knows what happened
		if err = sess.AppendHistory(context.WithoutCancel(ctx), &rec); err != nil {
			return rep, errors.Wrapf(err, "record %s", mig.Filename)
		}
		rep.Applied = append(rep.Applied, rec)
		rep.Pending = p.pending[i+1:]
		if !out.Success {
			rep.State = StateHaltedOnFailure
			rep.Pending = p.pending[i:]
			return rep, &ExecutionError{
				Version:     rec.Version,
				Description: rec.Description,
				Outcome:     out,
			}
		}
		m.log.Printf("migrated %s in %s", mig.Filename,
			out.ExecutionTime.Round(time.Millisecond))
	}
	rep.State = StateDone
	return rep, nil
}

// Validate runs every validation gate without applying anything or taking
// the lock. The report's Pending is what Migrate would apply.
func (m *Migrator) Validate(ctx context.Context) (*Report, error) {
	rep := &Report{State: StateIdle}
	migrations, err := Resolve(m.sources...)
	if err != nil {
		return rep, err
	}
	sess, err := m.store.Session(ctx)
	if err != nil {
		return rep, errors.Wrap(err, "session")
	}
	defer sess.Close()

	rep.State = StateValidating
	p, err := m.loadPlan(ctx, sess, migrations)
	if err != nil {
		return rep, err
	}
	if rep.State, err = p.check(m.conf.OutOfOrder); err != nil {
		return rep, err
	}
	rep.Pending = p.pending
	return rep, nil
}

// Baseline records every migration up to and including version as applied
// without running it. Use it to adopt an existing database. The ledger must
// not contain any applied migration yet.
func (m *Migrator) Baseline(ctx context.Context, version string) (*Report, error) {
	rep := &Report{State: StateIdle}
	target, err := ParseVersion(version)
	if err != nil {
		return rep, &ConfigError{Reason: errors.Wrap(err, "baseline").Error()}
	}
	migrations, err := Resolve(m.sources...)
	if err != nil {
		return rep, err
	}
	found := false
	for _, mig := range migrations {
		if mig.Version.Equal(target) {
			found = true
			break
		}
	}
	if !found {
		return rep, &ConfigError{
			Reason: "baseline version " + version + " does not exist",
		}
	}

	sess, unlock, err := m.lockedSession(ctx)
	if err != nil {
		return rep, err
	}
	defer unlock()

	rep.State = StateValidating
	if err = sess.CreateHistoryIfNotExists(ctx); err != nil {
		return rep, errors.Wrap(err, "create history")
	}
	history, err := sess.History(ctx)
	if err != nil {
		return rep, errors.Wrap(err, "history")
	}
	for _, rec := range history {
		if !rec.Repaired() {
			return rep, ErrLedgerNotEmpty
		}
	}

	rep.State = StateApplying
	for i, mig := range migrations {
		if target.Less(mig.Version) {
			rep.Pending = migrations[i:]
			break
		}
		rec := HistoryRecord{
			Version:     mig.Version.String(),
			Description: mig.Description,
			Checksum:    mig.Checksum,
			Success:     true,
		}
		if err = sess.AppendHistory(ctx, &rec); err != nil {
			return rep, errors.Wrapf(err, "record %s", mig.Filename)
		}
		rep.Applied = append(rep.Applied, rec)
		m.log.Printf("baselined %s", mig.Filename)
	}
	rep.State = StateDone
	return rep, nil
}

// lockedSession opens a ledger session and takes the run lock. The returned
// func releases both.
func (m *Migrator) lockedSession(ctx context.Context) (Session, func(), error) {
	sess, err := m.store.Session(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(err, "session")
	}
	lockCtx := ctx
	if m.conf.LockWait && m.conf.LockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, m.conf.LockTimeout)
		defer cancel()
	}
	if err = sess.Lock(lockCtx, m.conf.LockWait); err != nil {
		sess.Close()
		return nil, nil, err
	}
	unlock := func() {
		if err := sess.Unlock(context.WithoutCancel(ctx)); err != nil {
			m.log.Printf("failed to release migration lock: %s", err)
		}
		sess.Close()
	}
	return sess, unlock, nil
}

func (m *Migrator) loadPlan(
	ctx context.Context,
	sess Session,
	migrations []Migration,
) (*plan, error) {
	if err := sess.CreateHistoryIfNotExists(ctx); err != nil {
		return nil, errors.Wrap(err, "create history")
	}
	history, err := sess.History(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "history")
	}
	return newPlan(migrations, history), nil
}

func newRecord(mig Migration, out Outcome) HistoryRecord {
	return HistoryRecord{
		Version:             mig.Version.String(),
		Description:         mig.Description,
		Checksum:            mig.Checksum,
		ExecutionTimeMillis: out.ExecutionTime.Milliseconds(),
		Success:             out.Success,
		StatementsCompleted: out.StatementsCompleted,
		ErrorDetail:         out.Err.String(),
	}
}
