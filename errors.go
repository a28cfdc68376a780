package migrate

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrInProgress is returned when another run holds the migration lock on the
// same ledger. Retry once that run has finished.
var ErrInProgress = errors.New("migration in progress: another run holds the migration lock")

// ErrLedgerNotEmpty is returned by Baseline when migrations were already
// recorded.
var ErrLedgerNotEmpty = errors.New("cannot baseline: ledger already has applied migrations")

// ConfigError reports a problem with the migration sources: a malformed
// name, a duplicate version or an unreadable file. It is always raised
// before any database work.
type ConfigError struct {
	Source string
	Path   string
	Reason string
}

func (e *ConfigError) Error() string {
	loc := e.Path
	if e.Source != "" {
		loc = e.Source + ":" + e.Path
	}
	if loc == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", loc, e.Reason)
}

// Mismatch is one applied version whose source no longer hashes to the
// recorded checksum.
type Mismatch struct {
	Version  string
	Filename string
	Recorded string
	Current  string
}

// ChecksumMismatchError blocks a run because applied migrations were edited.
type ChecksumMismatchError struct {
	Mismatches []Mismatch
}

func (e *ChecksumMismatchError) Versions() []string {
	vs := make([]string, 0, len(e.Mismatches))
	for _, m := range e.Mismatches {
		vs = append(vs, m.Version)
	}
	return vs
}

func (e *ChecksumMismatchError) Error() string {
	var b strings.Builder
	b.WriteString("checksum mismatch for applied migration(s) ")
	b.WriteString(strings.Join(e.Versions(), ", "))
	b.WriteString(":")
	for _, m := range e.Mismatches {
		fmt.Fprintf(&b, " %s (%s) recorded %s, now %s;", m.Version,
			m.Filename, short(m.Recorded), short(m.Current))
	}
	b.WriteString(" revert the edit, or run repair to accept the current content")
	return b.String()
}

// MissingMigrationError blocks a run because applied versions no longer
// exist in any source.
type MissingMigrationError struct {
	Versions []string
}

func (e *MissingMigrationError) Error() string {
	return fmt.Sprintf("applied migration(s) %s not found in sources: "+
		"restore the file(s) or point to the right directory",
		strings.Join(e.Versions, ", "))
}

// PriorFailureError blocks a run because an earlier run recorded a failure.
type PriorFailureError struct {
	Version     string
	Description string
	Detail      string
}

func (e *PriorFailureError) Error() string {
	msg := fmt.Sprintf("migration %s (%s) failed in a previous run", e.Version,
		e.Description)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg + ". Check the database for partially applied changes and " +
		"clean them up, fix the migration, then run repair before migrating again"
}

// OutOfOrderError reports unapplied migrations whose versions are below the
// highest applied version.
type OutOfOrderError struct {
	Versions []string
	Highest  string
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("migration(s) %s were never applied but are older "+
		"than applied version %s: renumber them above %s, or allow "+
		"out-of-order migrations", strings.Join(e.Versions, ", "),
		e.Highest, e.Highest)
}

// ExecutionError reports that a migration failed while running. The failure
// has been recorded in the ledger.
type ExecutionError struct {
	Version     string
	Description string
	Outcome     Outcome
}

// Timeout reports whether the migration was aborted by its deadline.
func (e *ExecutionError) Timeout() bool {
	return e.Outcome.Kind == FailureTimeout
}

func (e *ExecutionError) Error() string {
	var what string
	switch e.Outcome.Kind {
	case FailureTimeout:
		what = "timed out"
	case FailureCanceled:
		what = "was canceled"
	default:
		what = "failed"
	}
	msg := fmt.Sprintf("migration %s (%s) %s after %d of %d statement(s)",
		e.Version, e.Description, what, e.Outcome.StatementsCompleted,
		e.Outcome.StatementsTotal)
	if e.Outcome.Err != nil {
		msg += ": " + e.Outcome.Err.String()
	}
	if e.Outcome.StatementsCompleted > 0 {
		msg += ". Earlier statements were committed and were not rolled back; " +
			"clean them up by hand"
	}
	return msg + ". Fix the migration, then run repair and migrate again"
}

func short(checksum string) string {
	if len(checksum) > 12 {
		return checksum[:12]
	}
	return checksum
}
