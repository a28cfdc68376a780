package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Execer runs a single statement. *sql.Conn, *sql.DB and their sqlx
// counterparts all satisfy it.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// FailureKind classifies an unsuccessful Outcome.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureStatement
	FailureTimeout
	FailureCanceled
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureStatement:
		return "statement"
	case FailureTimeout:
		return "timeout"
	case FailureCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// ErrorDetail describes the statement that failed and what the database
// said about it. Fields the driver can't provide are left empty.
type ErrorDetail struct {
	// Statement is the 1-based index of the failing statement.
	Statement int
	Code      string
	Message   string
	Position  string
	SQL       string
}

func (d *ErrorDetail) String() string {
	if d == nil {
		return ""
	}
	var parts []string
	if d.Statement > 0 {
		parts = append(parts, fmt.Sprintf("statement %d", d.Statement))
	}
	if d.Code != "" {
		parts = append(parts, "code "+d.Code)
	}
	if d.Position != "" {
		parts = append(parts, "position "+d.Position)
	}
	msg := d.Message
	if len(parts) > 0 {
		msg = "(" + strings.Join(parts, ", ") + ") " + msg
	}
	if d.SQL != "" {
		msg += ": " + abbreviate(d.SQL, 120)
	}
	return msg
}

// Outcome is the result of applying one migration. Either Success is true,
// or Kind says why it stopped and StatementsCompleted says how far it got.
// Statements that completed stay committed.
type Outcome struct {
	Success             bool
	Kind                FailureKind
	StatementsCompleted int
	StatementsTotal     int
	ExecutionTime       time.Duration
	Err                 *ErrorDetail
}

// Executor applies migration bodies statement by statement. It never opens a
// transaction: DDL commits implicitly on several databases, so a rollback
// can't be relied upon. It never writes to the ledger either.
type Executor struct {
	conn     Execer
	dialect  Dialect
	describe func(error) *ErrorDetail
}

// NewExecutor returns an Executor running statements on conn, split by the
// rules of dialect. describe turns driver errors into an ErrorDetail and may
// be nil.
func NewExecutor(
	conn Execer,
	dialect Dialect,
	describe func(error) *ErrorDetail,
) *Executor {
	return &Executor{conn: conn, dialect: dialect, describe: describe}
}

// Apply runs every statement of m in order and stops at the first error. A
// zero deadline means none. When the deadline passes, the in-flight
// statement is canceled through its context and the outcome is a timeout.
func (e *Executor) Apply(ctx context.Context, m Migration, deadline time.Time) Outcome {
	start := time.Now()
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	stmts := SplitStatements(string(m.Body), e.dialect)
	out := Outcome{StatementsTotal: len(stmts)}
	for i, stmt := range stmts {
		if err := ctx.Err(); err != nil {
			out.Kind = failureKind(ctx, err)
			out.Err = &ErrorDetail{
				Statement: i + 1,
				Message:   errors.Wrap(err, "not started").Error(),
				SQL:       stmt,
			}
			out.ExecutionTime = time.Since(start)
			return out
		}
		if _, err := e.conn.ExecContext(ctx, stmt); err != nil {
			out.Kind = failureKind(ctx, err)
			out.Err = e.detail(err)
			out.Err.Statement = i + 1
			out.Err.SQL = stmt
			out.ExecutionTime = time.Since(start)
			return out
		}
		out.StatementsCompleted++
	}
	out.Success = true
	out.ExecutionTime = time.Since(start)
	return out
}

func (e *Executor) detail(err error) *ErrorDetail {
	if e.describe != nil {
		if d := e.describe(err); d != nil {
			return d
		}
	}
	return &ErrorDetail{Message: err.Error()}
}

func failureKind(ctx context.Context, err error) FailureKind {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded),
		errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case errors.Is(ctx.Err(), context.Canceled),
		errors.Is(err, context.Canceled):
		return FailureCanceled
	default:
		return FailureStatement
	}
}

func abbreviate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
