package migrate

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func applied(rank int64, m Migration) HistoryRecord {
	return HistoryRecord{
		InstalledRank: rank,
		Version:       m.Version.String(),
		Description:   m.Description,
		Checksum:      m.Checksum,
		Success:       true,
	}
}

func failed(rank int64, m Migration) HistoryRecord {
	rec := applied(rank, m)
	rec.Success = false
	rec.ErrorDetail = "(statement 1) boom"
	return rec
}

func versions(ms []Migration) []string {
	var vs []string
	for _, m := range ms {
		vs = append(vs, m.Version.String())
	}
	return vs
}

func TestPlanPending(t *testing.T) {
	v1, v2, v10 := newMigration("1", "SELECT 1;"), newMigration("2", "SELECT 2;"),
		newMigration("10", "SELECT 10;")
	p := newPlan([]Migration{v1, v2, v10}, []HistoryRecord{applied(1, v1)})
	state, err := p.check(OutOfOrderReject)
	require.NoError(t, err)
	assert.Equal(t, StateValidating, state)
	assert.Equal(t, []string{"2", "10"}, versions(p.pending))
	assert.Equal(t, "1", p.highest.String())
}

func TestPlanChecksumMismatch(t *testing.T) {
	v1, v2 := newMigration("1", "SELECT 1;"), newMigration("2", "SELECT 2;")
	r1, r2 := applied(1, v1), applied(2, v2)
	r1.Checksum, r2.Checksum = "stale1", "stale2"
	p := newPlan([]Migration{v1, v2}, []HistoryRecord{r1, r2})

	state, err := p.check(OutOfOrderReject)
	assert.Equal(t, StateHaltedOnMismatch, state)
	var merr *ChecksumMismatchError
	require.True(t, errors.As(err, &merr))
	assert.Equal(t, []string{"1", "2"}, merr.Versions())
	assert.Contains(t, err.Error(), "repair")
}

func TestPlanMismatchBeatsPriorFailure(t *testing.T) {
	v1, v2 := newMigration("1", "SELECT 1;"), newMigration("2", "SELECT 2;")
	r1 := applied(1, v1)
	r1.Checksum = "stale"
	p := newPlan([]Migration{v1, v2}, []HistoryRecord{r1, failed(2, v2)})
	state, err := p.check(OutOfOrderReject)
	assert.Equal(t, StateHaltedOnMismatch, state)
	assert.IsType(t, &ChecksumMismatchError{}, err)
}

func TestPlanMissing(t *testing.T) {
	v1, v2 := newMigration("1", "SELECT 1;"), newMigration("2", "SELECT 2;")
	p := newPlan([]Migration{v2}, []HistoryRecord{applied(1, v1), applied(2, v2)})
	state, err := p.check(OutOfOrderReject)
	assert.Equal(t, StateHaltedOnAnomaly, state)
	var merr *MissingMigrationError
	require.True(t, errors.As(err, &merr))
	assert.Equal(t, []string{"1"}, merr.Versions)
}

func TestPlanPriorFailure(t *testing.T) {
	v1, v2, v3 := newMigration("1", "SELECT 1;"), newMigration("2", "SELECT 2;"),
		newMigration("3", "SELECT 3;")
	p := newPlan([]Migration{v1, v2, v3},
		[]HistoryRecord{applied(1, v1), failed(2, v2)})
	state, err := p.check(OutOfOrderReject)
	assert.Equal(t, StateHaltedOnPriorFailure, state)
	var perr *PriorFailureError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "2", perr.Version)
	assert.Contains(t, err.Error(), "boom")
	assert.Contains(t, err.Error(), "repair")
}

func TestPlanRepairedFailureIsPending(t *testing.T) {
	v1, v2 := newMigration("1", "SELECT 1;"), newMigration("2", "SELECT 2;")
	r2 := failed(2, v2)
	now := time.Now()
	r2.RepairedAt = &now
	p := newPlan([]Migration{v1, v2}, []HistoryRecord{applied(1, v1), r2})
	_, err := p.check(OutOfOrderReject)
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, versions(p.pending))
}

func TestPlanOutOfOrder(t *testing.T) {
	v1, v2, v3 := newMigration("1", "SELECT 1;"), newMigration("2", "SELECT 2;"),
		newMigration("3", "SELECT 3;")
	history := []HistoryRecord{applied(1, v1), applied(2, v3)}

	p := newPlan([]Migration{v1, v2, v3}, history)
	state, err := p.check(OutOfOrderReject)
	assert.Equal(t, StateHaltedOnAnomaly, state)
	var oerr *OutOfOrderError
	require.True(t, errors.As(err, &oerr))
	assert.Equal(t, []string{"2"}, oerr.Versions)
	assert.Equal(t, "3", oerr.Highest)

	p = newPlan([]Migration{v1, v2, v3, newMigration("4", "SELECT 4;")}, history)
	_, err = p.check(OutOfOrderAllow)
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "4"}, versions(p.pending))
}

func TestPlanEmptyLedger(t *testing.T) {
	p := newPlan([]Migration{newMigration("1", "SELECT 1;")}, nil)
	_, err := p.check(OutOfOrderReject)
	require.NoError(t, err)
	assert.Len(t, p.pending, 1)
	assert.True(t, p.highest.IsZero())
}

func TestParseOutOfOrderPolicy(t *testing.T) {
	p, ok := ParseOutOfOrderPolicy("")
	assert.True(t, ok)
	assert.Equal(t, OutOfOrderReject, p)
	p, ok = ParseOutOfOrderPolicy("allow")
	assert.True(t, ok)
	assert.Equal(t, OutOfOrderAllow, p)
	_, ok = ParseOutOfOrderPolicy("sometimes")
	assert.False(t, ok)
}
