package migrate

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// InfoState is the status of one entry in Info.
type InfoState string

const (
	InfoPending    InfoState = "pending"
	InfoSuccess    InfoState = "success"
	InfoFailed     InfoState = "failed"
	InfoRepaired   InfoState = "repaired"
	InfoMissing    InfoState = "missing"
	InfoOutOfOrder InfoState = "out of order"
	InfoMismatch   InfoState = "mismatch"
)

// InfoEntry is one row of Info: a ledger record, a pending migration, or
// both.
type InfoEntry struct {
	Version     string    `json:"version"`
	Description string    `json:"description"`
	Filename    string    `json:"filename,omitempty"`
	State       InfoState `json:"state"`

	// Zero for migrations that were never attempted
	InstalledRank       int64      `json:"installed_rank,omitempty"`
	ExecutedAt          *time.Time `json:"executed_at,omitempty"`
	ExecutionTimeMillis int64      `json:"execution_time_millis,omitempty"`

	Checksum         string `json:"checksum,omitempty"`
	RecordedChecksum string `json:"recorded_checksum,omitempty"`
	ErrorDetail      string `json:"error_detail,omitempty"`
}

// Info returns every ledger record in rank order, followed by migrations
// that were never applied in version order. It takes no lock and applies
// nothing.
func (m *Migrator) Info(ctx context.Context) ([]InfoEntry, error) {
	migrations, err := Resolve(m.sources...)
	if err != nil {
		return nil, err
	}
	sess, err := m.store.Session(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "session")
	}
	defer sess.Close()

	if err = sess.CreateHistoryIfNotExists(ctx); err != nil {
		return nil, errors.Wrap(err, "create history")
	}
	history, err := sess.History(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "history")
	}
	p := newPlan(migrations, history)

	entries := make([]InfoEntry, 0, len(history)+len(p.pending)+
		len(p.outOfOrder))
	for _, rec := range history {
		executedAt := rec.ExecutedAt
		e := InfoEntry{
			Version:             rec.Version,
			Description:         rec.Description,
			InstalledRank:       rec.InstalledRank,
			ExecutedAt:          &executedAt,
			ExecutionTimeMillis: rec.ExecutionTimeMillis,
			RecordedChecksum:    rec.Checksum,
			ErrorDetail:         rec.ErrorDetail,
		}
		mig, ok := p.byVersion[rec.Version]
		if ok {
			e.Filename = mig.Filename
			e.Checksum = mig.Checksum
		}
		switch {
		case rec.Repaired():
			e.State = InfoRepaired
		case !rec.Success:
			e.State = InfoFailed
		case !ok:
			e.State = InfoMissing
		case !VerifyChecksum(mig, rec.Checksum):
			e.State = InfoMismatch
		default:
			e.State = InfoSuccess
		}
		entries = append(entries, e)
	}

	// A version whose latest record failed is listed above as failed, not
	// again as pending
	unapplied := func(mig Migration, state InfoState) {
		if rec, ok := p.latest[mig.Version.String()]; ok && !rec.Success {
			return
		}
		entries = append(entries, InfoEntry{
			Version:     mig.Version.String(),
			Description: mig.Description,
			Filename:    mig.Filename,
			State:       state,
			Checksum:    mig.Checksum,
		})
	}
	for _, mig := range p.outOfOrder {
		unapplied(mig, InfoOutOfOrder)
	}
	for _, mig := range p.pending {
		unapplied(mig, InfoPending)
	}
	return entries, nil
}
