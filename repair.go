package migrate

import (
	"context"

	"github.com/pkg/errors"
)

// RepairReport lists the versions Repair touched. Both are empty when there
// was nothing to repair.
type RepairReport struct {
	ChecksumsUpdated []string
	Unblocked        []string
}

// Empty reports whether the repair changed nothing.
func (r *RepairReport) Empty() bool {
	return len(r.ChecksumsUpdated) == 0 && len(r.Unblocked) == 0
}

// Repair reconciles the ledger with the sources. Successful records whose
// checksum no longer matches the source take the current checksum, and
// failed records are marked repaired so their versions become pending
// again. No migration body runs.
//
// Repair doesn't touch the database objects a failed migration may have
// left behind. Clean those up first.
func (m *Migrator) Repair(ctx context.Context) (*RepairReport, error) {
	rep := &RepairReport{}
	migrations, err := Resolve(m.sources...)
	if err != nil {
		return rep, err
	}

	sess, unlock, err := m.lockedSession(ctx)
	if err != nil {
		return rep, err
	}
	defer unlock()

	p, err := m.loadPlan(ctx, sess, migrations)
	if err != nil {
		return rep, err
	}

	for _, mm := range p.mismatches {
		mig := p.byVersion[mm.Version]
		n, err := sess.UpdateChecksum(ctx, mm.Version, mig.Checksum)
		if err != nil {
			return rep, errors.Wrapf(err, "update checksum %s", mm.Version)
		}
		if n > 0 {
			rep.ChecksumsUpdated = append(rep.ChecksumsUpdated, mm.Version)
			m.log.Printf("updated checksum of %s: %s -> %s", mig.Filename,
				short(mm.Recorded), short(mm.Current))
		}
	}
	for _, rec := range p.failed {
		n, err := sess.MarkPendingAgain(ctx, rec.Version)
		if err != nil {
			return rep, errors.Wrapf(err, "mark %s pending", rec.Version)
		}
		if n > 0 {
			rep.Unblocked = append(rep.Unblocked, rec.Version)
			m.log.Printf("marked %s (%s) pending again", rec.Version,
				rec.Description)
		}
	}
	if len(p.missing) > 0 {
		m.log.Printf("left applied versions missing from sources alone: %v",
			p.missing)
	}
	sortVersions(rep.Unblocked)
	return rep, nil
}
