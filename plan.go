package migrate

import "sort"

// OutOfOrderPolicy decides what happens to an unapplied migration whose
// version is below the highest applied version.
type OutOfOrderPolicy int

const (
	// OutOfOrderReject fails validation.
	OutOfOrderReject OutOfOrderPolicy = iota
	// OutOfOrderAllow applies such migrations in the next run.
	OutOfOrderAllow
)

func (p OutOfOrderPolicy) String() string {
	switch p {
	case OutOfOrderReject:
		return "reject"
	case OutOfOrderAllow:
		return "allow"
	default:
		return "unknown"
	}
}

// ParseOutOfOrderPolicy accepts "reject" or "allow". Empty means reject.
func ParseOutOfOrderPolicy(s string) (OutOfOrderPolicy, bool) {
	switch s {
	case "", "reject":
		return OutOfOrderReject, true
	case "allow":
		return OutOfOrderAllow, true
	default:
		return OutOfOrderReject, false
	}
}

// plan is the outcome of comparing the sources against the ledger.
type plan struct {
	// latest holds the newest unrepaired record per version.
	latest map[string]HistoryRecord

	// byVersion indexes the resolved migrations.
	byVersion map[string]Migration

	highest    Version
	pending    []Migration
	outOfOrder []Migration
	mismatches []Mismatch
	missing    []string
	failed     []HistoryRecord
}

// newPlan compares migrations against history without judging the result.
// Use check to turn the findings into an error.
func newPlan(migrations []Migration, history []HistoryRecord) *plan {
	p := &plan{
		latest:    map[string]HistoryRecord{},
		byVersion: make(map[string]Migration, len(migrations)),
	}
	for _, m := range migrations {
		p.byVersion[m.Version.String()] = m
	}

	// History is ordered by rank, so later rows overwrite earlier ones
	for _, rec := range history {
		if rec.Repaired() {
			continue
		}
		p.latest[rec.Version] = rec
	}

	var applied []string
	for version := range p.latest {
		applied = append(applied, version)
	}
	sort.Strings(applied)
	for _, version := range applied {
		rec := p.latest[version]
		m, ok := p.byVersion[version]
		if !rec.Success {
			p.failed = append(p.failed, rec)
			continue
		}
		if !ok {
			p.missing = append(p.missing, version)
			continue
		}
		if !VerifyChecksum(m, rec.Checksum) {
			p.mismatches = append(p.mismatches, Mismatch{
				Version:  version,
				Filename: m.Filename,
				Recorded: rec.Checksum,
				Current:  m.Checksum,
			})
		}
		if p.highest.IsZero() || p.highest.Less(m.Version) {
			p.highest = m.Version
		}
	}
	sortVersions(p.missing)
	sort.Slice(p.mismatches, func(i, j int) bool {
		return MustParseVersion(p.mismatches[i].Version).Less(
			MustParseVersion(p.mismatches[j].Version))
	})
	sort.Slice(p.failed, func(i, j int) bool {
		return p.failed[i].InstalledRank < p.failed[j].InstalledRank
	})

	for _, m := range migrations {
		if rec, ok := p.latest[m.Version.String()]; ok && rec.Success {
			continue
		}
		if !p.highest.IsZero() && m.Version.Less(p.highest) {
			p.outOfOrder = append(p.outOfOrder, m)
			continue
		}
		p.pending = append(p.pending, m)
	}
	return p
}

// check applies the validation gates in order. The first failing gate wins.
// With OutOfOrderAllow, out-of-order migrations are merged into pending.
func (p *plan) check(policy OutOfOrderPolicy) (State, error) {
	if len(p.mismatches) > 0 {
		return StateHaltedOnMismatch,
			&ChecksumMismatchError{Mismatches: p.mismatches}
	}
	if len(p.missing) > 0 {
		return StateHaltedOnAnomaly,
			&MissingMigrationError{Versions: p.missing}
	}
	if len(p.failed) > 0 {
		rec := p.failed[0]
		return StateHaltedOnPriorFailure, &PriorFailureError{
			Version:     rec.Version,
			Description: rec.Description,
			Detail:      rec.ErrorDetail,
		}
	}
	if len(p.outOfOrder) > 0 {
		if policy != OutOfOrderAllow {
			versions := make([]string, 0, len(p.outOfOrder))
			for _, m := range p.outOfOrder {
				versions = append(versions, m.Version.String())
			}
			return StateHaltedOnAnomaly, &OutOfOrderError{
				Versions: versions,
				Highest:  p.highest.String(),
			}
		}
		p.pending = append(p.outOfOrder, p.pending...)
		p.outOfOrder = nil
	}
	return StateValidating, nil
}

// sortVersions sorts version strings numerically. Ledger versions are always
// written in canonical form, but a hand-edited row may not parse; those sort
// lexically after the rest.
func sortVersions(vs []string) {
	sort.Slice(vs, func(i, j int) bool {
		a, aerr := ParseVersion(vs[i])
		b, berr := ParseVersion(vs[j])
		switch {
		case aerr != nil && berr != nil:
			return vs[i] < vs[j]
		case aerr != nil:
			return false
		case berr != nil:
			return true
		}
		return a.Less(b)
	})
}
