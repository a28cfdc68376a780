package migrate

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Version identifies a migration. Versions compare numerically component by
// component, so 1.10 orders after 1.9 and 10 orders after 9. Missing trailing
// components count as zero.
type Version struct {
	parts []uint64
	raw   string
}

// ParseVersion parses a version token such as "3", "1.2" or "2024_01_15".
// Dots and underscores both delimit components.
func ParseVersion(s string) (Version, error) {
	if s == "" {
		return Version{}, errors.New("empty version")
	}
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == '.' || r == '_'
	})
	if len(fields) == 0 {
		return Version{}, errors.Errorf("invalid version %q", s)
	}
	// FieldsFunc swallows empty components, which would let "1..2" through
	if strings.Count(s, ".")+strings.Count(s, "_") != len(fields)-1 {
		return Version{}, errors.Errorf("invalid version %q: empty component", s)
	}
	parts := make([]uint64, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return Version{}, errors.Wrapf(err, "parse version %q", s)
		}
		parts = append(parts, n)
	}
	return Version{parts: parts, raw: s}, nil
}

// MustParseVersion is like ParseVersion but panics on error. It's intended
// for tests and hardcoded versions.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String returns the canonical dotted form with trailing zero components
// trimmed, so versions that compare equal print the same. This is what the
// ledger stores.
func (v Version) String() string {
	n := len(v.parts)
	for n > 1 && v.parts[n-1] == 0 {
		n--
	}
	strs := make([]string, n)
	for i, p := range v.parts[:n] {
		strs[i] = strconv.FormatUint(p, 10)
	}
	return strings.Join(strs, ".")
}

// Raw returns the version exactly as written in the filename.
func (v Version) Raw() string { return v.raw }

// IsZero reports whether v was never parsed.
func (v Version) IsZero() bool { return len(v.parts) == 0 }

// Compare returns -1, 0 or 1.
func (v Version) Compare(o Version) int {
	n := len(v.parts)
	if len(o.parts) > n {
		n = len(o.parts)
	}
	for i := 0; i < n; i++ {
		var a, b uint64
		if i < len(v.parts) {
			a = v.parts[i]
		}
		if i < len(o.parts) {
			b = o.parts[i]
		}
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
	}
	return 0
}

func (v Version) Less(o Version) bool  { return v.Compare(o) < 0 }
func (v Version) Equal(o Version) bool { return v.Compare(o) == 0 }
