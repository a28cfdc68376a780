package migrate

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Pledge restricts the process to promises, e.g. "stdio rpath inet dns".
func Pledge(promises string) error {
	if err := unix.Pledge(promises, ""); err != nil {
		return errors.Wrapf(err, "pledge %q", promises)
	}
	return nil
}

// Unveil limits the filesystem to the migration sources, certificates and
// config files in read, plus read-write paths such as a sqlite database and
// its journal directory. Nothing else is visible afterward.
func Unveil(read, readWrite []string) error {
	for _, p := range read {
		if err := unix.Unveil(p, "r"); err != nil {
			return errors.Wrapf(err, "unveil %s", p)
		}
	}
	for _, p := range readWrite {
		if err := unix.Unveil(p, "rwc"); err != nil {
			return errors.Wrapf(err, "unveil %s", p)
		}
	}
	if err := unix.UnveilBlock(); err != nil {
		return errors.Wrap(err, "unveil block")
	}
	return nil
}
