//go:build !openbsd

package migrate

// Pledge is only supported on OpenBSD.
func Pledge(promises string) error { return nil }

// Unveil is only supported on OpenBSD.
func Unveil(read, readWrite []string) error { return nil }
