package migrate

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Checksum returns the hex BLAKE2b-256 digest of a migration body. Every byte
// counts, including whitespace and line endings.
func Checksum(body []byte) string {
	sum := blake2b.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// VerifyChecksum reports whether m still hashes to the recorded checksum.
func VerifyChecksum(m Migration, recorded string) bool {
	return Checksum(m.Body) == recorded
}
