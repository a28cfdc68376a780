package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChecksum(t *testing.T) {
	a := Checksum([]byte("CREATE TABLE t (id INT);"))
	assert.Len(t, a, 64)
	assert.Equal(t, a, Checksum([]byte("CREATE TABLE t (id INT);")))

	// Whitespace and line endings count
	assert.NotEqual(t, a, Checksum([]byte("CREATE TABLE t (id INT); ")))
	assert.NotEqual(t, Checksum([]byte("a\n")), Checksum([]byte("a\r\n")))

	m := Migration{Body: []byte("SELECT 1;")}
	assert.True(t, VerifyChecksum(m, Checksum(m.Body)))
	assert.False(t, VerifyChecksum(m, a))
}
