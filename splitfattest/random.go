package splitfattest

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// RandomBytes returns n cryptographically random bytes, for content that
// must be distinguishable cluster-to-cluster in chain and CRC tests.
func RandomBytes(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	require.NoError(t, err, "failed to generate random test content")
	return buf
}

// RepeatingPattern returns a buffer of size n filled with an incrementing
// byte pattern, useful when a test wants content that's easy to eyeball in
// a failure message but still varies byte-to-byte.
func RepeatingPattern(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i)
	}
	return buf
}
