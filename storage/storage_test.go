package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentHash(t *testing.T) {
	body := []byte("Subject: hello\r\n\r\nbody\r\n")

	hash := ContentHash(body)
	assert.Len(t, hash, 64, "BLAKE3-256 hex digest")
	assert.Equal(t, hash, ContentHash(body), "hashing is deterministic")
	assert.NotEqual(t, hash, ContentHash([]byte("Subject: other\r\n\r\nbody\r\n")))
}

func TestContentHashEmptyBody(t *testing.T) {
	hash := ContentHash(nil)
	require.Len(t, hash, 64)
	assert.Equal(t, hash, ContentHash([]byte{}))
}

func TestIsNotFound(t *testing.T) {
	assert.False(t, isNotFound(nil))
	assert.False(t, isNotFound(assert.AnError), "plain errors are not S3 not-found")
}
