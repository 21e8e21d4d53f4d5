package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemory() })
}

func TestTruncateBody(t *testing.T) {
	long := make([]byte, ResponseBodyLimit+50)
	for i := range long {
		long[i] = 'a'
	}
	assert.Len(t, TruncateBody(long), ResponseBodyLimit)
	assert.Equal(t, "ok", TruncateBody([]byte("ok")))
	assert.Equal(t, "ab", TruncateBody([]byte("a\x00b")))
	assert.Equal(t, "x", TruncateBody([]byte{'x', 0xff, 0xfe}))
}

func TestPageSize(t *testing.T) {
	assert.Equal(t, defaultPageSize, pageSize(0))
	assert.Equal(t, defaultPageSize, pageSize(maxPageSize+1))
	assert.Equal(t, 25, pageSize(25))
}
