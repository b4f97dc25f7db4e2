package asyncsockets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferSlot_LazyMaterialization(t *testing.T) {
	s := newBufferSlot(512, false)
	assert.True(t, s.Available())
	assert.Nil(t, s.buffer, "keepAlloc=false must not allocate eagerly")

	buf := s.Bytes()
	require.Len(t, buf, 512)
	assert.False(t, s.Available())

	s.release()
	assert.True(t, s.Available())
	assert.Nil(t, s.buffer, "release must free the buffer when keepAlloc=false")
}

func TestBufferSlot_KeepAlloc(t *testing.T) {
	s := newBufferSlot(512, true)
	require.NotNil(t, s.buffer, "keepAlloc=true must allocate eagerly")

	s.Bytes()
	s.release()
	assert.True(t, s.Available())
	assert.NotNil(t, s.buffer, "release must keep the buffer when keepAlloc=true")
}
