package asyncsockets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferSlotPool_RejectsInvalidConstruction(t *testing.T) {
	_, err := NewBufferSlotPool(0, 4096, false)
	assert.Error(t, err)

	_, err = NewBufferSlotPool(4, 10, false)
	assert.Error(t, err, "slot size below MinBufferSlotSize must be rejected")
}

func TestBufferSlotPool_FirstFitAcquireRelease(t *testing.T) {
	p, err := NewBufferSlotPool(2, MinBufferSlotSize, false)
	require.NoError(t, err)

	a := p.Acquire()
	require.NotNil(t, a)
	b := p.Acquire()
	require.NotNil(t, b)

	assert.Nil(t, p.Acquire(), "pool of 2 must be exhausted after 2 acquisitions")

	p.Release(a)
	assert.Equal(t, BufferSlotPoolStats{Total: 2, Available: 1}, p.Stats())

	c := p.Acquire()
	assert.NotNil(t, c)
}
