package asyncsockets

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSocket struct {
	handle      int
	reads       int
	writes      int
	exceptional int
	deadline    time.Time
	hasDeadline bool
	closed      bool
}

func (f *fakeSocket) fd() int                    { return f.handle }
func (f *fakeSocket) onReadyForReading()         { f.reads++ }
func (f *fakeSocket) onReadyForWriting()         { f.writes++ }
func (f *fakeSocket) onExceptionalCondition()    { f.exceptional++ }
func (f *fakeSocket) expireDeadline() (time.Time, bool) { return f.deadline, f.hasDeadline }
func (f *fakeSocket) closeWithReason(reason ClosedReason, trigger bool) bool {
	if f.closed {
		return false
	}
	f.closed = true
	return true
}

func TestPool_AddRemoveIdempotency(t *testing.T) {
	p, err := NewAsyncSocketsPool(nil)
	require.NoError(t, err)

	s := &fakeSocket{handle: 42}
	assert.True(t, p.add(s))
	assert.False(t, p.add(s), "re-adding an already-registered handle must fail")

	assert.True(t, p.remove(s))
	assert.False(t, p.remove(s), "removing an already-absent handle must fail")
}

func TestPool_InterestSetGuards(t *testing.T) {
	p, err := NewAsyncSocketsPool(nil)
	require.NoError(t, err)

	s := &fakeSocket{handle: 7}
	assert.False(t, p.setReadInterest(s, true), "arming interest for an unregistered socket must fail")

	require.True(t, p.add(s))
	assert.True(t, p.setReadInterest(s, true))
	assert.False(t, p.setReadInterest(s, true), "arming an already-armed direction must fail")
	assert.True(t, p.setReadInterest(s, false))
	assert.False(t, p.setReadInterest(s, false), "disarming an already-disarmed direction must fail")

	require.True(t, p.remove(s))
	read, write := p.snapshotInterest()
	assert.Empty(t, read)
	assert.Empty(t, write)
}

func TestPool_RemoveEvictsAllInterestSets(t *testing.T) {
	p, err := NewAsyncSocketsPool(nil)
	require.NoError(t, err)

	s := &fakeSocket{handle: 9}
	require.True(t, p.add(s))
	require.True(t, p.setReadInterest(s, true))
	require.True(t, p.setWriteInterest(s, true))

	stats := p.Stats()
	assert.Equal(t, 1, stats.Registered)
	assert.Equal(t, 1, stats.ReadArmed)
	assert.Equal(t, 1, stats.WriteArmed)

	require.True(t, p.remove(s))
	stats = p.Stats()
	assert.Equal(t, PoolStats{}, stats)
}

func TestPool_ClaimPreventsConcurrentDispatch(t *testing.T) {
	p, err := NewAsyncSocketsPool(nil)
	require.NoError(t, err)

	s := &fakeSocket{handle: 3}
	require.True(t, p.add(s))

	got, ok := p.claim(3)
	require.True(t, ok)
	assert.Same(t, asyncSocket(s), got)

	_, ok = p.claim(3)
	assert.False(t, ok, "a handle already in the handling set cannot be claimed twice")

	p.release(3)
	_, ok = p.claim(3)
	assert.True(t, ok, "releasing must allow the handle to be claimed again")
}

func TestPool_MaybeSweepClosesExpiredSockets(t *testing.T) {
	p, err := NewAsyncSocketsPool(nil)
	require.NoError(t, err)

	expired := &fakeSocket{handle: 1, deadline: time.Now().Add(-time.Second), hasDeadline: true}
	fresh := &fakeSocket{handle: 2, deadline: time.Now().Add(time.Hour), hasDeadline: true}
	require.True(t, p.add(expired))
	require.True(t, p.add(fresh))

	// Force the sweep to run regardless of the real CheckInterval cadence.
	p.lastSweep.Store(time.Now().Add(-2 * CheckInterval))
	p.maybeSweep()

	assert.True(t, expired.closed)
	assert.False(t, fresh.closed)
}
