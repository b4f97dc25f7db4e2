package asyncsockets

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// asyncSocket is the small capability set the pool dispatches through. It
// lets AsyncSocketsPool hold a heterogeneous registry of server/client/UDP
// sockets behind one interface instead of a tagged union.
type asyncSocket interface {
	fd() int
	onReadyForReading()
	onReadyForWriting()
	onExceptionalCondition()
	expireDeadline() (time.Time, bool)
	closeWithReason(reason ClosedReason, triggerOnClosed bool) bool
}

// socketBase holds the lifecycle state shared by every AsyncSocket kind:
// the owning pool, the OS handle, an optional receive BufferSlot, an
// expire deadline, and idempotent-close bookkeeping. Concrete socket types
// (AsyncTCPServer, AsyncTCPClient, AsyncUDPDatagram) embed this and supply
// their own typed hook fields plus the direction-specific on-ready methods
// asyncSocket requires.
type socketBase struct {
	pool   *AsyncSocketsPool
	handle int
	slot   *boundSlot
	log    *zap.Logger

	mu        sync.Mutex
	expireAt  time.Time
	hasExpire bool

	closeOnce sync.Once
	closed    bool

	// fireClosed invokes the concrete type's typed OnClosed hook, if any.
	// Set by the concrete constructor once self is known.
	fireClosed func(reason ClosedReason)

	// teardown runs kind-specific cleanup (e.g. draining a send queue)
	// before the OS handle is closed. Optional.
	teardown func()
}

func (b *socketBase) fd() int {
	return b.handle
}

// SetExpireTimeout arms a deadline seconds from now. Non-positive seconds
// clears any existing deadline instead.
func (b *socketBase) SetExpireTimeout(seconds float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if seconds > 0 {
		b.expireAt = time.Now().Add(time.Duration(seconds * float64(time.Second)))
		b.hasExpire = true
	} else {
		b.hasExpire = false
	}
}

// ClearExpireTimeout unsets any armed deadline.
func (b *socketBase) ClearExpireTimeout() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hasExpire = false
}

func (b *socketBase) expireDeadline() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.expireAt, b.hasExpire
}

// closeWithReason is the sole teardown path. It is idempotent:
// the first call de-registers from the pool, closes the OS handle, releases
// the buffer slot, and — if triggerOnClosed and a hook is set — fires it
// exactly once. Subsequent calls are no-ops returning false.
func (b *socketBase) closeWithReason(reason ClosedReason, triggerOnClosed bool) bool {
	fired := false
	b.closeOnce.Do(func() {
		fired = true
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		if b.pool != nil {
			b.pool.remove(b)
		}
		if b.teardown != nil {
			b.teardown()
		}
		closeFD(b.handle)
		if b.slot != nil {
			if b.slot.pool != nil {
				b.slot.pool.Release(b.slot.slot)
			} else {
				b.slot.slot.release()
			}
		}
		if triggerOnClosed && b.fireClosed != nil {
			b.fireClosed(reason)
		}
	})
	return fired
}

func (b *socketBase) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// boundSlot pairs a BufferSlot with the pool it was acquired from, so
// socketBase can release it without every concrete type tracking its own
// pool reference.
type boundSlot struct {
	slot *BufferSlot
	pool *BufferSlotPool
}
