package asyncsockets

// BufferSlot is a single fixed-size byte region loaned to one socket at a
// time by a BufferSlotPool. When keepAlloc is false the underlying buffer is
// freed whenever the slot is marked available, and lazily re-allocated on
// the next call to Bytes — a footprint optimization for large, sparsely-used
// server pools.
//
// BufferSlot itself carries no lock; callers (BufferSlotPool) serialize
// access to it.
type BufferSlot struct {
	size      int
	keepAlloc bool
	available bool
	buffer    []byte
}

func newBufferSlot(size int, keepAlloc bool) *BufferSlot {
	s := &BufferSlot{
		size:      size,
		keepAlloc: keepAlloc,
		available: true,
	}
	if keepAlloc {
		s.buffer = make([]byte, size)
	}
	return s
}

// Size returns the slot's fixed capacity.
func (s *BufferSlot) Size() int {
	return s.size
}

// Available reports whether the slot is currently free for acquisition.
// Callers should prefer BufferSlotPool.Acquire for thread-safe acquisition;
// this accessor is for diagnostics.
func (s *BufferSlot) Available() bool {
	return s.available
}

// Bytes returns the slot's backing buffer, materializing it first if it was
// lazily freed, and marks the slot unavailable. Callers holding the pool
// mutex are expected to call this only once per acquisition.
func (s *BufferSlot) Bytes() []byte {
	s.available = false
	if s.buffer == nil {
		s.buffer = make([]byte, s.size)
	}
	return s.buffer
}

// release marks the slot available again, dropping the backing buffer when
// keepAlloc is false.
func (s *BufferSlot) release() {
	s.available = true
	if !s.keepAlloc {
		s.buffer = nil
	}
}
