package asyncsockets

import (
	"sync"

	"github.com/pkg/errors"
)

// MinBufferSlotSize is the minimum size, in bytes, of a single buffer slot.
const MinBufferSlotSize = 256

// BufferSlotPool is a fixed-size pool of BufferSlot instances. Acquisition
// scans the pool in order and returns the first available slot, flipping it
// unavailable under the pool mutex.
type BufferSlotPool struct {
	mu    sync.Mutex
	slots []*BufferSlot
	size  int
}

// NewBufferSlotPool builds a pool of count slots, each of the given size.
// keepAlloc controls whether slots keep their backing buffer allocated
// between uses (true) or lazily free/reallocate it (false).
func NewBufferSlotPool(count, size int, keepAlloc bool) (*BufferSlotPool, error) {
	if count <= 0 {
		return nil, errors.Errorf("asyncsockets: buffer slot pool count must be positive, got %d", count)
	}
	if size < MinBufferSlotSize {
		return nil, errors.Errorf("asyncsockets: buffer slot size must be >= %d, got %d", MinBufferSlotSize, size)
	}
	p := &BufferSlotPool{
		slots: make([]*BufferSlot, count),
		size:  size,
	}
	for i := range p.slots {
		p.slots[i] = newBufferSlot(size, keepAlloc)
	}
	return p, nil
}

// Acquire returns the first available slot, or nil if the pool is
// exhausted.
func (p *BufferSlotPool) Acquire() *BufferSlot {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if s.available {
			s.available = false
			return s
		}
	}
	return nil
}

// Release returns a previously acquired slot to the pool.
func (p *BufferSlotPool) Release(s *BufferSlot) {
	if s == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s.release()
}

// SlotSize returns the fixed size of every slot in the pool.
func (p *BufferSlotPool) SlotSize() int {
	return p.size
}

// BufferSlotPoolStats is a point-in-time snapshot of pool occupancy.
type BufferSlotPoolStats struct {
	Total     int
	Available int
}

// Stats reports how many slots are currently available, for observability
// and for testing the buffer-pool-exhaustion scenario.
func (p *BufferSlotPool) Stats() BufferSlotPoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := BufferSlotPoolStats{Total: len(p.slots)}
	for _, s := range p.slots {
		if s.available {
			st.Available++
		}
	}
	return st
}
