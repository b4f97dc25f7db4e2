package asyncsockets

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// fdHolder is the minimal shape both socketBase and the full asyncSocket
// interface satisfy; remove only needs the handle to evict registry
// entries, not the dispatch methods.
type fdHolder interface {
	fd() int
}

// AsyncSocketsPool is the reactor core: a registry of live sockets, the
// read/write/handling interest sets, and the readiness loop that dispatches
// to them.
type AsyncSocketsPool struct {
	log *zap.Logger

	mu            sync.Mutex
	registry      map[int]asyncSocket
	readInterest  map[int]struct{}
	writeInterest map[int]struct{}
	handling      map[int]struct{}

	poller *poller

	processing    int32 // atomic bool
	activeThreads int32 // atomic counter, decremented to 0 on full stop

	lastSweep atomic.Value // time.Time
}

// NewAsyncSocketsPool constructs an empty, not-yet-running pool. logger may
// be nil, in which case a no-op logger is used (this is a library; it must
// never log on behalf of a caller who didn't ask for it).
func NewAsyncSocketsPool(logger *zap.Logger) (*AsyncSocketsPool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pl, err := newPoller()
	if err != nil {
		return nil, errors.Wrap(err, "asyncsockets: create poller")
	}
	p := &AsyncSocketsPool{
		log:           logger,
		registry:      make(map[int]asyncSocket),
		readInterest:  make(map[int]struct{}),
		writeInterest: make(map[int]struct{}),
		handling:      make(map[int]struct{}),
		poller:        pl,
	}
	p.lastSweep.Store(time.Now())
	return p, nil
}

// add registers an AsyncSocket. Returns false if its handle is already
// present.
func (p *AsyncSocketsPool) add(s asyncSocket) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	fd := s.fd()
	if _, exists := p.registry[fd]; exists {
		return false
	}
	p.registry[fd] = s
	return true
}

// remove de-registers a socket and evicts it from every interest set
// atomically. Returns false if the handle was absent.
func (p *AsyncSocketsPool) remove(s fdHolder) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	fd := s.fd()
	if _, exists := p.registry[fd]; !exists {
		return false
	}
	delete(p.registry, fd)
	delete(p.readInterest, fd)
	delete(p.writeInterest, fd)
	delete(p.handling, fd)
	return true
}

// setReadInterest arms or disarms read readiness for sock. Requires sock to
// be registered; adding requires it not already be in the set, removing
// requires presence.
func (p *AsyncSocketsPool) setReadInterest(sock fdHolder, on bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	fd := sock.fd()
	if _, registered := p.registry[fd]; !registered {
		return false
	}
	_, present := p.readInterest[fd]
	if on == present {
		return false
	}
	if on {
		p.readInterest[fd] = struct{}{}
	} else {
		delete(p.readInterest, fd)
	}
	return true
}

// setWriteInterest arms or disarms write readiness for sock, with the same
// guards as setReadInterest.
func (p *AsyncSocketsPool) setWriteInterest(sock fdHolder, on bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	fd := sock.fd()
	if _, registered := p.registry[fd]; !registered {
		return false
	}
	_, present := p.writeInterest[fd]
	if on == present {
		return false
	}
	if on {
		p.writeInterest[fd] = struct{}{}
	} else {
		delete(p.writeInterest, fd)
	}
	return true
}

func (p *AsyncSocketsPool) snapshotInterest() (read, write []int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	read = make([]int, 0, len(p.readInterest))
	for fd := range p.readInterest {
		read = append(read, fd)
	}
	write = make([]int, 0, len(p.writeInterest))
	for fd := range p.writeInterest {
		write = append(write, fd)
	}
	return read, write
}

// claim tries to atomically mark fd as being dispatched, so the same socket
// is never concurrently run on two worker threads when the poller reports
// it ready in more than one direction on the same wake.
func (p *AsyncSocketsPool) claim(fd int) (asyncSocket, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, handling := p.handling[fd]; handling {
		return nil, false
	}
	sock, ok := p.registry[fd]
	if !ok {
		return nil, false
	}
	p.handling[fd] = struct{}{}
	return sock, true
}

func (p *AsyncSocketsPool) release(fd int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handling, fd)
}

// PoolStats is a point-in-time snapshot of registry/interest-set
// occupancy, for observability.
type PoolStats struct {
	Registered int
	ReadArmed  int
	WriteArmed int
	Handling   int
}

// Stats reports the current registry and interest-set sizes.
func (p *AsyncSocketsPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Registered: len(p.registry),
		ReadArmed:  len(p.readInterest),
		WriteArmed: len(p.writeInterest),
		Handling:   len(p.handling),
	}
}

// Run starts the readiness loop. threadCount worker goroutines are spawned
// and Run returns immediately; threadCount == 0 runs the loop inline on the
// calling goroutine, blocking until Stop is called.
func (p *AsyncSocketsPool) Run(threadCount int) {
	atomic.StoreInt32(&p.processing, 1)
	if threadCount <= 0 {
		atomic.AddInt32(&p.activeThreads, 1)
		p.workerLoop()
		return
	}
	for i := 0; i < threadCount; i++ {
		atomic.AddInt32(&p.activeThreads, 1)
		go p.workerLoop()
	}
}

// Stop clears the processing flag; each worker exits after its current
// readiness wait. It does not interrupt an in-flight hook dispatch.
func (p *AsyncSocketsPool) Stop() {
	atomic.StoreInt32(&p.processing, 0)
}

// StopAndWait clears the processing flag and blocks, spin-waiting in small
// sleeps, until every worker thread has exited.
func (p *AsyncSocketsPool) StopAndWait() {
	p.Stop()
	for atomic.LoadInt32(&p.activeThreads) != 0 {
		time.Sleep(time.Millisecond)
	}
}

func (p *AsyncSocketsPool) isProcessing() bool {
	return atomic.LoadInt32(&p.processing) != 0
}

func (p *AsyncSocketsPool) workerLoop() {
	defer atomic.AddInt32(&p.activeThreads, -1)
	p.log.Debug("asyncsockets: worker started")
	for p.isProcessing() {
		readFDs, writeFDs := p.snapshotInterest()
		ready, err := p.poller.wait(readFDs, writeFDs, CheckInterval)
		if err != nil {
			// Transient waiter failure is tolerated; the loop
			// self-heals on the next iteration.
			p.log.Debug("asyncsockets: poll wait failed, retrying", zap.Error(err))
			continue
		}
		if !p.isProcessing() {
			return
		}

		p.dispatch(ready.exceptional, func(s asyncSocket) { s.onExceptionalCondition() })
		p.dispatch(ready.writable, func(s asyncSocket) { s.onReadyForWriting() })
		p.dispatch(ready.readable, func(s asyncSocket) { s.onReadyForReading() })

		p.maybeSweep()
	}
	p.log.Debug("asyncsockets: worker stopped")
}

func (p *AsyncSocketsPool) dispatch(fds []int, invoke func(asyncSocket)) {
	for _, fd := range fds {
		sock, ok := p.claim(fd)
		if !ok {
			continue
		}
		p.dispatchOne(sock, invoke)
		p.release(fd)
	}
}

// dispatchOne runs a single hook, recovering a panic: log it, close the
// socket with reason Error if it wasn't already torn down, and let the
// worker keep servicing other sockets.
func (p *AsyncSocketsPool) dispatchOne(sock asyncSocket, invoke func(asyncSocket)) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("asyncsockets: hook panicked, closing socket",
				zap.Int("fd", sock.fd()), zap.Any("panic", r))
			sock.closeWithReason(ClosedError, true)
		}
	}()
	invoke(sock)
}

// maybeSweep closes any registered socket whose expire deadline has
// passed, at most once per CheckInterval of wall-clock time.
func (p *AsyncSocketsPool) maybeSweep() {
	last := p.lastSweep.Load().(time.Time)
	now := time.Now()
	if now.Sub(last) < CheckInterval {
		return
	}
	if !p.lastSweep.CompareAndSwap(last, now) {
		return // another worker already claimed this sweep
	}

	p.mu.Lock()
	expired := make([]asyncSocket, 0)
	for _, sock := range p.registry {
		if deadline, has := sock.expireDeadline(); has && !deadline.After(now) {
			expired = append(expired, sock)
		}
	}
	p.mu.Unlock()

	for _, sock := range expired {
		sock.closeWithReason(ClosedTimeout, true)
	}
}
