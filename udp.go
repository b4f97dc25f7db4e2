//go:build unix

package asyncsockets

import (
	"sync"

	"github.com/eapache/queue"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// pendingDatagram is one queued outbound (payload, destination) pair.
type pendingDatagram struct {
	data []byte
	to   Addr
}

// AsyncUDPDatagram is a nonblocking datagram endpoint with a FIFO queue of
// outbound datagrams. The queue is backed by github.com/eapache/queue, a
// ring-buffer FIFO.
type AsyncUDPDatagram struct {
	socketBase

	localAddr Addr
	hasLocal  bool
	recvBuf   []byte
	sendMu    sync.Mutex
	sendQueue *queue.Queue

	OnRecv        func(u *AsyncUDPDatagram, remote Addr, data []byte)
	OnFailsToSend func(u *AsyncUDPDatagram, datagram []byte, remote Addr)
	OnCanSend     func(u *AsyncUDPDatagram)
	OnClosed      func(u *AsyncUDPDatagram, reason ClosedReason)
}

// CreateAsyncUDPDatagram creates a datagram socket. If localAddr is
// non-nil it is bound and a receive buffer slot is allocated and armed for
// reading; write interest is always armed.
func CreateAsyncUDPDatagram(pool *AsyncSocketsPool, localAddr *Addr, cfg UDPConfig) (*AsyncUDPDatagram, error) {
	if cfg.RecvBufLen < MinBufferSlotSize {
		cfg.RecvBufLen = DefaultRecvBufLen
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	fd, err := newNonblockingDatagramSocket()
	if err != nil {
		return nil, err
	}
	if cfg.Broadcast {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
			closeFD(fd)
			return nil, errors.Wrap(err, "asyncsockets: set SO_BROADCAST")
		}
	}

	u := &AsyncUDPDatagram{
		socketBase: socketBase{
			pool:   pool,
			handle: fd,
			log:    logger,
		},
		sendQueue: queue.New(),
	}
	u.fireClosed = func(reason ClosedReason) {
		if u.OnClosed != nil {
			u.OnClosed(u, reason)
		}
	}

	if localAddr != nil {
		sa, err := localAddr.sockaddr()
		if err != nil {
			closeFD(fd)
			return nil, err
		}
		if err := unix.Bind(fd, sa); err != nil {
			closeFD(fd)
			return nil, errors.Wrapf(err, "asyncsockets: bind %s", *localAddr)
		}
		u.localAddr = *localAddr
		// Port 0 asks the kernel to pick an ephemeral port; reflect the
		// actual bound address back to the caller.
		if bound, err := unix.Getsockname(fd); err == nil {
			u.localAddr = addrFromSockaddr(bound)
		}
		u.hasLocal = true
		slot := newBufferSlot(cfg.RecvBufLen, true)
		u.slot = &boundSlot{slot: slot, pool: nil}
		u.recvBuf = slot.Bytes()
	}

	if !pool.add(u) {
		closeFD(fd)
		return nil, errors.New("asyncsockets: UDP socket already registered")
	}
	if u.hasLocal {
		pool.setReadInterest(u, true)
	}
	pool.setWriteInterest(u, true)
	return u, nil
}

// LocalAddr returns the bound local address, if any.
func (u *AsyncUDPDatagram) LocalAddr() (Addr, bool) { return u.localAddr, u.hasLocal }

// Close tears the endpoint down with reason ClosedByHost.
func (u *AsyncUDPDatagram) Close() bool {
	return u.closeWithReason(ClosedByHost, true)
}

func (u *AsyncUDPDatagram) onExceptionalCondition() {
	if err := socketError(u.handle); err != nil {
		u.closeWithReason(ClosedError, true)
	}
}

// onReadyForReading receives one datagram into the slot buffer and invokes
// OnRecv. A receive error is silently ignored; the pool will re-notify.
func (u *AsyncUDPDatagram) onReadyForReading() {
	n, from, err := unix.Recvfrom(u.handle, u.recvBuf, 0)
	if err != nil {
		return
	}
	remote := Addr{}
	if from != nil {
		remote = addrFromSockaddr(from)
	}
	if u.OnRecv != nil {
		view := append([]byte(nil), u.recvBuf[:n]...)
		u.OnRecv(u, remote, view)
	}
}

// onReadyForWriting dequeues and sends one pending datagram. On failure,
// OnFailsToSend fires. Write interest stays armed while the queue remains
// nonempty, otherwise it disarms and OnCanSend fires once.
func (u *AsyncUDPDatagram) onReadyForWriting() {
	u.sendMu.Lock()
	if u.sendQueue.Length() == 0 {
		u.sendMu.Unlock()
		u.pool.setWriteInterest(u, false)
		if u.OnCanSend != nil {
			u.OnCanSend(u)
		}
		return
	}
	next := u.sendQueue.Remove().(pendingDatagram)
	remaining := u.sendQueue.Length()
	u.sendMu.Unlock()

	if err := u.sendOne(next); err != nil {
		if u.OnFailsToSend != nil {
			u.OnFailsToSend(u, next.data, next.to)
		}
	}

	if remaining > 0 {
		return // stay armed
	}
	u.pool.setWriteInterest(u, false)
	if u.OnCanSend != nil {
		u.OnCanSend(u)
	}
}

func (u *AsyncUDPDatagram) sendOne(d pendingDatagram) error {
	sa, err := d.to.sockaddr()
	if err != nil {
		return err
	}
	return unix.Sendto(u.handle, d.data, 0, sa)
}

// AsyncSendDatagram enqueues a datagram for the given destination and arms
// write interest. Requires a nonempty payload.
func (u *AsyncUDPDatagram) AsyncSendDatagram(datagram []byte, remote Addr) (bool, error) {
	if u.isClosed() {
		return false, nil
	}
	if len(datagram) == 0 {
		return false, errors.New("asyncsockets: AsyncSendDatagram requires a nonempty payload")
	}
	u.sendMu.Lock()
	u.sendQueue.Add(pendingDatagram{data: datagram, to: remote})
	u.sendMu.Unlock()
	u.pool.setWriteInterest(u, true)
	return true, nil
}
