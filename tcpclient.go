//go:build unix

package asyncsockets

import (
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// AsyncTCPClient is a nonblocking stream connection: a line reader, a
// sized/opportunistic data reader, a queued writer, and connect completion.
type AsyncTCPClient struct {
	socketBase

	serverAddr Addr
	clientAddr Addr
	connected  int32 // atomic bool

	recvBuf []byte // the slot's backing buffer, materialized once at construction

	// receive-mode state. Read and cleared by whichever worker thread is
	// dispatching this socket; the async-op entry points below set it
	// directly, before arming read interest. No lock guards these fields.
	lineMode    bool
	linePos     int
	dataMode    bool
	sizeIsExact bool
	dataTarget  int
	dataFilled  int

	wrMu  sync.Mutex
	wrBuf []byte

	OnFailsToConnect func(c *AsyncTCPClient)
	OnConnected      func(c *AsyncTCPClient)
	OnLineRecv       func(c *AsyncTCPClient, line string)
	OnDataRecv       func(c *AsyncTCPClient, data []byte)
	OnCanSend        func(c *AsyncTCPClient)
	OnClosed         func(c *AsyncTCPClient, reason ClosedReason)
}

// CreateAsyncTCPClient allocates a private receive buffer, opens a
// nonblocking stream socket, and issues a nonblocking connect to addr. If
// the connect is accepted as in-progress (or completes immediately) the
// client is armed for write readiness and the connect deadline starts;
// otherwise the socket is closed and an error is returned.
func CreateAsyncTCPClient(pool *AsyncSocketsPool, addr Addr, cfg TCPClientConfig) (*AsyncTCPClient, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.RecvBufLen < MinBufferSlotSize {
		cfg.RecvBufLen = DefaultRecvBufLen
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	fd, err := newNonblockingStreamSocket()
	if err != nil {
		return nil, err
	}

	slot := newBufferSlot(cfg.RecvBufLen, true)

	c := &AsyncTCPClient{
		socketBase: socketBase{
			pool:   pool,
			handle: fd,
			slot:   &boundSlot{slot: slot, pool: nil}, // private, not pool-backed
			log:    logger,
		},
		serverAddr: addr,
		recvBuf:    slot.Bytes(),
	}
	c.fireClosed = func(reason ClosedReason) {
		if c.OnClosed != nil {
			c.OnClosed(c, reason)
		}
	}

	sa, err := addr.sockaddr()
	if err != nil {
		closeFD(fd)
		return nil, err
	}
	connErr := unix.Connect(fd, sa)
	if connErr != nil && connErr != unix.EINPROGRESS {
		closeFD(fd)
		return nil, errors.Wrapf(connErr, "asyncsockets: connect %s", addr)
	}

	if !pool.add(c) {
		closeFD(fd)
		return nil, errors.New("asyncsockets: client socket already registered")
	}
	c.SetExpireTimeout(cfg.ConnectTimeout.Seconds())
	pool.setWriteInterest(c, true)
	return c, nil
}

// newAcceptedClient wraps an already-connected, accepted fd (used by
// AsyncTCPServer). Unlike CreateAsyncTCPClient, no connect phase runs: the
// client is immediately marked connected. newAcceptedClient never closes fd
// itself on error; the caller owns fd until this returns a non-nil client
// and remains responsible for closing it on any error path.
func newAcceptedClient(pool *AsyncSocketsPool, fd int, slots *BufferSlotPool, logger *zap.Logger) (*AsyncTCPClient, error) {
	slot := slots.Acquire()
	if slot == nil {
		return nil, errors.New("asyncsockets: no buffer slot available")
	}
	c := &AsyncTCPClient{
		socketBase: socketBase{
			pool:   pool,
			handle: fd,
			slot:   &boundSlot{slot: slot, pool: slots},
			log:    logger,
		},
		recvBuf:   slot.Bytes(),
		connected: 1,
	}
	c.fireClosed = func(reason ClosedReason) {
		if c.OnClosed != nil {
			c.OnClosed(c, reason)
		}
	}
	if peer, err := unix.Getpeername(fd); err == nil {
		c.clientAddr = addrFromSockaddr(peer)
	}
	if local, err := localAddr(fd); err == nil {
		c.serverAddr = local
	}
	if !pool.add(c) {
		slots.Release(slot)
		return nil, errors.New("asyncsockets: accepted socket already registered")
	}
	return c, nil
}

// ServerAddr returns the remote address this client is (or was) connected
// to, for an outbound client; for an accepted client it returns the local
// server address.
func (c *AsyncTCPClient) ServerAddr() Addr { return c.serverAddr }

// ClientAddr returns the local address for an outbound client, or the
// remote peer address for an accepted client.
func (c *AsyncTCPClient) ClientAddr() Addr { return c.clientAddr }

// Connected reports whether the connect handshake has completed.
func (c *AsyncTCPClient) Connected() bool { return atomic.LoadInt32(&c.connected) != 0 }

func (c *AsyncTCPClient) setConnected() { atomic.StoreInt32(&c.connected, 1) }

// Close shuts down both directions best-effort, then tears down with
// reason ClosedByHost.
func (c *AsyncTCPClient) Close() bool {
	_ = unix.Shutdown(c.handle, unix.SHUT_RDWR)
	return c.closeWithReason(ClosedByHost, true)
}

func (c *AsyncTCPClient) onExceptionalCondition() {
	if err := socketError(c.handle); err != nil {
		c.closeWithReason(ClosedError, true)
	}
}

func (c *AsyncTCPClient) onReadyForWriting() {
	if !c.Connected() {
		c.completeConnect()
		return
	}
	c.handleWritable()
}

// completeConnect runs on the first writable event of an outbound client
// that hasn't connected yet.
func (c *AsyncTCPClient) completeConnect() {
	if err := socketError(c.handle); err != nil {
		c.ClearExpireTimeout()
		c.pool.setWriteInterest(c, false)
		c.closeWithReason(ClosedError, false)
		if c.OnFailsToConnect != nil {
			c.OnFailsToConnect(c)
		}
		return
	}
	c.setConnected()
	if local, err := localAddr(c.handle); err == nil {
		c.clientAddr = local
	}
	c.ClearExpireTimeout()
	if c.OnConnected != nil {
		c.OnConnected(c)
	}
	c.handleWritable()
}

// handleWritable is the standard post-connect writable path: drain the
// pending send queue, or — if already empty — fire the one-shot "ready to
// send" edge.
func (c *AsyncTCPClient) handleWritable() {
	c.wrMu.Lock()
	if len(c.wrBuf) == 0 {
		c.wrMu.Unlock()
		c.pool.setWriteInterest(c, false)
		if c.OnCanSend != nil {
			c.OnCanSend(c)
		}
		return
	}
	pending := c.wrBuf
	c.wrMu.Unlock()

	n, err := unix.Write(c.handle, pending)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		c.closeWithReason(ClosedError, true)
		return
	}

	c.wrMu.Lock()
	c.wrBuf = c.wrBuf[n:]
	remaining := len(c.wrBuf)
	c.wrMu.Unlock()

	if remaining == 0 {
		c.pool.setWriteInterest(c, false)
		if c.OnCanSend != nil {
			c.OnCanSend(c)
		}
	}
	// Sized remainder stays queued; the socket remains armed and we wait
	// for the next writable event.
}

// AsyncSendData appends data to the pending send queue and arms write
// interest. Returns false without error and without invoking any hook if
// the socket is already closed.
func (c *AsyncTCPClient) AsyncSendData(data []byte) (bool, error) {
	if c.isClosed() {
		return false, nil
	}
	if len(data) == 0 {
		return false, errors.New("asyncsockets: AsyncSendData requires a nonempty payload")
	}
	c.wrMu.Lock()
	c.wrBuf = append(c.wrBuf, data...)
	c.wrMu.Unlock()
	c.pool.setWriteInterest(c, true)
	return true, nil
}

// AsyncRecvLine arms read interest and switches the client into line mode:
// bytes are scanned one at a time until '\n' (line terminator, stripped),
// ignoring '\r'.
func (c *AsyncTCPClient) AsyncRecvLine(timeout time.Duration) error {
	if c.dataMode {
		return errors.New("asyncsockets: client is already in data-read mode")
	}
	c.lineMode = true
	c.linePos = 0
	if timeout > 0 {
		c.SetExpireTimeout(timeout.Seconds())
	} else {
		c.ClearExpireTimeout()
	}
	c.pool.setReadInterest(c, true)
	return nil
}

// AsyncRecvData arms read interest and switches the client into data mode.
// size <= 0 means opportunistic: read whatever is available, up to buffer
// capacity; a positive size requires that many bytes exactly, and must not
// exceed the receive buffer's capacity.
func (c *AsyncTCPClient) AsyncRecvData(size int, timeout time.Duration) error {
	if c.lineMode {
		return errors.New("asyncsockets: client is already in line-read mode")
	}
	if size > len(c.recvBuf) {
		return errors.Errorf("asyncsockets: requested size %d exceeds buffer capacity %d", size, len(c.recvBuf))
	}
	c.dataMode = true
	c.dataFilled = 0
	if size > 0 {
		c.sizeIsExact = true
		c.dataTarget = size
	} else {
		c.sizeIsExact = false
		c.dataTarget = len(c.recvBuf)
	}
	if timeout > 0 {
		c.SetExpireTimeout(timeout.Seconds())
	} else {
		c.ClearExpireTimeout()
	}
	c.pool.setReadInterest(c, true)
	return nil
}

func (c *AsyncTCPClient) clearLineMode() {
	c.lineMode = false
	c.linePos = 0
}

func (c *AsyncTCPClient) clearDataMode() {
	c.dataMode = false
	c.dataFilled = 0
	c.dataTarget = 0
	c.sizeIsExact = false
}

// onReadyForReading dispatches to whichever receive mode is active. Buffering
// at the slot level would improve line-mode throughput, but this keeps the
// straightforward one-byte-at-a-time scan.
func (c *AsyncTCPClient) onReadyForReading() {
	if c.lineMode {
		c.readLine()
		return
	}
	if c.dataMode {
		c.readData()
	}
}

func (c *AsyncTCPClient) readLine() {
	for {
		n, err := unix.Read(c.handle, c.recvBuf[c.linePos:c.linePos+1])
		if err != nil {
			// Transient EAGAIN or any other read error: stop for now and
			// wait for the next readable event.
			return
		}
		if n == 0 {
			c.closeWithReason(ClosedByPeer, true)
			return
		}
		b := c.recvBuf[c.linePos]
		switch b {
		case '\n':
			line := append([]byte(nil), c.recvBuf[:c.linePos]...)
			c.pool.setReadInterest(c, false)
			c.ClearExpireTimeout()
			c.clearLineMode()
			if utf8.Valid(line) && c.OnLineRecv != nil {
				c.OnLineRecv(c, string(line))
			}
			return
		case '\r':
			// ignored, position does not advance
		default:
			c.linePos++
			if c.linePos >= len(c.recvBuf) {
				c.closeWithReason(ClosedError, true)
				return
			}
		}
	}
}

func (c *AsyncTCPClient) readData() {
	view := c.recvBuf[c.dataFilled:c.dataTarget]
	n, err := unix.Read(c.handle, view)
	if err != nil {
		// EAGAIN or transient error: wait for the next readable event.
		return
	}
	if n == 0 {
		c.closeWithReason(ClosedByPeer, true)
		return
	}
	c.dataFilled += n

	done := (c.sizeIsExact && c.dataFilled == c.dataTarget) || (!c.sizeIsExact && n > 0)
	if !done {
		return
	}
	result := append([]byte(nil), c.recvBuf[:c.dataFilled]...)
	c.pool.setReadInterest(c, false)
	c.ClearExpireTimeout()
	c.clearDataMode()
	if c.OnDataRecv != nil {
		c.OnDataRecv(c, result)
	}
}
