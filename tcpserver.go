//go:build unix

package asyncsockets

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// AsyncTCPServer is a nonblocking listening socket that accepts connections
// and spawns AsyncTCPClient instances around them.
type AsyncTCPServer struct {
	socketBase

	serverAddr   Addr
	recvBufSlots *BufferSlotPool

	// OnClientAccepted fires once per accepted connection for which a
	// buffer slot was available. If nil (or the pool is exhausted), the
	// accepted handle is closed immediately.
	OnClientAccepted func(server *AsyncTCPServer, client *AsyncTCPClient)
	// OnClosed fires exactly once when the server socket itself is torn
	// down.
	OnClosed func(server *AsyncTCPServer, reason ClosedReason)
}

// CreateAsyncTCPServer binds and listens on addr and registers read
// interest (accept readiness) with pool. If cfg.RecvBufSlots is nil, a
// default 256x4096 lazily-allocated pool is provisioned.
func CreateAsyncTCPServer(pool *AsyncSocketsPool, addr Addr, cfg TCPServerConfig) (*AsyncTCPServer, error) {
	if cfg.Backlog <= 0 {
		cfg.Backlog = DefaultAcceptBacklog
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	fd, err := newNonblockingStreamSocket()
	if err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		closeFD(fd)
		return nil, errors.Wrap(err, "asyncsockets: set SO_REUSEADDR")
	}
	sa, err := addr.sockaddr()
	if err != nil {
		closeFD(fd)
		return nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		closeFD(fd)
		return nil, errors.Wrapf(err, "asyncsockets: bind %s", addr)
	}
	if err := unix.Listen(fd, cfg.Backlog); err != nil {
		closeFD(fd)
		return nil, errors.Wrapf(err, "asyncsockets: listen %s", addr)
	}
	// Port 0 asks the kernel to pick an ephemeral port; reflect the actual
	// bound address back to the caller.
	if bound, err := localAddr(fd); err == nil {
		addr = bound
	}

	slots := cfg.RecvBufSlots
	if slots == nil {
		slots, err = NewBufferSlotPool(DefaultServerRecvSlots, DefaultServerRecvSlotSize, false)
		if err != nil {
			closeFD(fd)
			return nil, err
		}
	}

	srv := &AsyncTCPServer{
		socketBase: socketBase{
			pool:   pool,
			handle: fd,
			log:    logger,
		},
		serverAddr:       addr,
		recvBufSlots:     slots,
		OnClientAccepted: cfg.OnClientAccepted,
	}
	srv.fireClosed = func(reason ClosedReason) {
		if srv.OnClosed != nil {
			srv.OnClosed(srv, reason)
		}
	}

	if !pool.add(srv) {
		closeFD(fd)
		return nil, errors.New("asyncsockets: server socket already registered")
	}
	pool.setReadInterest(srv, true)
	return srv, nil
}

// Addr returns the server's bound address.
func (s *AsyncTCPServer) Addr() Addr {
	return s.serverAddr
}

// RecvBufSlots returns the buffer pool accepted clients draw their receive
// slot from.
func (s *AsyncTCPServer) RecvBufSlots() *BufferSlotPool {
	return s.recvBufSlots
}

// Close tears the listening socket down with reason ClosedByHost.
func (s *AsyncTCPServer) Close() bool {
	return s.closeWithReason(ClosedByHost, true)
}

func (s *AsyncTCPServer) onReadyForWriting() {}

func (s *AsyncTCPServer) onExceptionalCondition() {}

// onReadyForReading accepts exactly one pending connection: a failed accept
// is ignored and the listener stays armed, since the pool will re-notify
// if more connections are pending.
func (s *AsyncTCPServer) onReadyForReading() {
	connFD, _, err := unix.Accept(s.handle)
	if err != nil {
		return
	}
	if err := unix.SetNonblock(connFD, true); err != nil {
		closeFD(connFD)
		return
	}

	if s.recvBufSlots == nil || s.OnClientAccepted == nil {
		closeFD(connFD)
		return
	}

	client, err := newAcceptedClient(s.pool, connFD, s.recvBufSlots, s.log)
	if err != nil {
		closeFD(connFD)
		return
	}

	if !s.invokeOnClientAccepted(client) {
		return
	}
	// Arm the new client for one writable notification: the on_can_send
	// edge is how user code learns it may now push outbound bytes.
	s.pool.setWriteInterest(client, true)
}

// invokeOnClientAccepted runs the user hook, isolating its panics from the
// server socket: if the hook panics, only the freshly created client is
// closed and the error is logged.
func (s *AsyncTCPServer) invokeOnClientAccepted(client *AsyncTCPClient) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("asyncsockets: OnClientAccepted panicked, closing client",
				zap.Int("fd", client.fd()), zap.Any("panic", r))
			client.closeWithReason(ClosedError, true)
			ok = false
		}
	}()
	s.OnClientAccepted(s, client)
	return true
}
