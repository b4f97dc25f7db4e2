package asyncsockets

import (
	"time"

	"go.uber.org/zap"
)

// CheckInterval is the pool's readiness-wait timeout and timeout-sweep
// cadence.
const CheckInterval = 1 * time.Second

// DefaultConnectTimeout is the TCP client's default connect deadline.
const DefaultConnectTimeout = 5 * time.Second

// DefaultAcceptBacklog is the TCP server's default listen backlog.
const DefaultAcceptBacklog = 256

// DefaultServerRecvSlots / DefaultServerRecvSlotSize describe the TCP
// server's default per-accepted-client buffer pool: 256 slots of 4096
// bytes, lazily allocated.
const (
	DefaultServerRecvSlots    = 256
	DefaultServerRecvSlotSize = 4096
)

// DefaultRecvBufLen is the default per-socket receive buffer size used by
// CreateAsyncTCPClient and CreateAsyncUDPDatagram.
const DefaultRecvBufLen = 4096

// TCPServerConfig configures CreateAsyncTCPServer. A zero value is
// accepted: a non-positive Backlog becomes DefaultAcceptBacklog and a nil
// RecvBufSlots gets the default pool.
type TCPServerConfig struct {
	// Backlog is the listen(2) backlog.
	Backlog int
	// RecvBufSlots, if non-nil, supplies the BufferSlotPool accepted
	// clients draw their receive slot from. If nil, Create provisions a
	// default 256x4096 lazily-allocated pool.
	RecvBufSlots *BufferSlotPool
	// OnClientAccepted fires once per accepted connection that was handed
	// a buffer slot. See AsyncTCPServer.OnClientAccepted.
	OnClientAccepted func(server *AsyncTCPServer, client *AsyncTCPClient)
	// Logger receives an error entry when OnClientAccepted panics; accepts
	// and closes are not logged. Defaults to a no-op logger.
	Logger *zap.Logger
}

// DefaultTCPServerConfig returns sensible defaults: backlog 256, no shared
// recv pool (CreateAsyncTCPServer provisions the default one).
func DefaultTCPServerConfig() TCPServerConfig {
	return TCPServerConfig{Backlog: DefaultAcceptBacklog}
}

// TCPClientConfig configures CreateAsyncTCPClient.
type TCPClientConfig struct {
	ConnectTimeout time.Duration
	RecvBufLen     int
	Logger         *zap.Logger
}

// DefaultTCPClientConfig returns sensible defaults: a 5s connect timeout
// and a 4096-byte receive buffer.
func DefaultTCPClientConfig() TCPClientConfig {
	return TCPClientConfig{ConnectTimeout: DefaultConnectTimeout, RecvBufLen: DefaultRecvBufLen}
}

// UDPConfig configures CreateAsyncUDPDatagram.
type UDPConfig struct {
	RecvBufLen int
	Broadcast  bool
	Logger     *zap.Logger
}

// DefaultUDPConfig returns sensible defaults: a 4096-byte receive buffer
// with broadcast disabled.
func DefaultUDPConfig() UDPConfig {
	return UDPConfig{RecvBufLen: DefaultRecvBufLen}
}
