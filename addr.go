//go:build unix

package asyncsockets

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Addr is an IPv4 (host, port) tuple.
type Addr struct {
	IP   net.IP
	Port int
}

func (a Addr) String() string {
	return (&net.TCPAddr{IP: a.IP, Port: a.Port}).String()
}

func (a Addr) sockaddr() (*unix.SockaddrInet4, error) {
	ip4 := a.IP.To4()
	if a.IP != nil && ip4 == nil {
		return nil, errors.Errorf("asyncsockets: only IPv4 addresses are supported, got %s", a.IP)
	}
	sa := &unix.SockaddrInet4{Port: a.Port}
	copy(sa.Addr[:], ip4)
	return sa, nil
}

func addrFromSockaddr(sa unix.Sockaddr) Addr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return Addr{IP: net.IPv4(v.Addr[0], v.Addr[1], v.Addr[2], v.Addr[3]), Port: v.Port}
	default:
		return Addr{}
	}
}

// ResolveTCPAddr parses a "host:port" string into an Addr, resolving host
// names via the stdlib resolver. This is a thin convenience so callers
// don't have to hand-build an Addr for the common case.
func ResolveTCPAddr(hostport string) (Addr, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", hostport)
	if err != nil {
		return Addr{}, errors.Wrapf(err, "asyncsockets: resolve %q", hostport)
	}
	return Addr{IP: tcpAddr.IP, Port: tcpAddr.Port}, nil
}
