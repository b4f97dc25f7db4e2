//go:build unix

package asyncsockets

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// closeFD closes an OS handle, swallowing the error.
func closeFD(fd int) {
	if fd >= 0 {
		_ = unix.Close(fd)
	}
}

func newNonblockingStreamSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, errors.Wrap(err, "asyncsockets: create TCP socket")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		closeFD(fd)
		return -1, errors.Wrap(err, "asyncsockets: set TCP socket nonblocking")
	}
	return fd, nil
}

func newNonblockingDatagramSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return -1, errors.Wrap(err, "asyncsockets: create UDP socket")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		closeFD(fd)
		return -1, errors.Wrap(err, "asyncsockets: set UDP socket nonblocking")
	}
	return fd, nil
}

// socketError reads SO_ERROR off fd, the portable way to discover whether a
// nonblocking connect() completed successfully.
func socketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

func localAddr(fd int) (Addr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return Addr{}, err
	}
	return addrFromSockaddr(sa), nil
}
