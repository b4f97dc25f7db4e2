//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package asyncsockets

import (
	"time"

	"golang.org/x/sys/unix"
)

// poller wraps POSIX poll(2) via golang.org/x/sys/unix. unix.Poll is chosen
// over raw platform-specific syscall.Epoll*/kqueue calls because it is the
// same call on Linux, Darwin, and the BSDs, avoiding a forked file per OS.
//
// Exceptional conditions mirror select(2)'s convention of passing the read
// set a second time as the exceptfds argument; we model that here as
// POLLPRI requested on every fd that has read interest, rather than a
// separately-maintained set.
type poller struct{}

func newPoller() (*poller, error) {
	return &poller{}, nil
}

func (p *poller) close() {}

// readyFDs is the categorized result of one poll wait.
type readyFDs struct {
	exceptional []int
	writable    []int
	readable    []int
}

func (p *poller) wait(readInterest, writeInterest []int, timeout time.Duration) (readyFDs, error) {
	events := make(map[int]int16, len(readInterest)+len(writeInterest))
	for _, fd := range readInterest {
		events[fd] |= unix.POLLIN | unix.POLLPRI
	}
	for _, fd := range writeInterest {
		events[fd] |= unix.POLLOUT
	}

	if len(events) == 0 {
		// Nothing to wait on; still honor the timeout so the pool's
		// worker loop can re-check its processing flag and sweep
		// timeouts on its usual cadence.
		time.Sleep(timeout)
		return readyFDs{}, nil
	}

	fds := make([]unix.PollFd, 0, len(events))
	for fd, ev := range events {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: ev})
	}

	ms := int(timeout / time.Millisecond)
	if ms <= 0 {
		ms = 1
	}
	n, err := unix.Poll(fds, ms)
	if err != nil {
		if err == unix.EINTR {
			return readyFDs{}, nil
		}
		return readyFDs{}, err
	}
	if n == 0 {
		return readyFDs{}, nil
	}

	var out readyFDs
	for _, pfd := range fds {
		if pfd.Revents == 0 {
			continue
		}
		fd := int(pfd.Fd)
		if pfd.Revents&(unix.POLLPRI|unix.POLLERR) != 0 {
			out.exceptional = append(out.exceptional, fd)
		}
		if pfd.Revents&unix.POLLOUT != 0 {
			out.writable = append(out.writable, fd)
		}
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLNVAL) != 0 {
			out.readable = append(out.readable, fd)
		}
	}
	return out, nil
}
