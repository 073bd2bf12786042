//go:build !linux

package muxpoll

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// pollBackend backs non-Linux builds (darwin, bsd) with unix.Poll. It keeps
// its own fd/interest list since poll(2) is stateless per call, unlike
// epoll's persistent interest set.
type pollBackend struct {
	interest map[int]Events
}

func newBackend() (backend, error) {
	return &pollBackend{interest: make(map[int]Events)}, nil
}

func (b *pollBackend) ctlAdd(fd int, ev Events) error {
	b.interest[fd] = ev
	return nil
}

func (b *pollBackend) ctlMod(fd int, ev Events) error {
	b.interest[fd] = ev
	return nil
}

func (b *pollBackend) ctlDel(fd int) error {
	delete(b.interest, fd)
	return nil
}

func (b *pollBackend) wait(timeoutMs int, _ []row) ([]Event, error) {
	if len(b.interest) == 0 {
		return nil, nil
	}
	fds := make([]unix.PollFd, 0, len(b.interest))
	order := make([]int, 0, len(b.interest))
	for fd, ev := range b.interest {
		var m int16
		if ev&Readable != 0 {
			m |= unix.POLLIN
		}
		if ev&Writable != 0 {
			m |= unix.POLLOUT
		}
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: m})
		order = append(order, fd)
	}
	n, err := unix.Poll(fds, timeoutMs)
	if err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]Event, 0, n)
	for i, pf := range fds {
		if pf.Revents == 0 {
			continue
		}
		var ev Events
		if pf.Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 {
			ev |= Readable
		}
		if pf.Revents&(unix.POLLOUT|unix.POLLERR|unix.POLLHUP) != 0 {
			ev |= Writable
		}
		out = append(out, Event{Fd: order[i], Events: ev})
	}
	return out, nil
}

func (b *pollBackend) close() error { return nil }
