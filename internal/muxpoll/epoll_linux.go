//go:build linux

package muxpoll

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// epollBackend is the Linux readiness primitive. It is grounded directly on
// the teacher's epoll-backed TUN wrapper (infrastructure/PAL/linux/tun/epoll):
// the same EpollCreate1/EpollCtl/EpollWait call shape, generalized here from
// one fd to a whole connection table.
type epollBackend struct {
	epfd int
}

func newBackend() (backend, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &epollBackend{epfd: fd}, nil
}

func toEpollMask(ev Events) uint32 {
	var m uint32 = unix.EPOLLERR | unix.EPOLLHUP
	if ev&Readable != 0 {
		m |= unix.EPOLLIN
	}
	if ev&Writable != 0 {
		m |= unix.EPOLLOUT
	}
	return m
}

func (b *epollBackend) ctlAdd(fd int, ev Events) error {
	e := unix.EpollEvent{Events: toEpollMask(ev), Fd: int32(fd)}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, &e); err != nil {
		return fmt.Errorf("epoll_ctl add fd=%d: %w", fd, err)
	}
	return nil
}

func (b *epollBackend) ctlMod(fd int, ev Events) error {
	e := unix.EpollEvent{Events: toEpollMask(ev), Fd: int32(fd)}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, &e); err != nil {
		return fmt.Errorf("epoll_ctl mod fd=%d: %w", fd, err)
	}
	return nil
}

func (b *epollBackend) ctlDel(fd int) error {
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
			return nil
		}
		return fmt.Errorf("epoll_ctl del fd=%d: %w", fd, err)
	}
	return nil
}

func (b *epollBackend) wait(timeoutMs int, _ []row) ([]Event, error) {
	var raw [64]unix.EpollEvent
	for {
		n, err := unix.EpollWait(b.epfd, raw[:], timeoutMs)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("epoll_wait: %w", err)
		}
		out := make([]Event, 0, n)
		for i := 0; i < n; i++ {
			var ev Events
			if raw[i].Events&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				ev |= Readable
			}
			if raw[i].Events&(unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				ev |= Writable
			}
			out = append(out, Event{Fd: int(raw[i].Fd), Events: ev})
		}
		return out, nil
	}
}

func (b *epollBackend) close() error {
	return unix.Close(b.epfd)
}
