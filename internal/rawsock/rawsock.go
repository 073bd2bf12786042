// Package rawsock wraps the non-blocking, fd-level socket operations the
// relay engine drives directly: listen, accept, dial, recv, send, and the
// SO_ERROR probe used to learn the outcome of an in-progress non-blocking
// connect. It is grounded on the same golang.org/x/sys/unix surface the
// teacher uses for its epoll TUN wrapper, generalized from tun fds to TCP
// socket fds (spec.md §4.1, §4.6).
package rawsock

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"sstunnel/internal/ioerr"
)

// Listen creates a non-blocking TCP listen socket bound to addr.
func Listen(addr netip.AddrPort) (fd int, err error) {
	domain := unix.AF_INET
	if addr.Addr().Is6() {
		domain = unix.AF_INET6
	}
	fd, err = unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sockaddrOf(addr)); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen %s: %w", addr, err)
	}
	return fd, nil
}

// Accept accepts one pending connection as a non-blocking fd. Returns
// ioerr.ErrIO wrapping unix.EAGAIN/EWOULDBLOCK when nothing is pending —
// callers should treat that as "not ready yet", not a hard failure.
func Accept(listenFd int) (fd int, peer netip.AddrPort, err error) {
	nfd, sa, err := unix.Accept4(listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if isWouldBlock(err) {
			return -1, netip.AddrPort{}, fmt.Errorf("%w: accept4: %w", ioerr.ErrIO, err)
		}
		return -1, netip.AddrPort{}, fmt.Errorf("accept4: %w", err)
	}
	return nfd, addrPortOf(sa), nil
}

// Dial issues a non-blocking connect to addr. A return of ok=false with a
// nil error means the connect is in progress (EINPROGRESS) and the caller
// must wait for the fd to become writable, then call ConnectResult.
func Dial(addr netip.AddrPort) (fd int, ok bool, err error) {
	domain := unix.AF_INET
	if addr.Addr().Is6() {
		domain = unix.AF_INET6
	}
	fd, err = unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, false, fmt.Errorf("socket: %w", err)
	}
	err = unix.Connect(fd, sockaddrOf(addr))
	if err == nil {
		return fd, true, nil
	}
	if err == unix.EINPROGRESS {
		return fd, false, nil
	}
	unix.Close(fd)
	return -1, false, fmt.Errorf("connect %s: %w", addr, err)
}

// ConnectResult probes SO_ERROR on a socket whose non-blocking connect has
// just become writable. A nil return means the connect succeeded.
func ConnectResult(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("getsockopt SO_ERROR: %w", err)
	}
	if errno != 0 {
		return fmt.Errorf("%w: connect failed: %w", ioerr.ErrIO, unix.Errno(errno))
	}
	return nil
}

// Read performs one non-blocking recv into buf. A return of (0, nil, false)
// means EOF (peer closed cleanly). A wantsRetry of true with n==0 and err
// nil means EAGAIN — nothing available right now.
func Read(fd int, buf []byte) (n int, err error, wantsRetry bool) {
	n, err = unix.Read(fd, buf)
	if err != nil {
		if isWouldBlock(err) {
			return 0, nil, true
		}
		return 0, fmt.Errorf("%w: read: %w", ioerr.ErrIO, err), false
	}
	return n, nil, false
}

// Write performs one non-blocking send of buf. A return of (0, nil, true)
// means the socket is not currently writable (EAGAIN) — the caller should
// register for writability and retry. EPIPE and ECONNRESET are reported as
// ioerr.ErrIO, not treated as would-block, per the resolution recorded in
// SPEC_FULL.md §5.
func Write(fd int, buf []byte) (n int, err error, wantsRetry bool) {
	n, err = unix.Write(fd, buf)
	if err != nil {
		if isWouldBlock(err) {
			return 0, nil, true
		}
		return 0, fmt.Errorf("%w: write: %w", ioerr.ErrIO, err), false
	}
	return n, nil, false
}

// LocalAddr reports the local address a socket is bound to, used to fill
// the SOCKS5 CONNECT reply's BND.ADDR/BND.PORT once the dial to the
// shadowsocks peer completes.
func LocalAddr(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("getsockname: %w", err)
	}
	return addrPortOf(sa), nil
}

// Close closes fd, ignoring EBADF (already closed).
func Close(fd int) error {
	if err := unix.Close(fd); err != nil && err != unix.EBADF {
		return fmt.Errorf("close fd=%d: %w", fd, err)
	}
	return nil
}

func isWouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR
}

func sockaddrOf(addr netip.AddrPort) unix.Sockaddr {
	if addr.Addr().Is4() {
		return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: addr.Addr().As4()}
	}
	return &unix.SockaddrInet6{Port: int(addr.Port()), Addr: addr.Addr().As16()}
}

func addrPortOf(sa unix.Sockaddr) netip.AddrPort {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(s.Addr), uint16(s.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(s.Addr), uint16(s.Port))
	default:
		return netip.AddrPort{}
	}
}
