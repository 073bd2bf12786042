// Package ioerr defines the error kinds shared by the codec and relay
// packages. Only ErrShortRead is recoverable; every other kind is a
// signal to destroy the link that observed it.
package ioerr

import "errors"

var (
	// ErrShortRead means a parser needs more bytes than are currently
	// buffered. The caller must keep the link alive and wait for more data.
	ErrShortRead = errors.New("short read: need more bytes")

	// ErrProtocol means the peer sent a malformed SOCKS5 or shadowsocks
	// header.
	ErrProtocol = errors.New("protocol violation")

	// ErrUnsupported means a recognized-but-unsupported request, such as
	// SOCKS5 UDP ASSOCIATE or a non "no-auth" method list.
	ErrUnsupported = errors.New("unsupported request")

	// ErrIO covers recv/send/connect failures other than would-block and
	// peer-closed.
	ErrIO = errors.New("i/o error")

	// ErrPeerClosed means recv returned zero bytes.
	ErrPeerClosed = errors.New("peer closed connection")

	// ErrCapacity means the readiness multiplexer has no free row.
	ErrCapacity = errors.New("multiplexer at capacity")

	// ErrOverflow means a buffer append/prepend would exceed capacity.
	ErrOverflow = errors.New("buffer overflow")

	// ErrUnderflow means a buffer consume asked for more bytes than are
	// buffered.
	ErrUnderflow = errors.New("buffer underflow")
)
