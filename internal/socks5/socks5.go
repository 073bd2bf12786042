// Package socks5 implements RFC 1928 method negotiation and the CONNECT
// request/reply shapes described in spec.md §4.5, with "no authentication"
// as the only supported method and UDP ASSOCIATE recognized-and-rejected.
package socks5

import (
	"encoding/binary"
	"fmt"

	"sstunnel/internal/addrheader"
	"sstunnel/internal/ioerr"
)

const (
	Version byte = 0x05

	methodNoAuth      byte = 0x00
	methodNoAcceptable byte = 0xff

	CmdConnect     byte = 0x01
	CmdBind        byte = 0x02
	CmdUDPAssociate byte = 0x03

	ReplySucceeded       byte = 0x00
	ReplyCmdNotSupported byte = 0x07
)

// ParseMethodRequest validates VER(1)|NMETHODS(1)|METHODS(n) and reports
// whether "no authentication" (0x00) is among the offered methods. Returns
// ioerr.ErrShortRead while buf is incomplete, per spec.md §4.5.
func ParseMethodRequest(buf []byte) (noAuthOffered bool, consumed int, err error) {
	if len(buf) < 2 {
		return false, 0, ioerr.ErrShortRead
	}
	if buf[0] != Version {
		return false, 0, fmt.Errorf("%w: bad SOCKS version 0x%02x", ioerr.ErrProtocol, buf[0])
	}
	n := int(buf[1])
	total := 2 + n
	if len(buf) < total {
		return false, 0, ioerr.ErrShortRead
	}
	for _, m := range buf[2:total] {
		if m == methodNoAuth {
			noAuthOffered = true
		}
	}
	return noAuthOffered, total, nil
}

// EncodeMethodReply emits VER|METHOD for the negotiation result.
func EncodeMethodReply(accepted bool) []byte {
	if accepted {
		return []byte{Version, methodNoAuth}
	}
	return []byte{Version, methodNoAcceptable}
}

// Request is a parsed SOCKS5 CONNECT/BIND/UDP-ASSOCIATE request.
type Request struct {
	Cmd    byte
	Header addrheader.Header

	// Consumed is the total bytes occupied: VER|CMD|RSV|ATYP|ADDR|PORT.
	Consumed int
}

// ParseRequest validates VER|CMD|RSV|ATYP|ADDR|PORT. CmdUDPAssociate is
// returned with ioerr.ErrUnsupported rather than ErrProtocol so the caller
// can still emit a SOCKS5 rejection reply before tearing the link down
// (spec.md §7). Any other malformed shape is ErrProtocol. Incomplete input
// is ErrShortRead.
func ParseRequest(buf []byte) (Request, error) {
	if len(buf) < 4 {
		return Request{}, ioerr.ErrShortRead
	}
	if buf[0] != Version {
		return Request{}, fmt.Errorf("%w: bad SOCKS version 0x%02x", ioerr.ErrProtocol, buf[0])
	}
	cmd := buf[1]
	if buf[2] != 0x00 {
		return Request{}, fmt.Errorf("%w: RSV must be 0x00", ioerr.ErrProtocol)
	}
	switch cmd {
	case CmdConnect:
	case CmdUDPAssociate:
		// Still need a complete header to know how many bytes to consume.
		h, err := addrheader.Parse(buf[3:])
		if err != nil {
			return Request{}, err
		}
		return Request{Cmd: cmd, Header: h, Consumed: 3 + h.Len}, ioerr.ErrUnsupported
	default:
		return Request{}, fmt.Errorf("%w: unsupported CMD 0x%02x", ioerr.ErrProtocol, cmd)
	}

	h, err := addrheader.Parse(buf[3:])
	if err != nil {
		return Request{}, err
	}
	return Request{Cmd: cmd, Header: h, Consumed: 3 + h.Len}, nil
}

// EncodeReply emits a CONNECT reply with the given status and bound address.
// bndAddr is the raw ATYP|ADDR|PORT bytes (from addrheader.Encode/EncodeDomain).
func EncodeReply(status byte, bndAddr []byte) []byte {
	out := make([]byte, 0, 3+len(bndAddr))
	out = append(out, Version, status, 0x00)
	out = append(out, bndAddr...)
	return out
}

// EncodeUnsupportedReply emits a fixed CONNECT reply for a rejected command,
// with a zeroed IPv4 bound address as RFC 1928 §6 permits for error replies.
func EncodeUnsupportedReply() []byte {
	out := make([]byte, 10)
	out[0] = Version
	out[1] = ReplyCmdNotSupported
	out[3] = byte(addrheader.IPv4)
	binary.BigEndian.PutUint16(out[8:], 0)
	return out
}
