// Package addrheader implements the ATYP|ADDR|PORT shape shared, byte for
// byte, by SOCKS5's address portion and the shadowsocks address header
// (spec.md §4.5). Both socks5 and shadowsocks packages parse and emit
// through this one codec.
package addrheader

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"sstunnel/internal/ioerr"
)

// Type is the SOCKS5/shadowsocks ATYP value.
type Type byte

const (
	IPv4   Type = 0x01
	Domain Type = 0x03
	IPv6   Type = 0x04
)

// Header is a parsed ATYP|ADDR|PORT address header.
type Header struct {
	Type   Type
	IP     netip.Addr // valid when Type is IPv4 or IPv6
	Domain string     // valid when Type is Domain
	Port   uint16

	// Len is the total byte length this header occupied in the source
	// buffer: 1 (ATYP) + addr bytes + 2 (PORT).
	Len int
}

// Host returns the address or domain as a string suitable for net.Dial.
func (h Header) Host() string {
	if h.Type == Domain {
		return h.Domain
	}
	return h.IP.String()
}

// Parse reads one address header from the front of buf. It returns
// ioerr.ErrShortRead if buf does not yet contain a complete header — the
// caller must wait for more bytes, not fail the link (spec.md §4.5, §9).
func Parse(buf []byte) (Header, error) {
	if len(buf) < 1 {
		return Header{}, ioerr.ErrShortRead
	}
	atyp := Type(buf[0])

	var addrLen int
	switch atyp {
	case IPv4:
		addrLen = 4
	case IPv6:
		addrLen = 16
	case Domain:
		if len(buf) < 2 {
			return Header{}, ioerr.ErrShortRead
		}
		addrLen = 1 + int(buf[1])
	default:
		return Header{}, fmt.Errorf("%w: unsupported ATYP 0x%02x", ioerr.ErrProtocol, buf[0])
	}

	total := 1 + addrLen + 2
	if len(buf) < total {
		return Header{}, ioerr.ErrShortRead
	}

	h := Header{Type: atyp, Len: total}
	switch atyp {
	case IPv4:
		h.IP = netip.AddrFrom4([4]byte(buf[1:5]))
		h.Port = binary.BigEndian.Uint16(buf[5:7])
	case IPv6:
		h.IP = netip.AddrFrom16([16]byte(buf[1:17]))
		h.Port = binary.BigEndian.Uint16(buf[17:19])
	case Domain:
		n := int(buf[1])
		h.Domain = string(buf[2 : 2+n])
		h.Port = binary.BigEndian.Uint16(buf[2+n : 2+n+2])
	}
	return h, nil
}

// Encode emits the wire form of an IPv4 or IPv6 address header for addr:port.
func Encode(addr netip.Addr, port uint16) []byte {
	if addr.Is4() {
		out := make([]byte, 0, 7)
		out = append(out, byte(IPv4))
		a4 := addr.As4()
		out = append(out, a4[:]...)
		out = binary.BigEndian.AppendUint16(out, port)
		return out
	}
	out := make([]byte, 0, 19)
	out = append(out, byte(IPv6))
	a16 := addr.As16()
	out = append(out, a16[:]...)
	out = binary.BigEndian.AppendUint16(out, port)
	return out
}

// EncodeDomain emits the wire form of a domain address header.
func EncodeDomain(host string, port uint16) ([]byte, error) {
	if len(host) > 255 {
		return nil, fmt.Errorf("%w: domain too long", ioerr.ErrProtocol)
	}
	out := make([]byte, 0, 4+len(host))
	out = append(out, byte(Domain), byte(len(host)))
	out = append(out, host...)
	out = binary.BigEndian.AppendUint16(out, port)
	return out, nil
}
