// Package shadowsocks implements the server-role address header parse of
// spec.md §4.5: the first plaintext bytes of a shadowsocks TCP stream are an
// ATYP|ADDR|PORT header, identical in shape to the SOCKS5 address portion,
// telling the server which origin to connect to.
package shadowsocks

import (
	"context"
	"fmt"
	"net"

	"sstunnel/internal/addrheader"
)

// Resolver is the address-resolution collaborator spec.md §6 leaves
// external. DefaultResolver below implements it over the standard library's
// net.DefaultResolver.LookupIP.
type Resolver interface {
	// Resolve returns ordered candidate addresses for host:port.
	Resolve(ctx context.Context, host string, port uint16) ([]net.Addr, error)
}

// DefaultResolver backs Resolver with net.DefaultResolver.
type DefaultResolver struct{}

func (DefaultResolver) Resolve(ctx context.Context, host string, port uint16) ([]net.Addr, error) {
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	out := make([]net.Addr, 0, len(ips))
	for _, ip := range ips {
		out = append(out, &net.TCPAddr{IP: ip, Port: int(port)})
	}
	return out, nil
}

// ParseHeader parses the address header at the front of plaintext. It
// returns the same addrheader.Header the SOCKS5 codec produces, whose Len
// field is the header's byte length (ss_header_len in spec.md §3), or
// ErrShortRead while incomplete.
func ParseHeader(plaintext []byte) (addrheader.Header, error) {
	return addrheader.Parse(plaintext)
}

// Resolve resolves the parsed header's host:port via r, returning the
// ordered candidate list to store as remote_addrinfos (spec.md §3).
func Resolve(ctx context.Context, r Resolver, h addrheader.Header) ([]net.Addr, error) {
	return r.Resolve(ctx, h.Host(), h.Port)
}
