package relay

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"sstunnel/internal/addrheader"
	"sstunnel/internal/rawsock"
	"sstunnel/internal/socks5"
)

func socks5EncodeMethodReplyAccepted() []byte {
	return socks5.EncodeMethodReply(true)
}

func socks5EncodeUnsupportedReply() []byte {
	return socks5.EncodeUnsupportedReply()
}

func socks5EncodeConnectReply(bnd netip.AddrPort) []byte {
	return socks5.EncodeReply(socks5.ReplySucceeded, addrheader.Encode(bnd.Addr(), bnd.Port()))
}

func localBoundAddr(fd int) (netip.AddrPort, error) {
	return rawsock.LocalAddr(fd)
}

// resolveHostPort resolves a "host:port" string (as found in a local-role
// config's server_address) to an ordered list of dial candidates.
func resolveHostPort(hostport string) ([]netip.AddrPort, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, fmt.Errorf("parse server_address %s: %w", hostport, err)
	}
	if ap, err := netip.ParseAddrPort(hostport); err == nil {
		return []netip.AddrPort{ap}, nil
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return nil, fmt.Errorf("parse port %s: %w", portStr, err)
	}
	ips, err := net.DefaultResolver.LookupIP(context.Background(), "ip", host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	out := make([]netip.AddrPort, 0, len(ips))
	for _, ip := range ips {
		if a, ok := netip.AddrFromSlice(ip); ok {
			out = append(out, netip.AddrPortFrom(a.Unmap(), port))
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no addresses resolved for %s", host)
	}
	return out, nil
}

// netAddrToAddrPort converts a net.Addr (as produced by shadowsocks.Resolve)
// to a netip.AddrPort for rawsock.Dial.
func netAddrToAddrPort(a net.Addr, port uint16) (netip.AddrPort, bool) {
	tcp, ok := a.(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}, false
	}
	addr, ok := netip.AddrFromSlice(tcp.IP)
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(addr.Unmap(), port), true
}
