package shadowsocks

import (
	"context"
	"errors"
	"net"
	"testing"

	"sstunnel/internal/ioerr"
)

func TestParseHeaderDomainLen(t *testing.T) {
	buf := []byte{0x03, 0x0b, 'e', 'x', 'a', 'm', 'p', 'l', 'e', '.', 'c', 'o', 'm', 1, 187}
	h, err := ParseHeader(buf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if h.Len != 15 {
		t.Fatalf("len = %d, want 15", h.Len)
	}
}

func TestParseHeaderShortRead(t *testing.T) {
	if _, err := ParseHeader([]byte{0x01, 1, 2}); !errors.Is(err, ioerr.ErrShortRead) {
		t.Fatalf("err = %v, want ErrShortRead", err)
	}
}

type fakeResolver struct {
	addrs []net.Addr
	err   error
}

func (f fakeResolver) Resolve(context.Context, string, uint16) ([]net.Addr, error) {
	return f.addrs, f.err
}

func TestResolveUnresolvableDomain(t *testing.T) {
	domain := "does.not.resolve"
	buf := append([]byte{0x03, byte(len(domain))}, domain...)
	buf = append(buf, 1, 1)
	h, err := ParseHeader(buf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	wantErr := errors.New("no such host")
	_, err = Resolve(context.Background(), fakeResolver{err: wantErr}, h)
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
}
