package addrheader

import (
	"errors"
	"net/netip"
	"testing"

	"sstunnel/internal/ioerr"
)

func TestParseDomainHeaderLen(t *testing.T) {
	// ATYP=3, len=11, "example.com", port 443 — the spec.md §8 round-trip law.
	buf := []byte{0x03, 0x0b, 'e', 'x', 'a', 'm', 'p', 'l', 'e', '.', 'c', 'o', 'm', 1, 187}
	h, err := Parse(buf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if h.Len != 15 {
		t.Fatalf("len = %d, want 15", h.Len)
	}
	if h.Domain != "example.com" || h.Port != 443 {
		t.Fatalf("domain=%q port=%d", h.Domain, h.Port)
	}
}

func TestParseIPv4(t *testing.T) {
	buf := []byte{0x01, 127, 0, 0, 1, 0, 80}
	h, err := Parse(buf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if h.Len != 7 || h.Port != 80 || h.IP != netip.MustParseAddr("127.0.0.1") {
		t.Fatalf("got %+v", h)
	}
}

func TestParseShortReadNotError(t *testing.T) {
	cases := [][]byte{
		{},
		{0x01, 127, 0},
		{0x03, 0x05, 'a', 'b'},
	}
	for _, buf := range cases {
		if _, err := Parse(buf); !errors.Is(err, ioerr.ErrShortRead) {
			t.Fatalf("Parse(%v) err = %v, want ErrShortRead", buf, err)
		}
	}
}

func TestParseUnsupportedATYP(t *testing.T) {
	if _, err := Parse([]byte{0x02, 0, 0, 0}); !errors.Is(err, ioerr.ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol", err)
	}
}

func TestEncodeIPv4RoundTrip(t *testing.T) {
	addr := netip.MustParseAddr("93.184.216.34")
	buf := Encode(addr, 80)
	h, err := Parse(buf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if h.IP != addr || h.Port != 80 {
		t.Fatalf("got %+v", h)
	}
}

func TestEncodeDomainRoundTrip(t *testing.T) {
	buf, err := EncodeDomain("example.com", 443)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	h, err := Parse(buf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if h.Domain != "example.com" || h.Port != 443 {
		t.Fatalf("got %+v", h)
	}
}
