package socks5

import (
	"bytes"
	"errors"
	"testing"

	"sstunnel/internal/ioerr"
)

func TestMethodNegotiationRoundTrip(t *testing.T) {
	// spec.md §8: parsing and re-emitting [05,01,00] yields [05,00].
	ok, n, err := ParseMethodRequest([]byte{0x05, 0x01, 0x00})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !ok || n != 3 {
		t.Fatalf("ok=%v n=%d, want true 3", ok, n)
	}
	reply := EncodeMethodReply(ok)
	if !bytes.Equal(reply, []byte{0x05, 0x00}) {
		t.Fatalf("reply = %v, want [05 00]", reply)
	}
}

func TestMethodNegotiationNoAuthMissing(t *testing.T) {
	ok, n, err := ParseMethodRequest([]byte{0x05, 0x01, 0x02})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ok || n != 3 {
		t.Fatalf("ok=%v n=%d, want false 3", ok, n)
	}
	reply := EncodeMethodReply(ok)
	if !bytes.Equal(reply, []byte{0x05, 0xff}) {
		t.Fatalf("reply = %v, want [05 ff]", reply)
	}
}

func TestMethodNegotiationShortRead(t *testing.T) {
	cases := [][]byte{{}, {0x05}, {0x05, 0x02, 0x00}}
	for _, buf := range cases {
		if _, _, err := ParseMethodRequest(buf); !errors.Is(err, ioerr.ErrShortRead) {
			t.Fatalf("ParseMethodRequest(%v) err = %v, want ErrShortRead", buf, err)
		}
	}
}

func TestParseRequestIPv4ShadowsocksHeaderPivot(t *testing.T) {
	// spec.md §8: CONNECT for 127.0.0.1:80 — after consuming VER|CMD|RSV,
	// the remaining bytes are exactly the shadowsocks header.
	buf := []byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0, 80}
	req, err := ParseRequest(buf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if req.Cmd != CmdConnect {
		t.Fatalf("cmd = %x", req.Cmd)
	}
	ssHeader := buf[3:req.Consumed]
	want := []byte{0x01, 127, 0, 0, 1, 0, 80}
	if !bytes.Equal(ssHeader, want) {
		t.Fatalf("ss header = %v, want %v", ssHeader, want)
	}
}

func TestParseRequestUDPAssociateRejected(t *testing.T) {
	buf := []byte{0x05, 0x03, 0x00, 0x01, 10, 0, 0, 1, 0, 53}
	_, err := ParseRequest(buf)
	if !errors.Is(err, ioerr.ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
}

func TestParseRequestShortReadWaitsForMoreBytes(t *testing.T) {
	buf := []byte{0x05, 0x01}
	_, err := ParseRequest(buf)
	if !errors.Is(err, ioerr.ErrShortRead) {
		t.Fatalf("err = %v, want ErrShortRead", err)
	}
}

func TestParseRequestBadRSV(t *testing.T) {
	buf := []byte{0x05, 0x01, 0x01, 0x01, 127, 0, 0, 1, 0, 80}
	_, err := ParseRequest(buf)
	if !errors.Is(err, ioerr.ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol", err)
	}
}

func TestEncodeUnsupportedReplyShape(t *testing.T) {
	reply := EncodeUnsupportedReply()
	if len(reply) != 10 || reply[0] != Version || reply[1] != ReplyCmdNotSupported {
		t.Fatalf("reply = %v", reply)
	}
}
