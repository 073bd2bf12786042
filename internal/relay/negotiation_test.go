package relay

import (
	"errors"
	"testing"
	"time"

	"sstunnel/internal/ioerr"
)

func newTestLink(role Role) *Link {
	key := make([]byte, 32)
	return New(role, 3, 256, 320, key, time.Now())
}

func TestAdvanceSocks5AuthWaitsOnShortRead(t *testing.T) {
	l := newTestLink(RoleLocal)
	l.Plaintext.Append([]byte{0x05})

	_, err := AdvanceSocks5Auth(l)
	if !errors.Is(err, ioerr.ErrShortRead) {
		t.Fatalf("err = %v, want ErrShortRead", err)
	}
	if l.State.has(FlagSocks5AuthReqReceived) {
		t.Fatalf("flag set on short read")
	}
}

func TestAdvanceSocks5AuthConsumesAndSetsFlag(t *testing.T) {
	l := newTestLink(RoleLocal)
	l.Plaintext.Append([]byte{0x05, 0x01, 0x00})
	l.Plaintext.Append([]byte("trailing"))

	offered, err := AdvanceSocks5Auth(l)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !offered {
		t.Fatalf("noAuthOffered = false, want true")
	}
	if !l.State.has(FlagSocks5AuthReqReceived) {
		t.Fatalf("flag not set")
	}
	if string(l.Plaintext.Bytes()) != "trailing" {
		t.Fatalf("Plaintext = %q, want only trailing bytes left", l.Plaintext.Bytes())
	}
}

func TestAdvanceSocks5ConnectLeavesHeaderInPlaintext(t *testing.T) {
	l := newTestLink(RoleLocal)
	// VER|CMD|RSV|ATYP(IPv4)|ADDR|PORT, plus one trailing payload byte.
	req := []byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0x01, 0xbb}
	l.Plaintext.Append(req)
	l.Plaintext.Append([]byte{0x99})

	got, err := AdvanceSocks5Connect(l)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !l.State.has(FlagSocks5CmdReqReceived) {
		t.Fatalf("flag not set")
	}
	if l.SSHeaderLen != got.Header.Len {
		t.Fatalf("SSHeaderLen = %d, want %d", l.SSHeaderLen, got.Header.Len)
	}
	// Only the 3-byte VER|CMD|RSV prefix should have been consumed: the
	// header (ATYP|ADDR|PORT) and the trailing payload byte remain.
	wantRemaining := len(req) - 3 + 1
	if l.Plaintext.Len() != wantRemaining {
		t.Fatalf("Plaintext.Len() = %d, want %d", l.Plaintext.Len(), wantRemaining)
	}
	if l.Plaintext.Bytes()[0] != 0x01 { // ATYP still present
		t.Fatalf("header ATYP byte missing from Plaintext, got %v", l.Plaintext.Bytes())
	}
}

func TestAdvanceSocks5ConnectUDPAssociateConsumesAndFlagsUnsupported(t *testing.T) {
	l := newTestLink(RoleLocal)
	req := []byte{0x05, 0x03, 0x00, 0x01, 127, 0, 0, 1, 0x01, 0xbb}
	l.Plaintext.Append(req)

	_, err := AdvanceSocks5Connect(l)
	if !errors.Is(err, ioerr.ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
	if !l.State.has(FlagSocks5CmdReqReceived) || !l.State.has(FlagSSUDP) {
		t.Fatalf("expected both CmdReqReceived and SSUDP flags set, got %v", l.State)
	}
	if l.Plaintext.Len() != 0 {
		t.Fatalf("Plaintext.Len() = %d, want 0 (full request consumed)", l.Plaintext.Len())
	}
}

func TestAdvanceSocks5ConnectProtocolErrorConsumesNothing(t *testing.T) {
	l := newTestLink(RoleLocal)
	req := []byte{0x05, 0x02, 0x00, 0x01, 127, 0, 0, 1, 0x01, 0xbb} // CmdBind
	l.Plaintext.Append(req)

	_, err := AdvanceSocks5Connect(l)
	if !errors.Is(err, ioerr.ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol", err)
	}
	if l.Plaintext.Len() != len(req) {
		t.Fatalf("Plaintext.Len() = %d, want %d (untouched)", l.Plaintext.Len(), len(req))
	}
}

func TestAdvanceShadowsocksHeaderConsumesOnlyHeader(t *testing.T) {
	l := newTestLink(RoleServer)
	header := []byte{0x01, 127, 0, 0, 1, 0x01, 0xbb}
	l.Plaintext.Append(header)
	l.Plaintext.Append([]byte("payload"))

	h, err := AdvanceShadowsocksHeader(l)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !l.State.has(FlagSSHeaderReceived) {
		t.Fatalf("flag not set")
	}
	if l.SSHeaderLen != h.Len || h.Len != len(header) {
		t.Fatalf("SSHeaderLen = %d, want %d", l.SSHeaderLen, len(header))
	}
	if string(l.Plaintext.Bytes()) != "payload" {
		t.Fatalf("Plaintext = %q, want only payload left", l.Plaintext.Bytes())
	}
}

func TestAdvanceShadowsocksHeaderWaitsOnShortRead(t *testing.T) {
	l := newTestLink(RoleServer)
	l.Plaintext.Append([]byte{0x01, 127, 0})

	_, err := AdvanceShadowsocksHeader(l)
	if !errors.Is(err, ioerr.ErrShortRead) {
		t.Fatalf("err = %v, want ErrShortRead", err)
	}
}

func TestMarkReplySentHelpers(t *testing.T) {
	l := newTestLink(RoleLocal)
	MarkAuthReplySent(l)
	MarkCmdReplySent(l)
	if !l.State.has(FlagSocks5AuthReplySent) || !l.State.has(FlagSocks5CmdReplySent) {
		t.Fatalf("reply-sent flags not set: %v", l.State)
	}
}
