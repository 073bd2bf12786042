package relay

import (
	"sstunnel/internal/addrheader"
	"sstunnel/internal/ioerr"
	"sstunnel/internal/socks5"
)

// AdvanceSocks5Auth attempts to parse a SOCKS5 method request from the
// local-role link's Plaintext buffer. On success it consumes the request
// bytes and sets FlagSocks5AuthReqReceived, returning whether "no
// authentication" was among the offered methods. It returns
// ioerr.ErrShortRead, unmodified, while the buffer is incomplete — the
// caller must re-register readability and wait (spec.md §4.5, §9).
func AdvanceSocks5Auth(l *Link) (noAuthOffered bool, err error) {
	noAuthOffered, consumed, err := socks5.ParseMethodRequest(l.Plaintext.Bytes())
	if err != nil {
		return false, err
	}
	if err := l.Plaintext.Consume(consumed); err != nil {
		return false, err
	}
	l.State = l.State.Set(FlagSocks5AuthReqReceived)
	return noAuthOffered, nil
}

// MarkAuthReplySent records that the engine has written the auth reply.
func MarkAuthReplySent(l *Link) { l.State = l.State.Set(FlagSocks5AuthReplySent) }

// AdvanceSocks5Connect attempts to parse a SOCKS5 CONNECT/UDP-ASSOCIATE
// request from Plaintext. On a successful CONNECT parse, it consumes only
// the leading VER|CMD|RSV triple (3 bytes) — the remaining ATYP|ADDR|PORT
// bytes are left in place in Plaintext, since spec.md §4.5's pivot treats
// them as the first shadowsocks-header bytes that will be forwarded through
// the ordinary encrypt pipeline as soon as the connect to the shadowsocks
// peer completes (Engine.completeConnect; see DESIGN.md for why this
// resolves spec.md §4.2's Prepend
// ambiguity without a second, role-crossing Prepend call).
//
// On ioerr.ErrUnsupported (UDP ASSOCIATE), the full request (including its
// address header) is consumed and FlagSocks5CmdReqReceived is still set, so
// the engine can emit a rejection reply before destroying the link. On
// ioerr.ErrProtocol, nothing is consumed; the caller destroys the link.
func AdvanceSocks5Connect(l *Link) (socks5.Request, error) {
	req, err := socks5.ParseRequest(l.Plaintext.Bytes())
	switch {
	case err == nil:
		if cerr := l.Plaintext.Consume(3); cerr != nil {
			return req, cerr
		}
		l.State = l.State.Set(FlagSocks5CmdReqReceived)
		l.SSHeaderLen = req.Header.Len
		return req, nil
	case err == ioerr.ErrUnsupported:
		if cerr := l.Plaintext.Consume(req.Consumed); cerr != nil {
			return req, cerr
		}
		l.State = l.State.Set(FlagSocks5CmdReqReceived).Set(FlagSSUDP)
		return req, err
	default:
		return req, err
	}
}

// MarkCmdReplySent records that the engine has written the CONNECT reply.
func MarkCmdReplySent(l *Link) { l.State = l.State.Set(FlagSocks5CmdReplySent) }

// AdvanceShadowsocksHeader attempts to parse the shadowsocks address header
// from the server-role link's (decrypted) Plaintext buffer. On success it
// consumes exactly the header's bytes, sets FlagSSHeaderReceived, and
// records SSHeaderLen. Any bytes following the header remain in Plaintext
// as origin-bound application payload. Returns ioerr.ErrShortRead while
// incomplete.
func AdvanceShadowsocksHeader(l *Link) (addrheader.Header, error) {
	h, err := addrheader.Parse(l.Plaintext.Bytes())
	if err != nil {
		return h, err
	}
	if err := l.Plaintext.Consume(h.Len); err != nil {
		return h, err
	}
	l.State = l.State.Set(FlagSSHeaderReceived)
	l.SSHeaderLen = h.Len
	return h, nil
}
