package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"sstunnel/internal/cipherpipe"
	"sstunnel/internal/config"
	"sstunnel/internal/ioerr"
	"sstunnel/internal/linkreg"
	"sstunnel/internal/logging"
	"sstunnel/internal/muxpoll"
	"sstunnel/internal/rawsock"
	"sstunnel/internal/shadowsocks"
	"sstunnel/internal/socks5"
)

// Engine drives the readiness-multiplexer events of spec.md §4.6 to
// completion for every link it owns. One Engine runs one role (local or
// server) for the lifetime of the process, mirroring the teacher's
// presentation/{client,server} split at the cmd layer (SPEC_FULL.md §2.2).
type Engine struct {
	table    *muxpoll.Table
	registry *linkreg.Registry
	logger   logging.Logger

	listenFd int
	role     Role
	cfg      config.Shared
	key      []byte

	// dialTargets resolves the addresses to dial once negotiation on a
	// link's near side has determined where it should connect: the fixed
	// shadowsocks peer for the local role, or the shadowsocks header's
	// origin for the server role.
	dialTargets func(l *Link) ([]netip.AddrPort, error)
}

// NewLocalEngine builds the Engine for the SOCKS5-facing local role.
func NewLocalEngine(cfg *config.LocalConf, logger logging.Logger) (*Engine, error) {
	serverAP, err := resolveHostPort(cfg.ServerAddress)
	if err != nil {
		return nil, fmt.Errorf("resolve server_address %s: %w", cfg.ServerAddress, err)
	}
	e, err := newEngine(RoleLocal, cfg.Shared, cfg.ListenAddress, logger)
	if err != nil {
		return nil, err
	}
	e.dialTargets = func(*Link) ([]netip.AddrPort, error) { return serverAP, nil }
	return e, nil
}

// NewServerEngine builds the Engine for the origin-facing server role.
func NewServerEngine(cfg *config.ServerConf, logger logging.Logger) (*Engine, error) {
	e, err := newEngine(RoleServer, cfg.Shared, cfg.ListenAddress, logger)
	if err != nil {
		return nil, err
	}
	resolver := shadowsocks.DefaultResolver{}
	e.dialTargets = func(l *Link) ([]netip.AddrPort, error) {
		h, err := AdvanceShadowsocksHeader(l)
		if err != nil {
			return nil, err
		}
		addrs, err := shadowsocks.Resolve(context.Background(), resolver, h)
		if err != nil {
			return nil, err
		}
		out := make([]netip.AddrPort, 0, len(addrs))
		for _, a := range addrs {
			if ap, ok := netAddrToAddrPort(a, h.Port); ok {
				out = append(out, ap)
			}
		}
		return out, nil
	}
	return e, nil
}

func newEngine(role Role, shared config.Shared, listenAddress string, logger logging.Logger) (*Engine, error) {
	key, err := cipherpipe.DeriveKey(shared.Passphrase)
	if err != nil {
		return nil, err
	}
	ap, err := netip.ParseAddrPort(listenAddress)
	if err != nil {
		return nil, fmt.Errorf("listen_address %s: %w", listenAddress, err)
	}
	listenFd, err := rawsock.Listen(ap)
	if err != nil {
		return nil, err
	}
	table, err := muxpoll.New(2*shared.MaxConnection + 1)
	if err != nil {
		rawsock.Close(listenFd)
		return nil, err
	}
	if err := table.Ensure(listenFd, muxpoll.Readable); err != nil {
		table.Close()
		rawsock.Close(listenFd)
		return nil, err
	}
	return &Engine{
		table:    table,
		registry: linkreg.New(shared.ConnectTimeout(), shared.ReadTimeout()),
		logger:   logger,
		listenFd: listenFd,
		role:     role,
		cfg:      shared,
		key:      key,
	}, nil
}

// Run blocks, driving the event loop until ctx is cancelled or the
// readiness multiplexer returns a hard error.
func (e *Engine) Run(ctx context.Context) error {
	defer e.table.Close()
	defer rawsock.Close(e.listenFd)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		events, err := e.table.Wait(1000)
		if err != nil {
			return err
		}
		for _, ev := range events {
			e.dispatch(ev)
		}
		e.reap(time.Now())
	}
}

func (e *Engine) dispatch(ev muxpoll.Event) {
	if ev.Fd == e.listenFd {
		e.acceptOne()
		return
	}
	link, ok := e.registry.Lookup(ev.Fd).(*Link)
	if !ok || link == nil {
		e.table.Forget(ev.Fd)
		return
	}
	side := e.sideOf(link, ev.Fd)

	if ev.Events&muxpoll.Writable != 0 {
		if fd := link.ServerFd(); !link.ServerConnected() && side == sideFar {
			e.completeConnect(link, fd)
			return
		}
		e.onWritable(link, side)
	}
	if ev.Events&muxpoll.Readable != 0 {
		e.onReadable(link, side)
	}
}

// side identifies which physical fd of a link a readiness event concerns.
// sideNear is always the fd accepted first (Link.LocalFd); sideFar is the
// fd dialed after negotiation (Link.ServerFd).
type side int

const (
	sideNear side = iota
	sideFar
)

func (e *Engine) sideOf(l *Link, fd int) side {
	if fd == l.ServerFd() {
		return sideFar
	}
	return sideNear
}

// encryptedSide reports which side of l carries ciphertext: the far side
// for the local role (the shadowsocks peer), the near side for the server
// role (the shadowsocks client) — spec.md §4.4.
func (l *Link) encryptedSide() side {
	if l.Role == RoleLocal {
		return sideFar
	}
	return sideNear
}

func (e *Engine) acceptOne() {
	fd, _, err := rawsock.Accept(e.listenFd)
	if err != nil {
		if errors.Is(err, ioerr.ErrIO) {
			return
		}
		e.logger.Printf("accept: %v", err)
		return
	}
	if e.registry.Len() >= e.cfg.MaxConnection {
		rawsock.Close(fd)
		return
	}
	l := New(e.role, fd, e.cfg.TextBufSize, e.cfg.CipherBufSize, e.key, time.Now())
	e.registry.Add(l)
	if err := e.table.Ensure(fd, muxpoll.Readable); err != nil {
		e.destroyLink(l)
		return
	}
}

func (e *Engine) onReadable(l *Link, s side) {
	switch {
	case l.Role == RoleLocal && s == sideNear:
		e.readSocks5Client(l)
	case l.Role == RoleLocal && s == sideFar:
		e.readCiphertext(l, l.ServerFd())
	case l.Role == RoleServer && s == sideNear:
		e.readCiphertext(l, l.LocalFd())
	case l.Role == RoleServer && s == sideFar:
		e.readOrigin(l)
	}
	l.Touch(time.Now())
}

// readSocks5Client handles a readable event on the local role's near side:
// the SOCKS5 client. It drives the auth/connect negotiation to completion
// and, once the shadowsocks peer is connected, encrypts and forwards
// whatever ordinary application bytes arrive after it.
func (e *Engine) readSocks5Client(l *Link) {
	fd := l.LocalFd()
	n, err, retry := rawsock.Read(fd, l.Plaintext.Tail())
	if retry {
		return
	}
	if err != nil || n == 0 {
		e.destroyLink(l)
		return
	}
	if err := l.Plaintext.GrowBy(n); err != nil {
		e.destroyLink(l)
		return
	}
	if err := e.advanceLocalNegotiation(l); err != nil && !errors.Is(err, ioerr.ErrShortRead) {
		e.destroyLink(l)
		return
	}
	if l.ServerConnected() {
		e.encryptAndForward(l, l.ServerFd())
	}
}

// readOrigin handles a readable event on the server role's far side: the
// connected origin. It reads ordinary application bytes and encrypts and
// forwards them back to the shadowsocks client.
func (e *Engine) readOrigin(l *Link) {
	fd := l.ServerFd()
	n, err, retry := rawsock.Read(fd, l.Plaintext.Tail())
	if retry {
		return
	}
	if err != nil || n == 0 {
		e.destroyLink(l)
		return
	}
	if err := l.Plaintext.GrowBy(n); err != nil {
		e.destroyLink(l)
		return
	}
	e.encryptAndForward(l, l.LocalFd())
}

// advanceLocalNegotiation runs the local role's SOCKS5 state machine over
// whatever is newly available in Plaintext, issuing replies and the
// deferred connect to the shadowsocks peer as each phase completes.
func (e *Engine) advanceLocalNegotiation(l *Link) error {
	if !l.State.has(FlagSocks5AuthReqReceived) {
		offered, err := AdvanceSocks5Auth(l)
		if err != nil {
			return err
		}
		if !offered {
			e.sendExact(l.LocalFd(), socks5.EncodeMethodReply(false))
			return ioerr.ErrUnsupported
		}
		if err := e.sendExact(l.LocalFd(), socks5EncodeMethodReplyAccepted()); err != nil {
			return err
		}
		MarkAuthReplySent(l)
	}
	if !l.State.has(FlagSocks5CmdReqReceived) {
		_, err := AdvanceSocks5Connect(l)
		if err != nil && !errors.Is(err, ioerr.ErrUnsupported) {
			return err
		}
		if errors.Is(err, ioerr.ErrUnsupported) {
			e.sendExact(l.LocalFd(), socks5EncodeUnsupportedReply())
			return ioerr.ErrUnsupported
		}
		e.beginConnect(l)
	}
	return nil
}

func (e *Engine) beginConnect(l *Link) {
	targets, err := e.dialTargets(l)
	if err != nil {
		if errors.Is(err, ioerr.ErrShortRead) {
			return
		}
		e.destroyLink(l)
		return
	}
	if len(targets) == 0 {
		e.destroyLink(l)
		return
	}
	l.RemoteAddrs = make([]net.Addr, 0, len(targets))
	for _, t := range targets {
		l.RemoteAddrs = append(l.RemoteAddrs, net.TCPAddrFromAddrPort(t))
	}
	fd, ok, err := rawsock.Dial(targets[0])
	if err != nil {
		e.destroyLink(l)
		return
	}
	l.SetServerFd(fd)
	if ok {
		e.completeConnect(l, fd)
		return
	}
	if err := e.table.Ensure(fd, muxpoll.Writable); err != nil {
		e.destroyLink(l)
	}
}

func (e *Engine) completeConnect(l *Link, fd int) {
	if err := rawsock.ConnectResult(fd); err != nil {
		e.destroyLink(l)
		return
	}
	l.State = l.State.Set(FlagServerConnected)
	l.Touch(time.Now())

	if l.Role == RoleLocal {
		bnd, err := localBoundAddr(fd)
		if err != nil {
			e.destroyLink(l)
			return
		}
		if err := e.sendExact(l.LocalFd(), socks5EncodeConnectReply(bnd)); err != nil {
			e.destroyLink(l)
			return
		}
		MarkCmdReplySent(l)
		// The shadowsocks header bytes left in Plaintext by
		// AdvanceSocks5Connect must go out now, not wait for the next byte
		// from the SOCKS5 client: an origin protocol whose server speaks
		// first (SMTP, FTP, SSH) means the client may send nothing further
		// on its own, and the origin connect on the far end never starts
		// until this header arrives.
		e.encryptAndForward(l, fd)
		l.State = l.State.Set(FlagSSHeaderSent)
	} else {
		// Any trailing decrypted payload bytes after the shadowsocks
		// header belong to the origin now that it is connected.
		if l.Plaintext.Len() > 0 {
			e.flushPlaintextTo(l, fd)
		}
	}
	// Union, not replace: the header/trailing-payload flush above may have
	// just added Writable on fd to retry a stalled send, which Ensure would
	// otherwise wipe out.
	if err := e.table.Add(fd, muxpoll.Readable); err != nil {
		e.destroyLink(l)
		return
	}
	if err := e.table.Add(l.LocalFd(), muxpoll.Readable); err != nil {
		e.destroyLink(l)
	}
}

// readCiphertext handles a readable event on the encrypted side (the far
// side for the local role, the near side for the server role), feeding the
// partial IV if still pending, decrypting newly-arrived bytes into
// Plaintext, and — for the server role only — triggering the deferred
// origin connect once the shadowsocks header is complete.
func (e *Engine) readCiphertext(l *Link, fd int) {
	n, err, retry := rawsock.Read(fd, l.Ciphertext.Tail())
	if retry {
		return
	}
	if err != nil || n == 0 {
		e.destroyLink(l)
		return
	}
	if err := l.Ciphertext.GrowBy(n); err != nil {
		e.destroyLink(l)
		return
	}

	if !l.Decrypt.Ready() {
		consumed, err := l.Decrypt.Feed(l.Ciphertext.Bytes())
		if err != nil {
			e.destroyLink(l)
			return
		}
		if err := l.Ciphertext.Consume(consumed); err != nil {
			e.destroyLink(l)
			return
		}
		if !l.Decrypt.Ready() {
			return
		}
		l.State = l.State.Set(FlagIVReceived)
	}

	if l.Ciphertext.Len() > 0 {
		plain := make([]byte, l.Ciphertext.Len())
		l.Decrypt.Update(plain, l.Ciphertext.Bytes())
		if err := l.Plaintext.Append(plain); err != nil {
			e.destroyLink(l)
			return
		}
		if err := l.Ciphertext.Consume(len(plain)); err != nil {
			e.destroyLink(l)
			return
		}
	}

	if l.Role == RoleServer && !l.State.has(FlagSSHeaderReceived) {
		if l.ServerConnected() {
			return
		}
		e.beginConnect(l)
		return
	}

	if l.ServerConnected() {
		// The encrypted side just yielded fresh plaintext. For the local
		// role that plaintext came from the shadowsocks peer and is bound
		// for the SOCKS5 client (LocalFd); for the server role it came
		// from the shadowsocks client and is bound for the origin
		// (ServerFd).
		dst := l.LocalFd()
		if l.Role == RoleServer {
			dst = l.ServerFd()
		}
		e.flushPlaintextTo(l, dst)
	}
}

// flushPlaintextTo writes as much of l.Plaintext as fd accepts in one
// non-blocking send. A send that cannot fully drain pauses the producer fd
// (the one feeding this buffer) per the backpressure discipline of
// spec.md §4.6; a send that drains the buffer completely resumes it.
func (e *Engine) flushPlaintextTo(l *Link, fd int) {
	if l.Plaintext.Len() == 0 {
		return
	}
	consumerIsLocal := fd == l.LocalFd()
	n, err, retry := rawsock.Write(fd, l.Plaintext.Bytes())
	if retry {
		e.table.Add(fd, muxpoll.Writable)
		e.pauseProducer(l, consumerIsLocal)
		return
	}
	if err != nil {
		e.destroyLink(l)
		return
	}
	if cerr := l.Plaintext.Consume(n); cerr != nil {
		e.destroyLink(l)
		return
	}
	if l.Plaintext.Len() > 0 {
		e.table.Add(fd, muxpoll.Writable)
		e.pauseProducer(l, consumerIsLocal)
	} else {
		e.table.Remove(fd, muxpoll.Writable)
		e.resumeProducer(l, consumerIsLocal)
	}
}

// encryptAndForward encrypts everything newly read into l.Plaintext into
// Ciphertext, prepending the IV on the very first send for this direction,
// and attempts to flush it to fd: the shadowsocks peer (local role) or the
// shadowsocks client (server role).
func (e *Engine) encryptAndForward(l *Link, fd int) {
	if l.Plaintext.Len() == 0 {
		return
	}
	if !l.Encrypt.Ready() {
		iv, err := l.Encrypt.GenerateIV()
		if err != nil {
			e.destroyLink(l)
			return
		}
		if err := l.Ciphertext.Prepend(iv); err != nil {
			e.destroyLink(l)
			return
		}
		l.State = l.State.Set(FlagIVSent)
	}
	enc := make([]byte, l.Plaintext.Len())
	l.Encrypt.Update(enc, l.Plaintext.Bytes())
	if err := l.Ciphertext.Append(enc); err != nil {
		e.destroyLink(l)
		return
	}
	if err := l.Plaintext.Consume(len(enc)); err != nil {
		e.destroyLink(l)
		return
	}
	e.flushCiphertextTo(l, fd)
}

// flushCiphertextTo writes as much of l.Ciphertext as fd accepts in one
// non-blocking send, pausing or resuming the producer fd exactly as
// flushPlaintextTo does.
func (e *Engine) flushCiphertextTo(l *Link, fd int) {
	if l.Ciphertext.Len() == 0 {
		return
	}
	consumerIsLocal := fd == l.LocalFd()
	n, err, retry := rawsock.Write(fd, l.Ciphertext.Bytes())
	if retry {
		e.table.Add(fd, muxpoll.Writable)
		e.pauseProducer(l, consumerIsLocal)
		return
	}
	if err != nil {
		e.destroyLink(l)
		return
	}
	if cerr := l.Ciphertext.Consume(n); cerr != nil {
		e.destroyLink(l)
		return
	}
	if l.Ciphertext.Len() > 0 {
		e.table.Add(fd, muxpoll.Writable)
		e.pauseProducer(l, consumerIsLocal)
	} else {
		e.table.Remove(fd, muxpoll.Writable)
		e.resumeProducer(l, consumerIsLocal)
	}
}

// pauseProducer clears Readable on the fd feeding the buffer that fd just
// failed to fully drain, so a stalled consumer stops the engine from
// reading and encrypting further bytes it has nowhere to put (spec.md §4.6,
// "Partial and short writes"). consumerIsLocal reports whether the stalled
// send was to LocalFd (true) or ServerFd (false); the producer paused is
// always the other fd. Idempotent: a producer already paused is left alone.
func (e *Engine) pauseProducer(l *Link, consumerIsLocal bool) {
	if consumerIsLocal {
		if !l.State.has(FlagServerReadPending) {
			e.table.Remove(l.ServerFd(), muxpoll.Readable)
			l.State = l.State.Set(FlagServerReadPending)
		}
		l.State = l.State.Set(FlagLocalSendPending)
	} else {
		if !l.State.has(FlagLocalReadPending) {
			e.table.Remove(l.LocalFd(), muxpoll.Readable)
			l.State = l.State.Set(FlagLocalReadPending)
		}
		l.State = l.State.Set(FlagServerSendPending)
	}
}

// resumeProducer restores Readable on the producer fd paused by
// pauseProducer, once the consumer fd has fully drained its buffer.
func (e *Engine) resumeProducer(l *Link, consumerIsLocal bool) {
	if consumerIsLocal {
		l.State = l.State.Clear(FlagLocalSendPending)
		if l.State.has(FlagServerReadPending) {
			e.table.Add(l.ServerFd(), muxpoll.Readable)
			l.State = l.State.Clear(FlagServerReadPending)
		}
	} else {
		l.State = l.State.Clear(FlagServerSendPending)
		if l.State.has(FlagLocalReadPending) {
			e.table.Add(l.LocalFd(), muxpoll.Readable)
			l.State = l.State.Clear(FlagLocalReadPending)
		}
	}
}

// onWritable retries a stalled send once the consumer fd becomes writable
// again, resuming the producer fd's readability per the backpressure
// discipline of spec.md §4.6.
func (e *Engine) onWritable(l *Link, s side) {
	fd := l.LocalFd()
	if s == sideFar {
		fd = l.ServerFd()
	}
	if s == l.encryptedSide() {
		e.flushCiphertextTo(l, fd)
	} else {
		e.flushPlaintextTo(l, fd)
	}
	l.Touch(time.Now())
}

func (e *Engine) sendExact(fd int, buf []byte) error {
	for len(buf) > 0 {
		n, err, retry := rawsock.Write(fd, buf)
		if retry {
			continue
		}
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

func (e *Engine) destroyLink(l *Link) {
	e.table.Forget(l.LocalFd())
	rawsock.Close(l.LocalFd())
	if l.ServerFd() >= 0 {
		e.table.Forget(l.ServerFd())
		rawsock.Close(l.ServerFd())
	}
	e.registry.Remove(l)
}

func (e *Engine) reap(now time.Time) {
	for _, expired := range e.registry.MaybeReap(now) {
		if rl, ok := expired.(*Link); ok {
			e.destroyLink(rl)
		}
	}
}
