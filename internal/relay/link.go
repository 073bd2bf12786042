package relay

import (
	"net"
	"time"

	"sstunnel/internal/cipherpipe"
	"sstunnel/internal/pairedbuffer"
)

// Role is fixed for the lifetime of a link (spec.md §3 invariant 4).
type Role int

const (
	RoleLocal Role = iota
	RoleServer
)

// Link is the central entity of spec.md §3: one instance per client<->server
// pair, joining a local socket and a server/origin socket plus the buffers,
// cipher directions, and state bitset tying them together.
type Link struct {
	State Flags
	Role  Role

	localFd  int // -1 means unbound; always set first
	serverFd int // -1 means unbound

	Plaintext  *pairedbuffer.Buffer
	Ciphertext *pairedbuffer.Buffer

	// SSHeaderLen is the byte length of the shadowsocks address header tied
	// to this link, set once during negotiation.
	SSHeaderLen int

	// Encrypt/Decrypt are the two per-direction streaming cipher contexts.
	// On the local role: Encrypt is client->server, Decrypt is server->client.
	// On the server role the directions are swapped (spec.md §4.4).
	Encrypt *cipherpipe.Direction
	Decrypt *cipherpipe.Direction

	// RemoteAddrs holds resolved candidates for the origin (server role) or
	// the shadowsocks peer (local role), in resolution order.
	RemoteAddrs []net.Addr

	lastActivity time.Time
}

// New constructs a Link for role with the given buffer capacities and two
// not-yet-keyed cipher directions, both bound to key. localFd is always set
// first, per spec.md §3; serverFd starts unbound.
func New(role Role, localFd int, textBufSize, cipherBufSize int, key []byte, now time.Time) *Link {
	l := &Link{
		Role:         role,
		localFd:      localFd,
		serverFd:     -1,
		Plaintext:    pairedbuffer.New(textBufSize),
		Ciphertext:   pairedbuffer.New(cipherBufSize),
		Encrypt:      cipherpipe.NewDirection(key),
		Decrypt:      cipherpipe.NewDirection(key),
		lastActivity: now,
	}
	if role == RoleLocal {
		l.State = FlagSSClient.Set(FlagLocalConnected)
	} else {
		l.State = FlagSSServer.Set(FlagLocalConnected)
	}
	return l
}

// LocalFd satisfies linkreg.Link.
func (l *Link) LocalFd() int { return l.localFd }

// ServerFd satisfies linkreg.Link.
func (l *Link) ServerFd() int { return l.serverFd }

// SetServerFd binds the server/origin fd once the connect succeeds or is
// issued non-blocking.
func (l *Link) SetServerFd(fd int) { l.serverFd = fd }

// ServerConnected satisfies linkreg.Link: true once FlagServerConnected is set.
func (l *Link) ServerConnected() bool { return l.State.has(FlagServerConnected) }

// LastActivity satisfies linkreg.Link.
func (l *Link) LastActivity() time.Time { return l.lastActivity }

// Touch updates LastActivity; called after every successful recv or send
// (spec.md §3).
func (l *Link) Touch(now time.Time) { l.lastActivity = now }

// IsLocalRole reports whether this link plays the SOCKS5-speaking near side.
func (l *Link) IsLocalRole() bool { return l.Role == RoleLocal }

// Unbound reports whether both fds are -1 — a link in this state must not
// appear in the registry (spec.md §3 invariant 1).
func (l *Link) Unbound() bool { return l.localFd < 0 && l.serverFd < 0 }
