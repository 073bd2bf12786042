package linkreg

import (
	"testing"
	"time"
)

type fakeLink struct {
	localFd, serverFd int
	lastActivity      time.Time
	connected         bool
}

func (f *fakeLink) LocalFd() int             { return f.localFd }
func (f *fakeLink) ServerFd() int            { return f.serverFd }
func (f *fakeLink) LastActivity() time.Time  { return f.lastActivity }
func (f *fakeLink) ServerConnected() bool    { return f.connected }

func TestAddLookupRemove(t *testing.T) {
	r := New(time.Second, time.Second)
	l := &fakeLink{localFd: 5, serverFd: -1}
	r.Add(l)
	if got := r.Lookup(5); got != l {
		t.Fatalf("lookup by localFd failed")
	}
	r.Remove(l)
	if got := r.Lookup(5); got != nil {
		t.Fatalf("link still present after remove: %v", got)
	}
}

func TestMaybeReapGatedByReadTimeout(t *testing.T) {
	r := New(time.Minute, 10*time.Millisecond)
	now := time.Now()
	stale := &fakeLink{localFd: 1, serverFd: 2, connected: true, lastActivity: now.Add(-time.Hour)}
	r.Add(stale)

	expired := r.MaybeReap(now)
	if len(expired) != 1 || expired[0] != stale {
		t.Fatalf("first reap expired = %v, want [stale]", expired)
	}

	// Second call immediately after must be gated (no time has passed).
	expired = r.MaybeReap(now)
	if expired != nil {
		t.Fatalf("reap ran again before readTimeout elapsed: %v", expired)
	}
}

func TestMaybeReapUsesConnectTimeoutWhenNotConnected(t *testing.T) {
	r := New(5*time.Millisecond, time.Hour)
	now := time.Now()
	connecting := &fakeLink{localFd: 1, serverFd: -1, connected: false, lastActivity: now.Add(-time.Second)}
	r.Add(connecting)

	expired := r.MaybeReap(now)
	if len(expired) != 1 {
		t.Fatalf("expired = %v, want the connecting link reaped via connect timeout", expired)
	}
}

func TestMaybeReapSparesFreshLinks(t *testing.T) {
	r := New(time.Minute, time.Millisecond)
	now := time.Now()
	fresh := &fakeLink{localFd: 1, serverFd: 2, connected: true, lastActivity: now}
	r.Add(fresh)

	if expired := r.MaybeReap(now); expired != nil {
		t.Fatalf("expired = %v, want none", expired)
	}
}
