// Package linkreg implements the link registry and reaper of spec.md §4.3:
// an unordered set of links, lookup by either fd, and a reaper gated to run
// at most once per TCP_READ_TIMEOUT wall-clock interval.
package linkreg

import "time"

// Link is the minimal shape the registry needs to reap on idle timeout. The
// relay package's full Link satisfies this.
type Link interface {
	LocalFd() int
	ServerFd() int
	LastActivity() time.Time
	ServerConnected() bool
}

// Registry is a singly-linked set of active links. Cardinality is expected
// to track the readiness multiplexer's capacity (hundreds, not millions),
// so a linked list plus a linear lookup is an acceptable implementation,
// per spec.md §9.
type Registry struct {
	head *node

	connectTimeout time.Duration
	readTimeout    time.Duration
	lastReapAt     time.Time
}

type node struct {
	link Link
	next *node
}

// New creates a Registry with the given role-appropriate timeouts.
func New(connectTimeout, readTimeout time.Duration) *Registry {
	return &Registry{connectTimeout: connectTimeout, readTimeout: readTimeout}
}

// Add inserts l into the registry. Invariant: a link is in the registry iff
// at least one of its fds is >= 0 (spec.md §3 invariant 1); callers must not
// Add a link with both fds unbound.
func (r *Registry) Add(l Link) {
	r.head = &node{link: l, next: r.head}
}

// Remove unlinks l from the registry. O(n) scan, acceptable at this scale.
func (r *Registry) Remove(l Link) {
	var prev *node
	for n := r.head; n != nil; n = n.next {
		if n.link == l {
			if prev == nil {
				r.head = n.next
			} else {
				prev.next = n.next
			}
			return
		}
		prev = n
	}
}

// Lookup returns the link owning fd (as either LocalFd or ServerFd), or nil.
func (r *Registry) Lookup(fd int) Link {
	for n := r.head; n != nil; n = n.next {
		if n.link.LocalFd() == fd || n.link.ServerFd() == fd {
			return n.link
		}
	}
	return nil
}

// Len reports the current registry size.
func (r *Registry) Len() int {
	count := 0
	for n := r.head; n != nil; n = n.next {
		count++
	}
	return count
}

// All returns a snapshot slice of the currently-registered links, safe to
// range over while the registry itself is mutated (e.g. during reaping).
func (r *Registry) All() []Link {
	out := make([]Link, 0, r.Len())
	for n := r.head; n != nil; n = n.next {
		out = append(out, n.link)
	}
	return out
}

// MaybeReap runs the idle-timeout sweep if at least readTimeout has elapsed
// since the last run (spec.md §4.3's "last ran at" gate), and returns the
// links that expired (the caller is responsible for destroying them and
// calling Remove). A link's applicable timeout is connectTimeout if its
// server fd is not yet connected, otherwise readTimeout.
func (r *Registry) MaybeReap(now time.Time) []Link {
	if !r.lastReapAt.IsZero() && now.Sub(r.lastReapAt) < r.readTimeout {
		return nil
	}
	r.lastReapAt = now

	var expired []Link
	for _, l := range r.All() {
		timeout := r.readTimeout
		if !l.ServerConnected() {
			timeout = r.connectTimeout
		}
		if now.Sub(l.LastActivity()) > timeout {
			expired = append(expired, l)
		}
	}
	return expired
}
