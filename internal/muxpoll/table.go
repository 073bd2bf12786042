// Package muxpoll implements the readiness multiplexer of spec.md §4.1: a
// fixed-capacity table of (fd, interested events) rows backing a
// single-threaded, synchronous readiness primitive. Rows are handed out
// first-free; the listen fd occupies row 0 only because it is the first fd
// the engine registers. Ensure does not reserve row 0: once it is free, any
// fd may be given it.
//
// The platform backend (epoll on Linux) is grounded on the teacher's
// epoll-backed TUN wrapper: the same EpollCreate1/EpollCtl/EpollWait call
// shape, generalized from a single fd to a table of connection fds.
package muxpoll

import "sstunnel/internal/ioerr"

// Events is a bitmask of readiness interests.
type Events uint8

const (
	Readable Events = 1 << iota
	Writable
)

// Event reports one fd's observed readiness.
type Event struct {
	Fd     int
	Events Events
}

// ListenRow is the row index the listen fd gets when it is the first fd
// registered in a Table. allocRow does not keep it reserved.
const ListenRow = 0

type row struct {
	fd         int
	interested Events
	used       bool
}

// Table is the fixed-capacity fd interest table. It is not safe for
// concurrent use; the relay engine that owns it runs single-threaded.
type Table struct {
	rows    []row
	byFd    map[int]int // fd -> row index
	backend backend
}

// backend is the platform-specific readiness primitive.
type backend interface {
	ctlAdd(fd int, ev Events) error
	ctlMod(fd int, ev Events) error
	ctlDel(fd int) error
	wait(timeoutMs int, rows []row) ([]Event, error)
	close() error
}

// New allocates a Table with room for capacity fds (including the reserved
// listen row).
func New(capacity int) (*Table, error) {
	if capacity < 1 {
		capacity = 1
	}
	b, err := newBackend()
	if err != nil {
		return nil, err
	}
	return &Table{
		rows:    make([]row, capacity),
		byFd:    make(map[int]int, capacity),
		backend: b,
	}, nil
}

// Close releases the backend resource (e.g. the epoll fd).
func (t *Table) Close() error { return t.backend.close() }

// Ensure sets fd's interest set to exactly events, allocating a row if the
// fd is not yet tracked. Fails with ErrCapacity if the table is full.
func (t *Table) Ensure(fd int, events Events) error {
	if idx, ok := t.byFd[fd]; ok {
		if t.rows[idx].interested == events {
			return nil
		}
		if err := t.backend.ctlMod(fd, events); err != nil {
			return err
		}
		t.rows[idx].interested = events
		return nil
	}
	idx, err := t.allocRow(fd)
	if err != nil {
		return err
	}
	if err := t.backend.ctlAdd(fd, events); err != nil {
		t.freeRow(idx)
		return err
	}
	t.rows[idx].interested = events
	return nil
}

// Add unions events into fd's current interest set.
func (t *Table) Add(fd int, events Events) error {
	idx, ok := t.byFd[fd]
	if !ok {
		return t.Ensure(fd, events)
	}
	return t.Ensure(fd, t.rows[idx].interested|events)
}

// Remove intersects fd's interest set with the complement of events.
func (t *Table) Remove(fd int, events Events) error {
	idx, ok := t.byFd[fd]
	if !ok {
		return nil
	}
	return t.Ensure(fd, t.rows[idx].interested&^events)
}

// Forget releases fd's row entirely.
func (t *Table) Forget(fd int) error {
	idx, ok := t.byFd[fd]
	if !ok {
		return nil
	}
	if err := t.backend.ctlDel(fd); err != nil {
		return err
	}
	t.freeRow(idx)
	return nil
}

// Wait blocks (up to timeoutMs, or indefinitely if negative) for readiness
// and returns the set of ready fds with their observed events.
func (t *Table) Wait(timeoutMs int) ([]Event, error) {
	return t.backend.wait(timeoutMs, t.rows)
}

func (t *Table) allocRow(fd int) (int, error) {
	for i := range t.rows {
		if !t.rows[i].used {
			t.rows[i] = row{fd: fd, used: true}
			t.byFd[fd] = i
			return i, nil
		}
	}
	return 0, ioerr.ErrCapacity
}

func (t *Table) freeRow(idx int) {
	fd := t.rows[idx].fd
	delete(t.byFd, fd)
	t.rows[idx] = row{}
}
