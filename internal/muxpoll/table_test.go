package muxpoll

import (
	"testing"

	"sstunnel/internal/ioerr"
)

// fakeBackend lets the Table logic (row allocation, capacity, Ensure/Add/
// Remove semantics) be tested without depending on real OS fds.
type fakeBackend struct {
	added, modded, deleted []int
}

func (f *fakeBackend) ctlAdd(fd int, ev Events) error { f.added = append(f.added, fd); return nil }
func (f *fakeBackend) ctlMod(fd int, ev Events) error { f.modded = append(f.modded, fd); return nil }
func (f *fakeBackend) ctlDel(fd int) error            { f.deleted = append(f.deleted, fd); return nil }
func (f *fakeBackend) wait(int, []row) ([]Event, error) { return nil, nil }
func (f *fakeBackend) close() error                    { return nil }

func newTestTable(capacity int) (*Table, *fakeBackend) {
	fb := &fakeBackend{}
	return &Table{
		rows:    make([]row, capacity),
		byFd:    make(map[int]int, capacity),
		backend: fb,
	}, fb
}

func TestEnsureAllocatesRow(t *testing.T) {
	tbl, fb := newTestTable(2)
	if err := tbl.Ensure(10, Readable); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if len(fb.added) != 1 || fb.added[0] != 10 {
		t.Fatalf("added = %v, want [10]", fb.added)
	}
	if idx, ok := tbl.byFd[10]; !ok || tbl.rows[idx].interested != Readable {
		t.Fatalf("row not recorded correctly")
	}
}

func TestEnsureCapacity(t *testing.T) {
	tbl, _ := newTestTable(1)
	if err := tbl.Ensure(1, Readable); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := tbl.Ensure(2, Readable); err != ioerr.ErrCapacity {
		t.Fatalf("err = %v, want ErrCapacity", err)
	}
}

func TestAddUnionsEvents(t *testing.T) {
	tbl, _ := newTestTable(2)
	_ = tbl.Ensure(5, Readable)
	if err := tbl.Add(5, Writable); err != nil {
		t.Fatalf("add: %v", err)
	}
	idx := tbl.byFd[5]
	if tbl.rows[idx].interested != Readable|Writable {
		t.Fatalf("interested = %v, want Readable|Writable", tbl.rows[idx].interested)
	}
}

func TestRemoveIntersectsComplement(t *testing.T) {
	tbl, _ := newTestTable(2)
	_ = tbl.Ensure(5, Readable|Writable)
	if err := tbl.Remove(5, Writable); err != nil {
		t.Fatalf("remove: %v", err)
	}
	idx := tbl.byFd[5]
	if tbl.rows[idx].interested != Readable {
		t.Fatalf("interested = %v, want Readable", tbl.rows[idx].interested)
	}
}

func TestForgetFreesRow(t *testing.T) {
	tbl, fb := newTestTable(1)
	_ = tbl.Ensure(5, Readable)
	if err := tbl.Forget(5); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if _, ok := tbl.byFd[5]; ok {
		t.Fatalf("fd 5 still tracked after forget")
	}
	if len(fb.deleted) != 1 || fb.deleted[0] != 5 {
		t.Fatalf("deleted = %v, want [5]", fb.deleted)
	}
	// Row is reusable after Forget.
	if err := tbl.Ensure(6, Readable); err != nil {
		t.Fatalf("ensure after forget: %v", err)
	}
}
