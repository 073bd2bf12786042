// Package pairedbuffer implements the fixed-capacity, strict-FIFO byte
// buffer described in spec.md §4.2. Two of these back every link: one for
// plaintext, one for ciphertext. Buffers are allocated once and never
// reallocated; consume shifts the remaining bytes left via copy (O(len)),
// which spec.md §9 notes is an acceptable, equivalent-to-ring-buffer choice
// at this scale.
package pairedbuffer

import "sstunnel/internal/ioerr"

// Buffer is a contiguous region with a length cursor.
type Buffer struct {
	data []byte
	len  int
}

// New allocates a Buffer with the given fixed capacity.
func New(capacity int) *Buffer {
	return &Buffer{data: make([]byte, capacity)}
}

// Len reports current occupancy.
func (b *Buffer) Len() int { return b.len }

// Cap reports the fixed capacity.
func (b *Buffer) Cap() int { return len(b.data) }

// Bytes returns the occupied prefix. The slice is only valid until the next
// mutating call.
func (b *Buffer) Bytes() []byte { return b.data[:b.len] }

// Append copies src to the end of the buffer.
func (b *Buffer) Append(src []byte) error {
	if b.len+len(src) > len(b.data) {
		return ioerr.ErrOverflow
	}
	copy(b.data[b.len:], src)
	b.len += len(src)
	return nil
}

// Prepend shifts existing bytes right by len(src) and copies src at offset 0.
// Used once per direction, by whichever side sends first, to insert the
// generated IV ahead of any already-encrypted ciphertext bytes in the queue
// (spec.md §4.4, §4.6) — see DESIGN.md for why the shadowsocks header itself
// does not need a second Prepend call.
func (b *Buffer) Prepend(src []byte) error {
	if b.len+len(src) > len(b.data) {
		return ioerr.ErrOverflow
	}
	copy(b.data[len(src):b.len+len(src)], b.data[:b.len])
	copy(b.data[:len(src)], src)
	b.len += len(src)
	return nil
}

// Consume removes the first n bytes via in-place shift. The length cursor is
// updated before the shift so an Underflow is detectable without corrupting
// state, per spec.md §4.2.
func (b *Buffer) Consume(n int) error {
	if n > b.len {
		return ioerr.ErrUnderflow
	}
	if n == 0 {
		return nil
	}
	remaining := b.len - n
	b.len = remaining
	copy(b.data[:remaining], b.data[n:n+remaining])
	return nil
}

// Tail returns the writable suffix of the backing array, for a direct
// recv(2)-style read into the buffer. Callers must follow a successful read
// of k bytes with GrowBy(k).
func (b *Buffer) Tail() []byte { return b.data[b.len:] }

// GrowBy records that n bytes were written directly into Tail(). It fails
// with ErrOverflow if n would exceed capacity, matching Append's invariant.
func (b *Buffer) GrowBy(n int) error {
	if b.len+n > len(b.data) {
		return ioerr.ErrOverflow
	}
	b.len += n
	return nil
}

// Reset empties the buffer without releasing the backing array.
func (b *Buffer) Reset() { b.len = 0 }
