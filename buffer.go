package tpc

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// IOBuffer is the reference-counted byte container that carries frames
// through the engine. The cursor model follows position/limit semantics:
// writes advance position while limit stays at capacity, Flip switches the
// buffer to read mode, Clear resets it for writing.
//
// The reference count is the only field safe to touch concurrently.
// Acquire/Release may race; reads and writes of the byte cursors may not.
type IOBuffer struct {
	b    []byte
	pos  int
	lim  int
	refs atomic.Int32

	alloc *PoolAllocator
	next  *IOBuffer // outbound chain, owned by the socket
}

// NewIOBuffer returns an unpooled buffer in write mode with refcount 1.
func NewIOBuffer(capacity int) *IOBuffer {
	b := &IOBuffer{b: make([]byte, capacity), lim: capacity}
	b.refs.Store(1)
	return b
}

// Position returns the current cursor.
func (b *IOBuffer) Position() int { return b.pos }

// SetPosition moves the cursor. Panics when out of [0, limit].
func (b *IOBuffer) SetPosition(p int) {
	if p < 0 || p > b.lim {
		panic(fmt.Sprintf("tpc: position %d out of range [0,%d]", p, b.lim))
	}
	b.pos = p
}

// Limit returns the current limit.
func (b *IOBuffer) Limit() int { return b.lim }

// Capacity returns the size of the backing storage.
func (b *IOBuffer) Capacity() int { return len(b.b) }

// Remaining reports limit−position: readable bytes in read mode, writable
// space in write mode.
func (b *IOBuffer) Remaining() int { return b.lim - b.pos }

// Flip switches from write mode to read mode.
func (b *IOBuffer) Flip() {
	b.lim = b.pos
	b.pos = 0
}

// Clear resets the buffer to empty write mode. The bytes are not zeroed.
func (b *IOBuffer) Clear() {
	b.pos = 0
	b.lim = len(b.b)
}

// Compact moves the unread region [position, limit) to the start and puts
// the buffer back into write mode behind it.
func (b *IOBuffer) Compact() {
	n := b.lim - b.pos
	if n > 0 && b.pos > 0 {
		copy(b.b, b.b[b.pos:b.lim])
	}
	b.pos = n
	b.lim = len(b.b)
}

// Bytes returns the active region [position, limit) without copying.
func (b *IOBuffer) Bytes() []byte { return b.b[b.pos:b.lim] }

// ensure grows the backing storage so that n more bytes fit at position.
// Growth doubles, so amortized appends stay cheap. Only legal in write mode.
func (b *IOBuffer) ensure(n int) {
	if b.pos+n <= len(b.b) {
		return
	}
	newCap := len(b.b) * 2
	if newCap == 0 {
		newCap = 64
	}
	for newCap < b.pos+n {
		newCap *= 2
	}
	nb := make([]byte, newCap)
	copy(nb, b.b[:b.pos])
	b.b = nb
	b.lim = len(b.b)
}

// WriteInt8 appends one byte.
func (b *IOBuffer) WriteInt8(v int8) {
	b.ensure(1)
	b.b[b.pos] = byte(v)
	b.pos++
}

// WriteInt16 appends a big-endian int16.
func (b *IOBuffer) WriteInt16(v int16) {
	b.ensure(2)
	binary.BigEndian.PutUint16(b.b[b.pos:], uint16(v))
	b.pos += 2
}

// WriteInt32 appends a big-endian int32.
func (b *IOBuffer) WriteInt32(v int32) {
	b.ensure(4)
	binary.BigEndian.PutUint32(b.b[b.pos:], uint32(v))
	b.pos += 4
}

// WriteInt64 appends a big-endian int64.
func (b *IOBuffer) WriteInt64(v int64) {
	b.ensure(8)
	binary.BigEndian.PutUint64(b.b[b.pos:], uint64(v))
	b.pos += 8
}

// WriteBytes appends p.
func (b *IOBuffer) WriteBytes(p []byte) {
	b.ensure(len(p))
	copy(b.b[b.pos:], p)
	b.pos += len(p)
}

func (b *IOBuffer) checkRead(n int) {
	if b.lim-b.pos < n {
		panic(fmt.Sprintf("tpc: read of %d bytes past limit (pos=%d lim=%d)", n, b.pos, b.lim))
	}
}

// ReadInt8 consumes one byte.
func (b *IOBuffer) ReadInt8() int8 {
	b.checkRead(1)
	v := int8(b.b[b.pos])
	b.pos++
	return v
}

// ReadInt16 consumes a big-endian int16.
func (b *IOBuffer) ReadInt16() int16 {
	b.checkRead(2)
	v := int16(binary.BigEndian.Uint16(b.b[b.pos:]))
	b.pos += 2
	return v
}

// ReadInt32 consumes a big-endian int32.
func (b *IOBuffer) ReadInt32() int32 {
	b.checkRead(4)
	v := int32(binary.BigEndian.Uint32(b.b[b.pos:]))
	b.pos += 4
	return v
}

// ReadInt64 consumes a big-endian int64.
func (b *IOBuffer) ReadInt64() int64 {
	b.checkRead(8)
	v := int64(binary.BigEndian.Uint64(b.b[b.pos:]))
	b.pos += 8
	return v
}

// ReadBytes consumes len(p) bytes into p.
func (b *IOBuffer) ReadBytes(p []byte) {
	b.checkRead(len(p))
	copy(p, b.b[b.pos:])
	b.pos += len(p)
}

// GetInt32 reads an absolute offset without moving the cursor.
func (b *IOBuffer) GetInt32(off int) int32 {
	return int32(binary.BigEndian.Uint32(b.b[off:]))
}

// PutInt32 writes an absolute offset without moving the cursor.
func (b *IOBuffer) PutInt32(off int, v int32) {
	binary.BigEndian.PutUint32(b.b[off:], uint32(v))
}

// GetInt64 reads an absolute offset without moving the cursor.
func (b *IOBuffer) GetInt64(off int) int64 {
	return int64(binary.BigEndian.Uint64(b.b[off:]))
}

// PutInt64 writes an absolute offset without moving the cursor.
func (b *IOBuffer) PutInt64(off int, v int64) {
	binary.BigEndian.PutUint64(b.b[off:], uint64(v))
}

// Refs returns the current reference count.
func (b *IOBuffer) Refs() int32 { return b.refs.Load() }

// Acquire increments the reference count.
func (b *IOBuffer) Acquire() *IOBuffer {
	if b.refs.Add(1) <= 1 {
		panic("tpc: acquire of released IOBuffer")
	}
	return b
}

// Release decrements the reference count. When it reaches zero the buffer
// goes back to its allocator's free list, or to the garbage collector for
// unpooled buffers. Pooled buffers must be released on the allocator's loop.
func (b *IOBuffer) Release() {
	refs := b.refs.Add(-1)
	if refs > 0 {
		return
	}
	if refs < 0 {
		panic("tpc: IOBuffer released below zero")
	}
	b.next = nil
	if b.alloc != nil {
		b.alloc.reclaim(b)
	}
}

// PoolAllocator vends IOBuffers from a per-loop free list. It is not
// thread-safe: every buffer it hands out must be released on the owning
// loop. Buffers larger than the pooled capacity are allocated ad hoc and
// never pooled.
type PoolAllocator struct {
	free    []*IOBuffer
	bufCap  int
	maxFree int

	allocated uint64
	reused    uint64
}

// NewPoolAllocator creates an allocator vending buffers of bufCap bytes,
// retaining at most maxFree released buffers.
func NewPoolAllocator(bufCap, maxFree int) *PoolAllocator {
	if bufCap <= 0 {
		bufCap = defaultBufferCapacity
	}
	return &PoolAllocator{bufCap: bufCap, maxFree: maxFree}
}

// Allocate returns a cleared buffer with refcount 1 and capacity ≥ n.
func (a *PoolAllocator) Allocate(n int) *IOBuffer {
	if n > a.bufCap {
		a.allocated++
		return NewIOBuffer(n)
	}
	if len(a.free) > 0 {
		b := a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
		b.Clear()
		b.refs.Store(1)
		a.reused++
		return b
	}
	a.allocated++
	b := NewIOBuffer(a.bufCap)
	b.alloc = a
	return b
}

func (a *PoolAllocator) reclaim(b *IOBuffer) {
	if len(a.free) >= a.maxFree {
		b.alloc = nil // drop; capacity bound reached
		return
	}
	a.free = append(a.free, b)
}

// Stats reports how many buffers were freshly allocated versus reused.
func (a *PoolAllocator) Stats() (allocated, reused uint64) {
	return a.allocated, a.reused
}
