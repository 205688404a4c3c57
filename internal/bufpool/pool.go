// Package bufpool provides pooled byte slices for per-connection HTTP
// receive buffers, which grow by a fixed chunk as a request accumulates.
package bufpool

import "sync"

// Chunk is the fixed growth increment a connection's receive buffer grows
// by before each Recv, so every receive has Chunk bytes of room past what
// is already buffered.
const Chunk = 512

// Bucket sizes are multiples of Chunk. Requests rarely need more than a
// handful of chunks, so the top bucket also serves as an overflow size for
// larger bodies (Grow falls back to make() past the largest bucket).
const (
	size1x = 1 * Chunk
	size4x = 4 * Chunk
	size16x = 16 * Chunk
	size64x = 64 * Chunk
)

var pools = struct {
	p1x, p4x, p16x, p64x sync.Pool
}{
	p1x:  sync.Pool{New: func() any { b := make([]byte, size1x); return &b }},
	p4x:  sync.Pool{New: func() any { b := make([]byte, size4x); return &b }},
	p16x: sync.Pool{New: func() any { b := make([]byte, size16x); return &b }},
	p64x: sync.Pool{New: func() any { b := make([]byte, size64x); return &b }},
}

// Get returns a pooled buffer sized to at least size bytes. Callers that no
// longer need the buffer should call Put.
func Get(size int) []byte {
	switch {
	case size <= size1x:
		return (*pools.p1x.Get().(*[]byte))[:size]
	case size <= size4x:
		return (*pools.p4x.Get().(*[]byte))[:size]
	case size <= size16x:
		return (*pools.p16x.Get().(*[]byte))[:size]
	case size <= size64x:
		return (*pools.p64x.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
}

// Put returns a buffer obtained from Get back to its bucket. Buffers whose
// capacity doesn't match a bucket exactly (e.g. grown past size64x, or
// obtained elsewhere) are simply dropped for the GC to reclaim.
func Put(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case size1x:
		pools.p1x.Put(&buf)
	case size4x:
		pools.p4x.Put(&buf)
	case size16x:
		pools.p16x.Put(&buf)
	case size64x:
		pools.p64x.Put(&buf)
	}
}

// Grow appends n zero bytes to buf's logical length, reusing spare capacity
// when present and reallocating from the pool otherwise. It models the
// per-connection buffer's fixed-chunk growth from a pooled backing array.
func Grow(buf []byte, n int) []byte {
	if len(buf)+n <= cap(buf) {
		return buf[:len(buf)+n]
	}
	next := Get(len(buf) + n)
	copy(next, buf)
	return next
}
