package protocol

import "sync"

var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, MaxFrameBytes)
		return &b
	},
}

// RefCountedBuffer wraps a pooled byte buffer so a decoded Data frame's
// payload can be handed to the Multiplexer as a slice into the original
// read buffer instead of an allocated copy. The buffer is returned to the
// pool once every consumer holding a reference has called Release.
type RefCountedBuffer struct {
	mu    sync.Mutex
	buf   *[]byte
	count int
}

// newRefCountedBuffer checks out a buffer from the pool with an initial
// refcount of 1.
func newRefCountedBuffer() *RefCountedBuffer {
	return &RefCountedBuffer{buf: bufferPool.Get().(*[]byte), count: 1}
}

// Bytes returns the backing buffer. Callers must not retain slices of it
// beyond a matching Release call.
func (r *RefCountedBuffer) Bytes() []byte {
	return *r.buf
}

// Retain increments the refcount. Call once per additional consumer that
// will independently Release.
func (r *RefCountedBuffer) Retain() {
	r.mu.Lock()
	r.count++
	r.mu.Unlock()
}

// Release decrements the refcount, returning the buffer to the pool when it
// reaches zero. Calling Release more times than Retain+1 is a bug: the count
// goes negative without any error, while the buffer may already be back in
// the pool and handed out again. Callers must pair every Retain with exactly
// one Release.
func (r *RefCountedBuffer) Release() {
	r.mu.Lock()
	r.count--
	zero := r.count == 0
	r.mu.Unlock()
	if zero {
		bufferPool.Put(r.buf)
	}
}

// DataPayload is the zero-copy Data frame payload: a byte range inside a
// RefCountedBuffer. Consumers that need to retain the bytes past the scope
// of their read loop must call Retain before doing so and Release when done.
type DataPayload struct {
	owner *RefCountedBuffer
	bytes []byte
}

// Bytes returns the payload's byte range.
func (d DataPayload) Bytes() []byte {
	return d.bytes
}

// Retain extends the payload's lifetime; pair with Release.
func (d DataPayload) Retain() {
	d.owner.Retain()
}

// Release gives up this reference to the underlying buffer.
func (d DataPayload) Release() {
	d.owner.Release()
}

// Copy returns an independent copy of the payload bytes that outlives the
// owning buffer without any refcounting, for callers that would rather pay
// one allocation than track a lifetime (e.g. PluginData forwarding).
func (d DataPayload) Copy() []byte {
	out := make([]byte, len(d.bytes))
	copy(out, d.bytes)
	return out
}
