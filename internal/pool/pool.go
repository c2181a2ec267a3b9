// Package pool provides reusable encoding buffers using sync.Pool.
package pool

import (
	"bytes"
	"sync"
)

const (
	// DefaultBufferSize is the starting capacity of a pooled buffer.
	DefaultBufferSize = 4 * 1024

	// maxRetainedSize caps the buffers returned to the pool so one huge
	// collection does not pin its memory for the rest of the run.
	maxRetainedSize = 1 << 20
)

// BufferPool manages reusable byte buffers.
type BufferPool struct {
	pool sync.Pool
	size int
}

// NewBufferPool creates a new buffer pool with the specified buffer size.
func NewBufferPool(bufferSize int) *BufferPool {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	bp := &BufferPool{size: bufferSize}
	bp.pool.New = func() any {
		return bytes.NewBuffer(make([]byte, 0, bufferSize))
	}
	return bp
}

// Get retrieves an empty buffer from the pool.
func (p *BufferPool) Get() *bytes.Buffer {
	return p.pool.Get().(*bytes.Buffer)
}

// Put returns a buffer to the pool.
func (p *BufferPool) Put(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > maxRetainedSize {
		return
	}
	buf.Reset()
	p.pool.Put(buf)
}

// Copy returns a copy of the buffer contents that outlives the buffer.
func Copy(buf *bytes.Buffer) []byte {
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out
}

// Default is the process-wide pool used by the value codec.
var Default = NewBufferPool(DefaultBufferSize)
