package pool

import (
	"bytes"
	"testing"
)

func TestBufferPool_GetReturnsEmpty(t *testing.T) {
	p := NewBufferPool(16)
	buf := p.Get()
	buf.WriteString("collection")
	p.Put(buf)

	again := p.Get()
	if again.Len() != 0 {
		t.Fatalf("expected empty buffer, got %d bytes", again.Len())
	}
}

func TestBufferPool_DropsOversized(t *testing.T) {
	p := NewBufferPool(0)
	big := bytes.NewBuffer(make([]byte, 0, maxRetainedSize+1))
	p.Put(big)
	p.Put(nil)
}

func TestCopy_Detached(t *testing.T) {
	buf := bytes.NewBufferString("abc")
	out := Copy(buf)
	buf.Reset()
	buf.WriteString("xyz")
	if string(out) != "abc" {
		t.Fatalf("copy changed with buffer: %q", out)
	}
}
