package wasm

import (
	"bytes"
	"sync"
)

// DefaultOutputLimit caps captured guest stdout/stderr (10MB).
const DefaultOutputLimit = 10 * 1024 * 1024

// DefaultMaxRequestSize caps payloads a guest passes to host calls (1MB).
const DefaultMaxRequestSize = 1 * 1024 * 1024

// BoundedBuffer is an io.Writer that keeps at most limit bytes and
// silently discards the rest, setting Truncated.
type BoundedBuffer struct {
	mu        sync.Mutex
	buffer    bytes.Buffer
	limit     int
	truncated bool
}

// NewBoundedBuffer creates a BoundedBuffer holding at most limit bytes.
func NewBoundedBuffer(limit int) *BoundedBuffer {
	return &BoundedBuffer{limit: limit}
}

// Write implements io.Writer. It always reports len(p) so the guest's
// write does not fail once the limit is hit.
func (b *BoundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := b.limit - b.buffer.Len()
	if remaining <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > remaining {
		b.truncated = true
		b.buffer.Write(p[:remaining])
		return len(p), nil
	}
	b.buffer.Write(p)
	return len(p), nil
}

// Bytes returns a copy of the captured output.
func (b *BoundedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buffer.Bytes())
}

// String returns the captured output.
func (b *BoundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.String()
}

// Truncated reports whether any output was discarded.
func (b *BoundedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// Reset clears the buffer and the truncation flag.
func (b *BoundedBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buffer.Reset()
	b.truncated = false
}
