package domain

import (
	"sync"
)

// OutputBuffer is a thread-safe, bounded byte buffer that drops old data
// when the capacity is exceeded. Used for capturing raw process output and
// as the in-memory fallback when log persistence degrades.
type OutputBuffer struct {
	mu      sync.Mutex
	data    []byte
	max     int
	written int64 // total bytes ever written (including dropped)
}

// NewOutputBuffer creates a buffer bounded at maxBytes.
func NewOutputBuffer(maxBytes int) *OutputBuffer {
	return &OutputBuffer{
		data: make([]byte, 0, min(maxBytes, 4096)),
		max:  maxBytes,
	}
}

// Write implements io.Writer. Thread-safe.
func (b *OutputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = append(b.data, p...)
	b.written += int64(len(p))
	if len(b.data) > b.max {
		b.data = b.data[len(b.data)-b.max:]
	}
	return len(p), nil
}

// AppendLine writes s plus a trailing newline.
func (b *OutputBuffer) AppendLine(s string) {
	b.Write(append([]byte(s), '\n'))
}

// String returns the full buffered content.
func (b *OutputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

// Len returns the current buffer length in bytes.
func (b *OutputBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// TotalWritten returns the total number of bytes ever written,
// including bytes that have been dropped due to overflow.
func (b *OutputBuffer) TotalWritten() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written
}

// ReadFrom returns content from the given byte offset onward. The offset is
// in terms of total bytes written; if it points to dropped data, reading
// starts from the beginning of the current buffer.
func (b *OutputBuffer) ReadFrom(offset int64) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := b.written - int64(len(b.data))
	localOffset := offset - dropped
	if localOffset < 0 {
		localOffset = 0
	}
	if localOffset >= int64(len(b.data)) {
		return ""
	}
	return string(b.data[localOffset:])
}
