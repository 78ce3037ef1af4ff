package uart

import "sync"

// DefaultBufferSize holds a bit over a second of BerryMed frames (the device
// streams 5-byte frames at roughly 100 Hz).
const DefaultBufferSize = 1024

// Buffer is a bounded FIFO of raw UART bytes between the BLE notification
// callback and the decoder. Writes append; when the buffer is full the
// oldest bytes are dropped so the reader resynchronizes on fresh data
// instead of stale frames.
//
// Read is non-blocking: it returns immediately with whatever is buffered,
// (0, nil) when nothing is. This intentionally deviates from the usual
// io.Reader contract of blocking until at least one byte is available.
type Buffer struct {
	mu   sync.Mutex
	data []byte
	max  int
}

// NewBuffer returns a Buffer bounded to max bytes. A max of zero or less
// falls back to DefaultBufferSize.
func NewBuffer(max int) *Buffer {
	if max <= 0 {
		max = DefaultBufferSize
	}
	return &Buffer{max: max}
}

// Write appends p, dropping the oldest buffered bytes if the bound would be
// exceeded. It never fails; the error is always nil.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(p) >= b.max {
		b.data = append(b.data[:0], p[len(p)-b.max:]...)
		return len(p), nil
	}
	if over := len(b.data) + len(p) - b.max; over > 0 {
		b.data = b.data[over:]
	}
	b.data = append(b.data, p...)
	return len(p), nil
}

// Read copies up to len(p) buffered bytes into p and consumes them.
// Returns (0, nil) when the buffer is empty.
func (b *Buffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := copy(p, b.data)
	b.data = b.data[n:]
	return n, nil
}

// Len reports how many bytes are currently buffered.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}
