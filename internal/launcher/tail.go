package launcher

import "sync"

// TailBuffer is an io.Writer that keeps only the last capacity bytes written.
// Writes never fail, so a chatty child cannot stall on a full stderr pipe.
type TailBuffer struct {
	mu        sync.Mutex
	buf       []byte
	capBytes  int
	truncated bool
}

// NewTailBuffer creates a buffer retaining maxKB KiB; zero or negative
// defaults to 64 KiB.
func NewTailBuffer(maxKB int) *TailBuffer {
	if maxKB <= 0 {
		maxKB = 64
	}
	return &TailBuffer{capBytes: maxKB * 1024}
}

func (b *TailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	if n >= b.capBytes {
		if len(b.buf) > 0 || n > b.capBytes {
			b.truncated = true
		}
		b.buf = append(b.buf[:0], p[n-b.capBytes:]...)
		return n, nil
	}

	if overflow := len(b.buf) + n - b.capBytes; overflow > 0 {
		b.buf = append(b.buf[:0], b.buf[overflow:]...)
		b.truncated = true
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

func (b *TailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// Truncated reports whether earlier output was dropped.
func (b *TailBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
