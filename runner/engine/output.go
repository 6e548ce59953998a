package engine

import (
	"sync"
)

const DefaultOutputLimit = 64 * 1024

// TailBuffer keeps the last limit bytes written to it.
type TailBuffer struct {
	mu        sync.Mutex
	limit     int
	buf       []byte
	truncated bool
	total     int64
}

func NewTailBuffer(limit int) *TailBuffer {
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	return &TailBuffer{limit: limit}
}

func (b *TailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total += int64(len(p))
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
		b.truncated = true
	}
	return len(p), nil
}

func (b *TailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// Total is the number of bytes ever written, including dropped ones.
func (b *TailBuffer) Total() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

func (b *TailBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
