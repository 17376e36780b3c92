package logging

import (
	"os"
	"sync"
)

// RingBuffer keeps the most recent log output in memory so it can be dumped
// after a crash or on SIGUSR1. Old bytes are overwritten once it is full.
type RingBuffer struct {
	mu      sync.Mutex
	data    []byte
	next    int
	wrapped bool
}

// NewRingBuffer creates a ring buffer holding up to size bytes.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 10 * 1024 * 1024
	}
	return &RingBuffer{data: make([]byte, size)}
}

// Write implements io.Writer.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(p)
	size := len(rb.data)
	if n >= size {
		copy(rb.data, p[n-size:])
		rb.next = 0
		rb.wrapped = true
		return n, nil
	}

	first := copy(rb.data[rb.next:], p)
	if first < n {
		copy(rb.data, p[first:])
		rb.next = n - first
		rb.wrapped = true
		return n, nil
	}
	rb.next += first
	if rb.next == size {
		rb.next = 0
		rb.wrapped = true
	}
	return n, nil
}

// Bytes returns a copy of the buffered output, oldest first.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if !rb.wrapped {
		return append([]byte(nil), rb.data[:rb.next]...)
	}
	out := make([]byte, 0, len(rb.data))
	out = append(out, rb.data[rb.next:]...)
	return append(out, rb.data[:rb.next]...)
}

// DumpToFile writes the buffered output to path.
func (rb *RingBuffer) DumpToFile(path string) error {
	return os.WriteFile(path, rb.Bytes(), 0o644)
}
