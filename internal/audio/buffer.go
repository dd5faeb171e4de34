package audio

import "sync"

// RingBuffer smooths synthesized audio into fixed-size telephony frames.
// Writes that do not fit overwrite nothing: the excess is reported as dropped.
type RingBuffer struct {
	mu    sync.Mutex
	buf   []byte
	start int
	n     int
}

// NewRingBuffer creates a ring buffer holding up to size bytes
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{buf: make([]byte, size)}
}

// Write appends data and returns how many bytes were stored
func (rb *RingBuffer) Write(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	free := len(rb.buf) - rb.n
	if len(data) > free {
		data = data[:free]
	}
	end := (rb.start + rb.n) % max(len(rb.buf), 1)
	copied := copy(rb.buf[end:], data)
	copy(rb.buf, data[copied:])
	rb.n += len(data)
	return len(data)
}

func (rb *RingBuffer) read(p []byte) int {
	if len(p) > rb.n {
		p = p[:rb.n]
	}
	copied := copy(p, rb.buf[rb.start:min(rb.start+len(p), len(rb.buf))])
	copy(p[copied:], rb.buf)
	rb.start = (rb.start + len(p)) % max(len(rb.buf), 1)
	rb.n -= len(p)
	return len(p)
}

// ReadFrame returns exactly size bytes, or false when fewer are buffered
func (rb *RingBuffer) ReadFrame(size int) ([]byte, bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if size <= 0 || rb.n < size {
		return nil, false
	}
	frame := make([]byte, size)
	rb.read(frame)
	return frame, true
}

// Flush returns everything buffered
func (rb *RingBuffer) Flush() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.n == 0 {
		return nil
	}
	out := make([]byte, rb.n)
	rb.read(out)
	return out
}

// Len returns the number of buffered bytes
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.n
}

// Reset discards buffered audio
func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.start, rb.n = 0, 0
}
