package util

import "sync"

// SampleRing is a bounded FIFO of 16-bit PCM samples. When full, Write drops
// the oldest samples — a stalled consumer costs audio, never memory. All
// methods are safe for concurrent use.
type SampleRing struct {
	mu    sync.Mutex
	buf   []int16
	head  int
	count int
}

// NewSampleRing creates a ring holding at most capacity samples.
func NewSampleRing(capacity int) *SampleRing {
	return &SampleRing{buf: make([]int16, capacity)}
}

// Write appends samples, overwriting the oldest when the ring is full.
func (r *SampleRing) Write(samples []int16) {
	r.mu.Lock()
	for _, s := range samples {
		idx := (r.head + r.count) % len(r.buf)
		r.buf[idx] = s
		if r.count == len(r.buf) {
			r.head = (r.head + 1) % len(r.buf)
		} else {
			r.count++
		}
	}
	r.mu.Unlock()
}

// FillLE drains samples into out as 16-bit little-endian bytes and zero-pads
// the remainder. Returns the number of bytes written from buffered audio.
func (r *SampleRing) FillLE(out []byte) int {
	r.mu.Lock()
	n := 0
	for n+1 < len(out) && r.count > 0 {
		v := uint16(r.buf[r.head])
		out[n] = byte(v)
		out[n+1] = byte(v >> 8)
		r.head = (r.head + 1) % len(r.buf)
		r.count--
		n += 2
	}
	r.mu.Unlock()
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
	return n
}

// Len returns the number of buffered samples.
func (r *SampleRing) Len() int {
	r.mu.Lock()
	n := r.count
	r.mu.Unlock()
	return n
}
