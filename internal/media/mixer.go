// Package media establishes the peer transport (pion), captures the local
// microphone, plays remote audio back, and mixes both sides into the single
// stream that gets recorded.
package media

import (
	"sync"
	"time"
)

const (
	// MixFrameDuration is the cadence of the mixing loop. One mixed chunk is
	// emitted per tick while any source has samples buffered.
	MixFrameDuration = 20 * time.Millisecond

	maxBufferedSamples = 48000 * 5 // 5s per source; older samples are dropped
)

// MixerSource is one audio input connected to the mixing sink. Writers push
// decoded 16-bit PCM; the mixer drains at frame cadence.
type MixerSource struct {
	m    *Mixer
	name string

	mu  sync.Mutex
	buf []int16
}

// Write appends decoded PCM samples. Safe from any goroutine. When the
// source outruns the mixer by more than the buffer cap, oldest samples are
// dropped — a stalled mixer must not grow memory without bound.
func (s *MixerSource) Write(samples []int16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, samples...)
	if over := len(s.buf) - maxBufferedSamples; over > 0 {
		s.buf = s.buf[over:]
	}
}

// drain removes and returns up to n samples.
func (s *MixerSource) drain(n int) []int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		return nil
	}
	if n > len(s.buf) {
		n = len(s.buf)
	}
	out := make([]int16, n)
	copy(out, s.buf[:n])
	s.buf = s.buf[n:]
	return out
}

func (s *MixerSource) buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Mixer is the summing sink: every connected source contributes samples,
// the sum (clipped to int16 range) is emitted as 16-bit LE PCM chunks.
// Exactly one mixer exists per call session; Close tears it down together
// with all connected sources.
type Mixer struct {
	sampleRate int
	emit       func(chunk []byte)

	mu      sync.Mutex
	sources []*MixerSource
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewMixer creates a mixing sink that calls emit for every mixed chunk.
// The mixing loop starts immediately.
func NewMixer(sampleRate int, emit func(chunk []byte)) *Mixer {
	m := &Mixer{
		sampleRate: sampleRate,
		emit:       emit,
		done:       make(chan struct{}),
	}
	m.wg.Add(1)
	go m.loop()
	return m
}

// AddSource connects a new input to the sink. name is for diagnostics only.
func (m *Mixer) AddSource(name string) *MixerSource {
	src := &MixerSource{m: m, name: name}
	m.mu.Lock()
	if !m.closed {
		m.sources = append(m.sources, src)
	}
	m.mu.Unlock()
	return src
}

func (m *Mixer) frameSamples() int {
	return m.sampleRate * int(MixFrameDuration/time.Millisecond) / 1000
}

func (m *Mixer) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(MixFrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			// Final flush so trailing audio is not lost at teardown.
			for m.mixOnce() {
			}
			return
		case <-ticker.C:
			m.mixOnce()
		}
	}
}

// mixOnce drains one frame from every source, sums and emits it.
// Returns false when no source had anything buffered.
func (m *Mixer) mixOnce() bool {
	m.mu.Lock()
	sources := make([]*MixerSource, len(m.sources))
	copy(sources, m.sources)
	m.mu.Unlock()

	n := m.frameSamples()
	mixed := make([]int32, n)
	got := 0
	for _, src := range sources {
		samples := src.drain(n)
		for i, v := range samples {
			mixed[i] += int32(v)
		}
		if len(samples) > got {
			got = len(samples)
		}
	}
	if got == 0 {
		return false
	}

	chunk := make([]byte, got*2)
	for i := 0; i < got; i++ {
		v := mixed[i]
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		chunk[2*i] = byte(uint16(v))
		chunk[2*i+1] = byte(uint16(v) >> 8)
	}
	m.emit(chunk)
	return true
}

// Close stops the mixing loop after a final flush. Idempotent. No source may
// be written after Close returns.
func (m *Mixer) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	close(m.done)
	m.wg.Wait()
}
