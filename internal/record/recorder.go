// Package record buffers the mixed call audio and assembles it into a
// single WAV artifact at session teardown.
package record

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/securecall/securecall/internal/logging"
)

const (
	bytesPerSample = 2 // LINEAR16
	bitsPerSample  = 16
	wavPCMFormat   = 1
)

// Artifact is one finalized recording, consumed exactly once by the upload
// collaborator.
type Artifact struct {
	ParticipantID string
	CreatedAt     time.Time
	Data          []byte // complete WAV file
}

// Recorder accumulates binary audio chunks for one call session. Chunk order
// is arrival order; there is no timeline placement — the mixer already emits
// a single continuous stream.
type Recorder struct {
	log        logging.Logger
	sampleRate int
	channels   int

	mu      sync.Mutex
	started bool
	stopped bool
	chunks  [][]byte
}

func NewRecorder(sampleRate, channels int, log logging.Logger) *Recorder {
	return &Recorder{
		log:        log.Named("record"),
		sampleRate: sampleRate,
		channels:   channels,
	}
}

// Start arms the recorder. Chunks written before Start are discarded.
func (r *Recorder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.stopped {
		return
	}
	r.started = true
	r.log.Infof("recording started")
}

// Write appends one chunk of 16-bit LE PCM. Safe to call from the mixer
// goroutine; a no-op before Start or after Stop.
func (r *Recorder) Write(data []byte) {
	if len(data) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started || r.stopped {
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	r.chunks = append(r.chunks, buf)
}

// Stop flushes and finalizes. Stopping a recorder that never started is a
// no-op returning (nil, false): the caller must skip upload without error.
// Stop is idempotent; the second call returns (nil, false).
func (r *Recorder) Stop(participantID string) (*Artifact, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started || r.stopped {
		r.stopped = true
		return nil, false
	}
	r.stopped = true

	total := 0
	for _, c := range r.chunks {
		total += len(c)
	}
	pcm := make([]byte, 0, total)
	for _, c := range r.chunks {
		pcm = append(pcm, c...)
	}
	r.chunks = nil

	r.log.Infof("recording stopped: %d bytes (%.2fs)", total,
		float64(total)/float64(r.sampleRate*r.channels*bytesPerSample))

	return &Artifact{
		ParticipantID: participantID,
		CreatedAt:     time.Now(),
		Data:          wavFile(pcm, r.sampleRate, r.channels),
	}, true
}

// wavFile wraps raw PCM in a RIFF/WAVE container.
func wavFile(pcmData []byte, sampleRate, channels int) []byte {
	var buf bytes.Buffer
	byteRate := sampleRate * channels * bytesPerSample

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcmData)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(wavPCMFormat))
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(channels*bytesPerSample))
	binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcmData)))
	buf.Write(pcmData)

	return buf.Bytes()
}

// FileName is the artifact's upload name, tagged with the local participant.
func (a *Artifact) FileName() string {
	return fmt.Sprintf("recording-%s.wav", a.ParticipantID)
}
