//go:build linux

package media

import (
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"

	"github.com/securecall/securecall/internal/logging"
)

// CaptureSource is the local microphone: an opus-encoded track for the peer
// connection plus an independent encoded reader that is decoded back to PCM
// for the recording mix. mediadevices broadcasts raw frames to multiple
// consumers, so the tap runs in parallel to the encoder pion sends from.
type CaptureSource struct {
	log      logging.Logger
	selector *mediadevices.CodecSelector
	tracks   []mediadevices.Track
	tap      mediadevices.EncodedReadCloser

	closeOnce sync.Once
	done      chan struct{}
}

// CaptureMicrophone opens the default audio input with echo cancellation.
// An acquisition failure is returned to the caller, which must abort session
// setup before any signaling message goes out.
func CaptureMicrophone(log logging.Logger) (*CaptureSource, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	selector := mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
	)

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {},
		Codec: selector,
	})
	if err != nil {
		return nil, fmt.Errorf("open microphone: %w", err)
	}

	src := &CaptureSource{
		log:      log.Named("capture"),
		selector: selector,
		done:     make(chan struct{}),
	}
	for _, track := range stream.GetTracks() {
		track.OnEnded(func(err error) {
			if err != nil {
				src.log.Warnf("local track ended: %v", err)
			}
		})
		src.tracks = append(src.tracks, track)
		if track.Kind() == webrtc.RTPCodecTypeAudio && src.tap == nil {
			r, err := track.NewEncodedReader(webrtc.MimeTypeOpus)
			if err != nil {
				src.log.Warnf("mix tap unavailable: %v", err)
				continue
			}
			src.tap = r
		}
	}
	if len(src.tracks) == 0 {
		return nil, fmt.Errorf("microphone produced no tracks")
	}
	src.log.Infof("microphone captured, %d track(s)", len(src.tracks))
	return src, nil
}

// Tracks returns the local tracks to add to the peer connection.
func (s *CaptureSource) Tracks() []mediadevices.Track { return s.tracks }

// StartTap decodes the local opus stream and feeds fn until the source is
// closed. No-op when the tap reader could not be created.
func (s *CaptureSource) StartTap(fn func(samples []int16)) {
	if s.tap == nil {
		return
	}
	go func() {
		dec, err := newOpusDecoder()
		if err != nil {
			s.log.Errorf("opus decoder: %v", err)
			return
		}
		for {
			select {
			case <-s.done:
				return
			default:
			}
			buf, release, err := s.tap.Read()
			if err != nil {
				return
			}
			samples, derr := dec.decode(buf.Data)
			release()
			if derr != nil {
				s.log.Debugf("tap decode: %v", derr)
				continue
			}
			fn(samples)
		}
	}()
}

// Close stops the tap and releases the device. Idempotent.
func (s *CaptureSource) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.tap != nil {
			_ = s.tap.Close()
		}
		for _, t := range s.tracks {
			_ = t.Close()
		}
	})
}
