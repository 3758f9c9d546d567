//go:build !linux

package media

import (
	"github.com/pion/mediadevices"

	"github.com/securecall/securecall/internal/logging"
)

// CaptureSource is a stub on non-Linux platforms — mic capture via
// pion/mediadevices needs the platform drivers (malgo/ALSA on Linux).
type CaptureSource struct {
	selector *mediadevices.CodecSelector
	tracks   []mediadevices.Track
}

// CaptureMicrophone reports no device on this platform. The session proceeds
// receive-only: remote audio still plays and gets recorded.
func CaptureMicrophone(log logging.Logger) (*CaptureSource, error) {
	log.Named("capture").Warnf("no microphone capture on this platform, receive-only")
	return nil, nil
}

func (s *CaptureSource) Tracks() []mediadevices.Track   { return nil }
func (s *CaptureSource) StartTap(func(samples []int16)) {}
func (s *CaptureSource) Close()                         {}
