//go:build !linux

package media

import "github.com/securecall/securecall/internal/logging"

// playbackSink discards audio on platforms without a malgo output path.
// The mix still records remote audio; it just is not audible locally.
type playbackSink struct{}

func newPlaybackSink(log logging.Logger) (*playbackSink, error) {
	log.Named("playback").Warnf("no audio playback on this platform")
	return &playbackSink{}, nil
}

func (s *playbackSink) Write([]int16) {}
func (s *playbackSink) Close()        {}
