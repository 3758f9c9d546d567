//go:build linux

package media

import (
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/securecall/securecall/internal/logging"
	"github.com/securecall/securecall/internal/util"
)

const playbackBufferSamples = opusSampleRate * 2 // 2s of mono audio

// playbackSink plays remote PCM on the default output device via malgo.
type playbackSink struct {
	log  logging.Logger
	actx *malgo.AllocatedContext
	dev  *malgo.Device
	ring *util.SampleRing

	closeOnce sync.Once
}

// newPlaybackSink opens the default playback device at the opus decode rate.
func newPlaybackSink(log logging.Logger) (*playbackSink, error) {
	actx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, err
	}

	s := &playbackSink{
		log:  log.Named("playback"),
		actx: actx,
		ring: util.NewSampleRing(playbackBufferSamples),
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = opusChannels
	cfg.SampleRate = opusSampleRate

	dev, err := malgo.InitDevice(actx.Context, cfg, malgo.DeviceCallbacks{
		Data: s.fill,
	})
	if err != nil {
		_ = actx.Uninit()
		actx.Free()
		return nil, err
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		_ = actx.Uninit()
		actx.Free()
		return nil, err
	}
	s.dev = dev
	return s, nil
}

// fill is the device callback: drain buffered PCM, pad the rest with silence.
func (s *playbackSink) fill(out, _ []byte, _ uint32) {
	s.ring.FillLE(out)
}

// Write queues decoded remote samples for playback. Oldest audio is dropped
// when the consumer stalls.
func (s *playbackSink) Write(samples []int16) {
	s.ring.Write(samples)
}

func (s *playbackSink) Close() {
	s.closeOnce.Do(func() {
		s.dev.Uninit()
		_ = s.actx.Uninit()
		s.actx.Free()
	})
}
