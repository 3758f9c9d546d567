package media

import (
	"context"
	"sync"

	"github.com/securecall/securecall/internal/logging"
	"github.com/securecall/securecall/internal/proto"
)

// Config for one media session.
type Config struct {
	STUNURLs []string
}

// Events are the upward-facing callbacks of a media session. MixedAudio
// receives the combined local+remote stream as 16-bit LE PCM chunks — the
// only audio the recorder ever sees.
type Events struct {
	LocalCandidate func(proto.Candidate)
	Connected      func()
	Failed         func(error)
	MixedAudio     func(chunk []byte)
}

// Session owns the full media path of one call: microphone, peer transport,
// playback, and the mixing sink. Everything is created at session start and
// torn down together by Close.
type Session struct {
	log      logging.Logger
	capture  *CaptureSource
	tr       *transport
	mixer    *Mixer
	playback *playbackSink

	closeOnce sync.Once
}

// NewSession acquires the local audio source and builds the peer transport.
// A capture error aborts setup — the caller must not have sent any signaling
// yet. A nil error with no capture (unsupported platform) proceeds
// receive-only.
func NewSession(ctx context.Context, cfg Config, ev Events, log logging.Logger) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	capture, err := CaptureMicrophone(log)
	if err != nil {
		return nil, err
	}

	s := &Session{log: log.Named("media")}
	s.capture = capture
	s.mixer = NewMixer(opusSampleRate, ev.MixedAudio)

	localSrc := s.mixer.AddSource("local")
	remoteSrc := s.mixer.AddSource("remote")

	playback, perr := newPlaybackSink(log)
	if perr != nil {
		s.log.Warnf("playback unavailable: %v", perr)
		playback = nil
	}
	s.playback = playback

	tr, err := newTransport(cfg.STUNURLs, capture, transportEvents{
		localCandidate: ev.LocalCandidate,
		connected:      ev.Connected,
		failed:         ev.Failed,
		remoteAudio: func(samples []int16) {
			remoteSrc.Write(samples)
			if playback != nil {
				playback.Write(samples)
			}
		},
	}, log)
	if err != nil {
		s.teardown()
		return nil, err
	}
	s.tr = tr

	if capture != nil {
		capture.StartTap(func(samples []int16) {
			localSrc.Write(samples)
		})
	}
	return s, nil
}

func (s *Session) CreateOffer(ctx context.Context) (string, error) {
	return s.tr.CreateOffer(ctx)
}

func (s *Session) AcceptOffer(ctx context.Context, sdp string) (string, error) {
	return s.tr.AcceptOffer(ctx, sdp)
}

func (s *Session) AcceptAnswer(sdp string) error {
	return s.tr.AcceptAnswer(sdp)
}

func (s *Session) AddRemoteCandidate(c proto.Candidate) error {
	return s.tr.AddRemoteCandidate(c)
}

// Close releases every media resource of the session: transport, microphone,
// mixing sink (after its final flush), playback. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(s.teardown)
}

func (s *Session) teardown() {
	if s.tr != nil {
		s.tr.Close()
	}
	if s.capture != nil {
		s.capture.Close()
	}
	if s.mixer != nil {
		s.mixer.Close()
	}
	if s.playback != nil {
		s.playback.Close()
	}
}
