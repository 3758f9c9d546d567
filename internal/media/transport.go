package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/securecall/securecall/internal/logging"
	"github.com/securecall/securecall/internal/proto"
)

// transportEvents are the callbacks a transport fires. All of them may be
// invoked from pion goroutines; receivers must be safe for that.
type transportEvents struct {
	localCandidate func(proto.Candidate)
	connected      func()
	failed         func(error)
	// remoteAudio receives decoded remote PCM; the slice is only valid for
	// the duration of the call.
	remoteAudio func(samples []int16)
}

// transport wraps one pion PeerConnection for a single call session.
type transport struct {
	log logging.Logger
	pc  *webrtc.PeerConnection
	ev  transportEvents

	mu        sync.Mutex
	remoteSet bool
	pending   []proto.Candidate
	closed    bool
}

// newTransport builds the PeerConnection. When src is non-nil its tracks are
// added for sending; otherwise a recvonly audio transceiver keeps the SDP
// m-line valid.
func newTransport(stunURLs []string, src *CaptureSource, ev transportEvents, log logging.Logger) (*transport, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if src != nil {
		src.selector.Populate(mediaEngine)
	} else {
		if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
			return nil, err
		}
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup does not immediately
	// terminate the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunURLs}},
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	t := &transport{log: log.Named("transport"), pc: pc, ev: ev}

	if src != nil {
		for _, track := range src.Tracks() {
			if _, err := pc.AddTrack(track); err != nil {
				t.log.Warnf("add track: %v", err)
			}
		}
	} else {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			t.log.Warnf("add recvonly transceiver: %v", err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		init := c.ToJSON()
		cand := proto.Candidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			cand.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			cand.SDPMLineIndex = *init.SDPMLineIndex
		}
		t.ev.localCandidate(cand)
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.log.Infof("connection state: %s", s)
		switch s {
		case webrtc.PeerConnectionStateConnected:
			t.ev.connected()
		case webrtc.PeerConnectionStateFailed:
			t.ev.failed(fmt.Errorf("peer connection failed"))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		t.log.Infof("remote audio track: %s", track.Codec().MimeType)
		go t.readRemote(track)
	})

	return t, nil
}

// readRemote pumps one remote track: RTP in, decoded PCM out.
func (t *transport) readRemote(track *webrtc.TrackRemote) {
	dec, err := newOpusDecoder()
	if err != nil {
		t.log.Errorf("opus decoder: %v", err)
		return
	}
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return // track ended or pc closed
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		samples, err := dec.decode(pkt.Payload)
		if err != nil {
			t.log.Debugf("opus decode: %v", err)
			continue
		}
		t.ev.remoteAudio(samples)
	}
}

// CreateOffer produces the local offer and installs it as the local
// description. Candidates trickle via the localCandidate callback.
func (t *transport) CreateOffer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return offer.SDP, nil
}

// AcceptOffer applies the remote offer and returns the local answer.
func (t *transport) AcceptOffer(ctx context.Context, sdp string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := t.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return "", err
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return answer.SDP, nil
}

// AcceptAnswer applies the remote answer on the caller side.
func (t *transport) AcceptAnswer(sdp string) error {
	return t.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

// setRemote installs the remote description and applies any candidates that
// arrived before it — the startup race the signaling layer cannot prevent.
func (t *transport) setRemote(desc webrtc.SessionDescription) error {
	if err := t.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	t.mu.Lock()
	t.remoteSet = true
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()
	for _, c := range pending {
		if err := t.addCandidate(c); err != nil {
			t.log.Warnf("apply buffered candidate: %v", err)
		}
	}
	return nil
}

// AddRemoteCandidate applies a trickled candidate, buffering it when the
// remote description is not set yet.
func (t *transport) AddRemoteCandidate(c proto.Candidate) error {
	t.mu.Lock()
	if !t.remoteSet {
		t.pending = append(t.pending, c)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	return t.addCandidate(c)
}

func (t *transport) addCandidate(c proto.Candidate) error {
	mid := c.SDPMid
	idx := c.SDPMLineIndex
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
}

// Close shuts the peer connection down. Idempotent.
func (t *transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()
	if err := t.pc.Close(); err != nil {
		t.log.Warnf("close peer connection: %v", err)
	}
}
