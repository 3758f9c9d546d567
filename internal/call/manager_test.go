package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/securecall/securecall/internal/analysis"
	"github.com/securecall/securecall/internal/logging"
	"github.com/securecall/securecall/internal/proto"
	"github.com/securecall/securecall/internal/record"
)

const waitFor = 2 * time.Second

// fakeSignaler records outbound messages and lets the test inject inbound
// ones, standing in for the relay connection.
type fakeSignaler struct {
	mu     sync.Mutex
	sent   []proto.Message
	inbox  chan proto.Message
	sentCh chan proto.Message
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{
		inbox:  make(chan proto.Message, 16),
		sentCh: make(chan proto.Message, 16),
	}
}

func (f *fakeSignaler) SelfID() string { return "alice" }

func (f *fakeSignaler) Send(msg proto.Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	f.sentCh <- msg
	return nil
}

func (f *fakeSignaler) Subscribe() (chan proto.Message, func()) {
	return f.inbox, func() {}
}

// awaitSent blocks until the signaler emits a message of the given type.
func (f *fakeSignaler) awaitSent(t *testing.T, typ string) proto.Message {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case msg := <-f.sentCh:
			if msg.Type == typ {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", typ)
		}
	}
}

type fakeMedia struct {
	ev MediaEvents

	mu         sync.Mutex
	candidates []proto.Candidate
	answerSDP  string
	closed     bool
}

func (f *fakeMedia) CreateOffer(context.Context) (string, error) { return "offer-sdp", nil }
func (f *fakeMedia) AcceptOffer(_ context.Context, sdp string) (string, error) {
	return "answer-sdp", nil
}
func (f *fakeMedia) AcceptAnswer(sdp string) error {
	f.mu.Lock()
	f.answerSDP = sdp
	f.mu.Unlock()
	return nil
}
func (f *fakeMedia) AddRemoteCandidate(c proto.Candidate) error {
	f.mu.Lock()
	f.candidates = append(f.candidates, c)
	f.mu.Unlock()
	return nil
}
func (f *fakeMedia) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeMedia) candidateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.candidates)
}

func (f *fakeMedia) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// mediaRig hands out fakeMedia sessions and remembers the last one so the
// test can drive its event callbacks.
type mediaRig struct {
	mu      sync.Mutex
	last    *fakeMedia
	created chan *fakeMedia
	err     error
}

func newMediaRig() *mediaRig {
	return &mediaRig{created: make(chan *fakeMedia, 4)}
}

func (r *mediaRig) factory(ctx context.Context, ev MediaEvents) (MediaSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	fm := &fakeMedia{ev: ev}
	r.last = fm
	r.created <- fm
	return fm, nil
}

func (r *mediaRig) await(t *testing.T) *fakeMedia {
	t.Helper()
	select {
	case fm := <-r.created:
		return fm
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for media session")
		return nil
	}
}

type fakeUploader struct {
	mu       sync.Mutex
	report   *analysis.Report
	err      error
	received chan *record.Artifact
}

func newFakeUploader(report *analysis.Report) *fakeUploader {
	return &fakeUploader{report: report, received: make(chan *record.Artifact, 4)}
}

func (f *fakeUploader) Process(_ context.Context, a *record.Artifact) (*analysis.Report, error) {
	f.received <- a
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.report, nil
}

type rig struct {
	sig      *fakeSignaler
	media    *mediaRig
	uploader *fakeUploader
	mgr      *Manager

	mu     sync.Mutex
	states []State

	incoming chan string
	verdicts chan *analysis.Verdict
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{
		sig:      newFakeSignaler(),
		media:    newMediaRig(),
		uploader: newFakeUploader(&analysis.Report{ScamAnalysis: "**Scam Likelihood**: 73% based on urgency cues."}),
		incoming: make(chan string, 4),
		verdicts: make(chan *analysis.Verdict, 4),
	}
	r.mgr = NewManager(
		r.sig,
		r.media.factory,
		func() Recorder { return record.NewRecorder(48000, 1, logging.Nop()) },
		r.uploader,
		nil,
		logging.Nop(),
	)
	r.mgr.OnStateChange(func(info Info) {
		r.mu.Lock()
		r.states = append(r.states, info.State)
		r.mu.Unlock()
	})
	r.mgr.OnIncoming(func(caller string) { r.incoming <- caller })
	r.mgr.OnVerdict(func(v *analysis.Verdict) { r.verdicts <- v })
	r.mgr.Start()
	t.Cleanup(r.mgr.Close)
	return r
}

func (r *rig) awaitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, s := range r.states {
			if s == want {
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond, "never reached state %q", want)
}

func TestOutboundCallFullLifecycle(t *testing.T) {
	r := newRig(t)

	require.NoError(t, r.mgr.Call("bob"))
	r.awaitState(t, StateRingingOutbound)

	// Offer goes out only after media setup succeeded.
	offer := r.sig.awaitSent(t, proto.TypeCallOffer)
	require.Equal(t, "bob", offer.To)
	require.Equal(t, "offer-sdp", offer.SDP)
	fm := r.media.await(t)

	// A second call while one is in flight is rejected up front.
	require.ErrorIs(t, r.mgr.Call("carol"), ErrBusy)

	r.sig.inbox <- proto.Message{Type: proto.TypeCallAnswered, From: "bob", SDP: "bob-answer"}
	r.awaitState(t, StateConnecting)

	fm.ev.Connected()
	r.awaitState(t, StateActive)

	// Some mixed audio flows while active.
	fm.ev.MixedAudio([]byte{1, 2, 3, 4})

	require.NoError(t, r.mgr.Hangup())
	r.awaitState(t, StateTerminated)
	end := r.sig.awaitSent(t, proto.TypeEndCall)
	require.Equal(t, "bob", end.To)
	require.True(t, fm.isClosed())

	// Recording was started, so an artifact is uploaded and the verdict
	// surfaces through the callback.
	select {
	case a := <-r.uploader.received:
		require.Equal(t, "alice", a.ParticipantID)
		require.NotEmpty(t, a.Data)
	case <-time.After(waitFor):
		t.Fatal("no artifact uploaded")
	}
	select {
	case v := <-r.verdicts:
		require.Equal(t, analysis.SeverityWarning, v.Severity)
		require.Equal(t, 73, v.Likelihood)
	case <-time.After(waitFor):
		t.Fatal("no verdict delivered")
	}
}

func TestInboundAnswerAndRemoteHangup(t *testing.T) {
	r := newRig(t)

	r.sig.inbox <- proto.Message{Type: proto.TypeIncomingCall, From: "bob", SDP: "bob-offer"}
	select {
	case caller := <-r.incoming:
		require.Equal(t, "bob", caller)
	case <-time.After(waitFor):
		t.Fatal("incoming callback never fired")
	}

	require.NoError(t, r.mgr.Answer())
	answer := r.sig.awaitSent(t, proto.TypeCallAnswer)
	require.Equal(t, "bob", answer.To)
	require.Equal(t, "answer-sdp", answer.SDP)

	fm := r.media.await(t)
	fm.ev.Connected()
	r.awaitState(t, StateActive)

	r.sig.inbox <- proto.Message{Type: proto.TypeEndCall, From: "bob"}
	r.awaitState(t, StateTerminated)
	require.Eventually(t, fm.isClosed, waitFor, 5*time.Millisecond)

	// A duplicate end-call after teardown is silently ignored.
	r.sig.inbox <- proto.Message{Type: proto.TypeEndCall, From: "bob"}

	// And the machine is reusable: a fresh outbound call works.
	require.NoError(t, r.mgr.Call("carol"))
	r.sig.awaitSent(t, proto.TypeCallOffer)
}

func TestDeclineInbound(t *testing.T) {
	r := newRig(t)

	r.sig.inbox <- proto.Message{Type: proto.TypeIncomingCall, From: "bob", SDP: "sdp"}
	<-r.incoming

	require.NoError(t, r.mgr.Decline())
	declined := r.sig.awaitSent(t, proto.TypeCallDeclined)
	require.Equal(t, "bob", declined.To)

	// Nothing pending anymore.
	require.ErrorIs(t, r.mgr.Answer(), ErrNoSession)
}

func TestBusyDeclinesSecondOffer(t *testing.T) {
	r := newRig(t)

	require.NoError(t, r.mgr.Call("bob"))
	r.sig.awaitSent(t, proto.TypeCallOffer)

	r.sig.inbox <- proto.Message{Type: proto.TypeIncomingCall, From: "carol", SDP: "sdp"}
	declined := r.sig.awaitSent(t, proto.TypeCallDeclined)
	require.Equal(t, "carol", declined.To)

	// The existing session is untouched.
	select {
	case caller := <-r.incoming:
		t.Fatalf("incoming callback fired for %q while busy", caller)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMediaFailureAbortsBeforeSignaling(t *testing.T) {
	r := newRig(t)
	r.media.mu.Lock()
	r.media.err = errors.New("no capture device")
	r.media.mu.Unlock()

	require.NoError(t, r.mgr.Call("bob"))
	r.awaitState(t, StateTerminated)

	// No offer ever reached the wire and the machine is back to idle.
	r.sig.mu.Lock()
	for _, msg := range r.sig.sent {
		require.NotEqual(t, proto.TypeCallOffer, msg.Type)
	}
	r.sig.mu.Unlock()

	r.media.mu.Lock()
	r.media.err = nil
	r.media.mu.Unlock()
	require.NoError(t, r.mgr.Call("bob"))
	r.sig.awaitSent(t, proto.TypeCallOffer)
}

func TestCandidatesBufferedDuringSetup(t *testing.T) {
	// Hold the factory until candidates have queued up.
	sig := newFakeSignaler()
	release := make(chan struct{})
	slow := newMediaRig()
	mgr := NewManager(
		sig,
		func(ctx context.Context, ev MediaEvents) (MediaSession, error) {
			<-release
			return slow.factory(ctx, ev)
		},
		func() Recorder { return record.NewRecorder(48000, 1, logging.Nop()) },
		nil, nil, logging.Nop(),
	)
	mgr.Start()
	t.Cleanup(mgr.Close)

	require.NoError(t, mgr.Call("bob"))
	sig.inbox <- proto.Message{
		Type: proto.TypeIceCandidate, From: "bob",
		Candidate: &proto.Candidate{Candidate: "candidate:1"},
	}
	sig.inbox <- proto.Message{
		Type: proto.TypeIceCandidate, From: "bob",
		Candidate: &proto.Candidate{Candidate: "candidate:2"},
	}
	close(release)

	fm := slow.await(t)
	require.Eventually(t, func() bool { return fm.candidateCount() == 2 }, waitFor, 5*time.Millisecond)
}

func TestNeverStartedRecorderSkipsUpload(t *testing.T) {
	r := newRig(t)

	require.NoError(t, r.mgr.Call("bob"))
	r.sig.awaitSent(t, proto.TypeCallOffer)

	// Hang up before the transport ever connected: the recorder was never
	// started, so nothing is uploaded.
	require.NoError(t, r.mgr.Hangup())
	r.awaitState(t, StateTerminated)

	select {
	case <-r.uploader.received:
		t.Fatal("upload attempted for never-started recording")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestRemoteDeclineEndsOutbound(t *testing.T) {
	r := newRig(t)

	require.NoError(t, r.mgr.Call("bob"))
	r.sig.awaitSent(t, proto.TypeCallOffer)

	r.sig.inbox <- proto.Message{Type: proto.TypeCallDeclined, From: "bob"}
	r.awaitState(t, StateTerminated)

	// No end-call is sent back on a remote decline.
	r.sig.mu.Lock()
	for _, msg := range r.sig.sent {
		require.NotEqual(t, proto.TypeEndCall, msg.Type)
	}
	r.sig.mu.Unlock()
}

func TestCallerCancelClearsInboundRing(t *testing.T) {
	r := newRig(t)

	r.sig.inbox <- proto.Message{Type: proto.TypeIncomingCall, From: "bob", SDP: "sdp"}
	<-r.incoming

	r.sig.inbox <- proto.Message{Type: proto.TypeEndCall, From: "bob"}
	require.Eventually(t, func() bool {
		return r.mgr.Answer() == ErrNoSession
	}, waitFor, 5*time.Millisecond)
}

func TestSignalingLossAbortsCall(t *testing.T) {
	r := newRig(t)

	require.NoError(t, r.mgr.Call("bob"))
	r.sig.awaitSent(t, proto.TypeCallOffer)
	fm := r.media.await(t)

	// The relay connection dies under the call: the loop must release the
	// session and shut down rather than strand callers inside ask.
	close(r.sig.inbox)
	require.Eventually(t, fm.isClosed, waitFor, 5*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- r.mgr.Hangup() }()
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(waitFor):
		t.Fatal("hangup blocked after signaling loss")
	}
	require.ErrorIs(t, r.mgr.Call("carol"), ErrClosed)
}

func TestCandidatesBufferedWhileRingingInbound(t *testing.T) {
	r := newRig(t)

	r.sig.inbox <- proto.Message{Type: proto.TypeIncomingCall, From: "bob", SDP: "bob-offer"}
	<-r.incoming

	// Bob trickles candidates while we are still deciding whether to pick
	// up. They must survive until the session exists.
	r.sig.inbox <- proto.Message{
		Type: proto.TypeIceCandidate, From: "bob",
		Candidate: &proto.Candidate{Candidate: "candidate:1"},
	}
	r.sig.inbox <- proto.Message{
		Type: proto.TypeIceCandidate, From: "bob",
		Candidate: &proto.Candidate{Candidate: "candidate:2"},
	}
	// A bystander's candidate is not part of this call.
	r.sig.inbox <- proto.Message{
		Type: proto.TypeIceCandidate, From: "carol",
		Candidate: &proto.Candidate{Candidate: "candidate:x"},
	}

	require.NoError(t, r.mgr.Answer())
	fm := r.media.await(t)
	require.Eventually(t, func() bool { return fm.candidateCount() == 2 }, waitFor, 5*time.Millisecond)
}

func TestDuplicateOfferFromCurrentPeerIgnored(t *testing.T) {
	r := newRig(t)

	r.sig.inbox <- proto.Message{Type: proto.TypeIncomingCall, From: "bob", SDP: "bob-offer"}
	<-r.incoming

	// The relay redelivered bob's offer while we are still ringing.
	// Declining it would tell bob to tear down the call he is waiting on.
	r.sig.inbox <- proto.Message{Type: proto.TypeIncomingCall, From: "bob", SDP: "bob-offer"}

	require.NoError(t, r.mgr.Answer())
	r.sig.awaitSent(t, proto.TypeCallAnswer)
	fm := r.media.await(t)
	fm.ev.Connected()
	r.awaitState(t, StateActive)

	// Same redelivery against the live session.
	r.sig.inbox <- proto.Message{Type: proto.TypeIncomingCall, From: "bob", SDP: "bob-offer"}
	time.Sleep(100 * time.Millisecond)

	require.False(t, fm.isClosed())
	r.sig.mu.Lock()
	for _, msg := range r.sig.sent {
		require.NotEqual(t, proto.TypeCallDeclined, msg.Type)
	}
	r.sig.mu.Unlock()
}

func TestTransportFailureTearsDownAndAnalyzes(t *testing.T) {
	r := newRig(t)

	require.NoError(t, r.mgr.Call("bob"))
	r.sig.awaitSent(t, proto.TypeCallOffer)
	fm := r.media.await(t)
	r.sig.inbox <- proto.Message{Type: proto.TypeCallAnswered, From: "bob", SDP: "bob-answer"}
	fm.ev.Connected()
	r.awaitState(t, StateActive)

	fm.ev.MixedAudio([]byte{1, 2, 3, 4})
	fm.ev.Failed(errors.New("ice disconnected"))

	r.awaitState(t, StateTerminated)
	require.Eventually(t, fm.isClosed, waitFor, 5*time.Millisecond)

	// The transport is already dead, so no end-call goes out.
	r.sig.mu.Lock()
	for _, msg := range r.sig.sent {
		require.NotEqual(t, proto.TypeEndCall, msg.Type)
	}
	r.sig.mu.Unlock()

	// The recording that did accumulate still gets analyzed.
	select {
	case a := <-r.uploader.received:
		require.NotEmpty(t, a.Data)
	case <-time.After(waitFor):
		t.Fatal("no artifact uploaded after transport failure")
	}

	// And the machine came back to idle.
	require.NoError(t, r.mgr.Call("carol"))
	offer := r.sig.awaitSent(t, proto.TypeCallOffer)
	require.Equal(t, "carol", offer.To)
}
