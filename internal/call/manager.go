// Package call owns the call lifecycle: one state machine per participant
// process, at most one session at a time. Every external stimulus (user
// command, relay message, transport callback, media-acquire completion) is
// enqueued as a typed event and applied by a single loop goroutine, so
// transitions are atomic and no signaling event is processed mid-transition.
package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/securecall/securecall/internal/analysis"
	"github.com/securecall/securecall/internal/logging"
	"github.com/securecall/securecall/internal/proto"
	"github.com/securecall/securecall/internal/record"
)

var (
	// ErrBusy is returned when an operation requires the Idle state but a
	// session already exists.
	ErrBusy = errors.New("call: session already in progress")
	// ErrNoSession is returned when answer/decline/hangup has nothing to
	// act on.
	ErrNoSession = errors.New("call: no session")
	// ErrClosed is returned once the manager shut down.
	ErrClosed = errors.New("call: manager closed")
)

const (
	eventQueueSize = 64
	uploadTimeout  = 90 * time.Second
)

// pendingOffer is an inbound offer awaiting the local accept/decline
// decision. No session exists yet; one is created only on answer. The
// caller trickles candidates the moment it sends the offer, so they are
// collected here and handed to the session once the user answers.
type pendingOffer struct {
	from       string
	sdp        string
	candidates []proto.Candidate
}

// Manager drives the session state machine.
type Manager struct {
	log         logging.Logger
	sig         Signaler
	selfID      string
	newMedia    MediaFactory
	newRecorder RecorderFactory
	uploader    Uploader
	alert       *analysis.Alert

	events    chan event
	done      chan struct{}
	closeOnce sync.Once

	// Loop-owned state. Never touched outside the run goroutine.
	sess    *Session
	pending *pendingOffer

	// Callbacks, set before Start.
	onState    func(Info)
	onIncoming func(callerID string)
	onReport   func(*analysis.Report)
	onVerdict  func(*analysis.Verdict)
}

func NewManager(sig Signaler, newMedia MediaFactory, newRecorder RecorderFactory, uploader Uploader, alert *analysis.Alert, log logging.Logger) *Manager {
	return &Manager{
		log:         log.Named("call"),
		sig:         sig,
		selfID:      sig.SelfID(),
		newMedia:    newMedia,
		newRecorder: newRecorder,
		uploader:    uploader,
		alert:       alert,
		events:      make(chan event, eventQueueSize),
		done:        make(chan struct{}),
	}
}

// OnStateChange registers the lifecycle callback. Must be set before Start.
func (m *Manager) OnStateChange(fn func(Info)) { m.onState = fn }

// OnIncoming registers the incoming-call callback. Must be set before Start.
func (m *Manager) OnIncoming(fn func(callerID string)) { m.onIncoming = fn }

// OnReport registers the post-call analysis report callback.
func (m *Manager) OnReport(fn func(*analysis.Report)) { m.onReport = fn }

// OnVerdict registers the scam-verdict callback.
func (m *Manager) OnVerdict(fn func(*analysis.Verdict)) { m.onVerdict = fn }

// Start launches the event loop and begins consuming relay messages.
func (m *Manager) Start() {
	go m.run()
}

// Close hangs up any active session and stops the loop. Idempotent.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		_ = m.Hangup()
		close(m.done)
	})
}

// Call starts an outbound call to target. Fails fast with ErrBusy when a
// session already exists.
func (m *Manager) Call(target string) error {
	e := cmdCall{target: target, resp: make(chan error, 1)}
	return m.ask(e, e.resp)
}

// Answer accepts the pending inbound offer.
func (m *Manager) Answer() error {
	e := cmdAnswer{resp: make(chan error, 1)}
	return m.ask(e, e.resp)
}

// Decline rejects the pending inbound offer.
func (m *Manager) Decline() error {
	e := cmdDecline{resp: make(chan error, 1)}
	return m.ask(e, e.resp)
}

// Hangup terminates whatever is going on. Terminating from Idle is a no-op.
func (m *Manager) Hangup() error {
	e := cmdHangup{resp: make(chan error, 1)}
	return m.ask(e, e.resp)
}

func (m *Manager) ask(e event, resp chan error) error {
	if err := m.post(e); err != nil {
		return err
	}
	select {
	case err := <-resp:
		return err
	case <-m.done:
		return ErrClosed
	}
}

func (m *Manager) post(e event) error {
	select {
	case <-m.done:
		return ErrClosed
	case m.events <- e:
		return nil
	}
}

// postAsync is for completions from media/transport goroutines: never block
// them, and don't care if the manager is already gone.
func (m *Manager) postAsync(e event) {
	select {
	case <-m.done:
	case m.events <- e:
	}
}

// run is the event loop: the only goroutine that reads or writes m.sess.
func (m *Manager) run() {
	sigCh, cancel := m.sig.Subscribe()
	defer cancel()

	for {
		select {
		case <-m.done:
			return
		case msg, ok := <-sigCh:
			if !ok {
				// The signaling link died under us. There is no wire to
				// speak on anymore: release the session and unblock every
				// pending and future command with ErrClosed.
				m.pending = nil
				m.terminate(terminateOpts{sendEnd: false})
				m.closeOnce.Do(func() { close(m.done) })
				return
			}
			m.apply(sigEvent{msg: msg})
		case e := <-m.events:
			m.apply(e)
		}
	}
}

func (m *Manager) apply(e event) {
	switch ev := e.(type) {
	case cmdCall:
		ev.resp <- m.startOutbound(ev.target)
	case cmdAnswer:
		ev.resp <- m.answer()
	case cmdDecline:
		ev.resp <- m.decline()
	case cmdHangup:
		ev.resp <- m.hangup()
	case sigEvent:
		m.applySignal(ev.msg)
	case setupDone:
		m.applySetupDone(ev)
	case setupFailed:
		m.applySetupFailed(ev)
	case localCandidate:
		m.applyLocalCandidate(ev)
	case transportConnected:
		m.applyConnected(ev.sid)
	case transportFailed:
		m.applyTransportFailed(ev)
	}
}

// state reports the current lifecycle state as derived from loop-owned data.
func (m *Manager) state() State {
	if m.sess != nil {
		return m.sess.state
	}
	if m.pending != nil {
		return StateRingingInbound
	}
	return StateIdle
}

func (m *Manager) notifyState() {
	if m.onState == nil {
		return
	}
	if m.sess != nil {
		m.onState(m.sess.info())
		return
	}
	m.onState(Info{State: m.state()})
}

func (m *Manager) startOutbound(target string) error {
	if m.state() != StateIdle {
		return ErrBusy
	}
	sess := &Session{
		ID:       uuid.NewString(),
		RemoteID: target,
		Role:     RoleCaller,
		state:    StateRingingOutbound,
		recorder: m.newRecorder(),
	}
	m.sess = sess
	m.log.Infof("calling %s (session %s)", target, sess.ID)
	m.notifyState()

	go m.setupCaller(sess.ID, sess.recorder)
	return nil
}

// setupCaller runs off-loop: acquire media, build the offer. Nothing is sent
// yet; a device failure here must leave no trace on the wire.
func (m *Manager) setupCaller(sid string, rec Recorder) {
	ms, err := m.newMedia(context.Background(), m.mediaEvents(sid, rec))
	if err != nil {
		m.postAsync(setupFailed{sid: sid, err: err})
		return
	}
	sdp, err := ms.CreateOffer(context.Background())
	if err != nil {
		ms.Close()
		m.postAsync(setupFailed{sid: sid, err: err})
		return
	}
	m.postAsync(setupDone{sid: sid, media: ms, sdp: sdp})
}

func (m *Manager) applyOffer(msg proto.Message) {
	if m.state() != StateIdle {
		// The relay may redeliver: an offer from the peer we are already
		// ringing with or talking to is a duplicate, not a new call.
		// Declining it would make that peer tear down the live session.
		if (m.pending != nil && m.pending.from == msg.From) ||
			(m.sess != nil && m.sess.RemoteID == msg.From) {
			m.log.Debugf("duplicate offer from %s, ignoring", msg.From)
			return
		}
		// Busy: preserve the single-session invariant. The caller gets an
		// explicit decline rather than ringing into silence.
		m.log.Infof("busy, declining offer from %s", msg.From)
		_ = m.sig.Send(proto.Message{Type: proto.TypeCallDeclined, To: msg.From})
		return
	}
	m.pending = &pendingOffer{from: msg.From, sdp: msg.SDP}
	m.log.Infof("incoming call from %s", msg.From)
	m.notifyState()
	if m.onIncoming != nil {
		m.onIncoming(msg.From)
	}
}

func (m *Manager) answer() error {
	if m.pending == nil {
		return ErrNoSession
	}
	offer := *m.pending
	m.pending = nil

	sess := &Session{
		ID:       uuid.NewString(),
		RemoteID: offer.from,
		Role:     RoleCallee,
		state:    StateConnecting,
		recorder: m.newRecorder(),
		// Candidates that arrived while the call was still ringing.
		pendingCandidates: offer.candidates,
	}
	m.sess = sess
	m.log.Infof("answering %s (session %s)", offer.from, sess.ID)
	m.notifyState()

	go m.setupCallee(sess.ID, offer.sdp, sess.recorder)
	return nil
}

// setupCallee runs off-loop: acquire media, apply the remote offer, build
// the answer.
func (m *Manager) setupCallee(sid, offerSDP string, rec Recorder) {
	ms, err := m.newMedia(context.Background(), m.mediaEvents(sid, rec))
	if err != nil {
		m.postAsync(setupFailed{sid: sid, err: err})
		return
	}
	sdp, err := ms.AcceptOffer(context.Background(), offerSDP)
	if err != nil {
		ms.Close()
		m.postAsync(setupFailed{sid: sid, err: err})
		return
	}
	m.postAsync(setupDone{sid: sid, media: ms, sdp: sdp})
}

func (m *Manager) decline() error {
	if m.pending == nil {
		return ErrNoSession
	}
	_ = m.sig.Send(proto.Message{Type: proto.TypeCallDeclined, To: m.pending.from})
	m.log.Infof("declined call from %s", m.pending.from)
	m.pending = nil
	m.notifyState()
	return nil
}

func (m *Manager) applySetupDone(ev setupDone) {
	if m.sess == nil || m.sess.ID != ev.sid {
		// The session was hung up while setup was in flight. Abandon the
		// result so no media handle outlives its session.
		ev.media.Close()
		return
	}
	sess := m.sess
	sess.media = ev.media

	// Flush candidates that arrived during setup.
	for _, c := range sess.pendingCandidates {
		if err := sess.media.AddRemoteCandidate(c); err != nil {
			m.log.Warnf("flush candidate: %v", err)
		}
	}
	sess.pendingCandidates = nil

	switch sess.Role {
	case RoleCaller:
		_ = m.sig.Send(proto.Message{Type: proto.TypeCallOffer, To: sess.RemoteID, SDP: ev.sdp})
	case RoleCallee:
		_ = m.sig.Send(proto.Message{Type: proto.TypeCallAnswer, To: sess.RemoteID, SDP: ev.sdp})
	}
}

func (m *Manager) applySetupFailed(ev setupFailed) {
	if m.sess == nil || m.sess.ID != ev.sid {
		return
	}
	// Device/negotiation error: abort before any signaling reached the
	// remote side (caller) or after the offer was consumed (callee); either
	// way the session resolves back to Idle.
	m.log.Errorf("session setup failed: %v", ev.err)
	m.terminate(terminateOpts{sendEnd: false})
}

// mediaEvents bridges media-layer callbacks into loop events for session sid.
// Mixed audio bypasses the loop and goes straight to the session's recorder,
// which discards chunks until Start and after Stop.
func (m *Manager) mediaEvents(sid string, rec Recorder) MediaEvents {
	return MediaEvents{
		LocalCandidate: func(c proto.Candidate) {
			m.postAsync(localCandidate{sid: sid, cand: c})
		},
		Connected: func() {
			m.postAsync(transportConnected{sid: sid})
		},
		Failed: func(err error) {
			m.postAsync(transportFailed{sid: sid, err: err})
		},
		MixedAudio: rec.Write,
	}
}

func (m *Manager) applySignal(msg proto.Message) {
	switch msg.Type {
	case proto.TypeIncomingCall:
		m.applyOffer(msg)

	case proto.TypeCallAnswered:
		if m.sess == nil || m.sess.state != StateRingingOutbound {
			m.log.Debugf("stray call-answered from %s", msg.From)
			return
		}
		if m.sess.media == nil {
			// Cannot happen with an honest relay: the answer is a reply to
			// our offer, which is only sent once media exists.
			m.log.Warnf("call-answered before local setup, ignoring")
			return
		}
		if err := m.sess.media.AcceptAnswer(msg.SDP); err != nil {
			m.log.Errorf("apply answer: %v", err)
			m.terminate(terminateOpts{sendEnd: true})
			return
		}
		m.sess.state = StateConnecting
		m.notifyState()

	case proto.TypeIceCandidate:
		if msg.Candidate == nil {
			return
		}
		if m.sess == nil {
			if m.pending != nil && m.pending.from == msg.From {
				m.pending.candidates = append(m.pending.candidates, *msg.Candidate)
			}
			return
		}
		if msg.From != m.sess.RemoteID {
			return
		}
		if m.sess.media == nil {
			m.sess.pendingCandidates = append(m.sess.pendingCandidates, *msg.Candidate)
			return
		}
		if err := m.sess.media.AddRemoteCandidate(*msg.Candidate); err != nil {
			m.log.Warnf("add candidate: %v", err)
		}

	case proto.TypeCallDeclined:
		if m.sess == nil || msg.From != m.sess.RemoteID {
			return
		}
		m.log.Infof("%s declined", msg.From)
		m.terminate(terminateOpts{sendEnd: false})

	case proto.TypeEndCall:
		m.applyRemoteEnd(msg)
	}
}

func (m *Manager) applyRemoteEnd(msg proto.Message) {
	// Remote hung up while we were only ringing inbound: discard the offer.
	if m.pending != nil && m.pending.from == msg.From {
		m.log.Infof("caller %s cancelled", msg.From)
		m.pending = nil
		m.notifyState()
		return
	}
	if m.sess == nil || msg.From != m.sess.RemoteID {
		// Duplicate end-call, or end-call for a session that already
		// terminated locally (possibly with an upload in flight): no-op,
		// never an error, never a second teardown.
		return
	}
	m.log.Infof("%s ended the call", msg.From)
	m.terminate(terminateOpts{sendEnd: false})
}

func (m *Manager) applyLocalCandidate(ev localCandidate) {
	if m.sess == nil || m.sess.ID != ev.sid {
		return
	}
	_ = m.sig.Send(proto.Message{
		Type:      proto.TypeIceCandidate,
		To:        m.sess.RemoteID,
		Candidate: &ev.cand,
	})
}

func (m *Manager) applyConnected(sid string) {
	if m.sess == nil || m.sess.ID != sid || m.sess.state != StateConnecting {
		return
	}
	m.sess.state = StateActive
	m.log.Infof("call active with %s", m.sess.RemoteID)
	if m.sess.recorder != nil {
		m.sess.recorder.Start()
	}
	m.notifyState()
}

func (m *Manager) applyTransportFailed(ev transportFailed) {
	if m.sess == nil || m.sess.ID != ev.sid {
		return
	}
	// Same teardown path as a remote hang-up, minus the end-call frame:
	// the transport is already dead.
	m.log.Warnf("transport failed: %v", ev.err)
	m.terminate(terminateOpts{sendEnd: false})
}

type terminateOpts struct {
	sendEnd bool // notify the remote side (local hangup)
}

func (m *Manager) hangup() error {
	if m.pending != nil {
		// Hanging up while ringing inbound is a decline.
		return m.decline()
	}
	if m.sess == nil {
		return nil // terminating an idle machine is a no-op
	}
	m.terminate(terminateOpts{sendEnd: true})
	return nil
}

// terminate tears the current session down from any state and resolves to
// Idle. Idempotent by construction: m.sess is nil afterwards, and every
// entry point checks that first.
func (m *Manager) terminate(opts terminateOpts) {
	sess := m.sess
	if sess == nil {
		return
	}
	m.sess = nil

	if opts.sendEnd {
		_ = m.sig.Send(proto.Message{Type: proto.TypeEndCall, To: sess.RemoteID})
	}

	sess.state = StateTerminated
	if m.onState != nil {
		m.onState(sess.info())
	}

	// Media first, so no more chunks reach the recorder; then stop-and-flush
	// must complete before assembly.
	if sess.media != nil {
		sess.media.Close()
	}
	if sess.recorder != nil {
		if artifact, ok := sess.recorder.Stop(m.selfID); ok {
			// Upload runs detached from the session: a new call can start
			// while the previous recording is still being analyzed, and a
			// late remote end-call can no longer touch it.
			go m.processRecording(artifact)
		}
	}

	m.log.Infof("session %s terminated", sess.ID)
	m.notifyState() // back to idle
}

// processRecording uploads one finished recording and surfaces the verdict.
// Runs on its own goroutine, fully decoupled from the session lifecycle.
func (m *Manager) processRecording(artifact *record.Artifact) {
	if m.uploader == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
	defer cancel()

	report, err := m.uploader.Process(ctx, artifact)
	if err != nil {
		m.log.Errorf("recording analysis failed: %v", err)
		return
	}
	if m.onReport != nil {
		m.onReport(report)
	}
	verdict, ok := analysis.ParseVerdict(report.ScamAnalysis)
	if !ok {
		m.log.Infof("analysis returned no parseable likelihood")
		return
	}
	m.log.Infof("scam likelihood %d%%: %s", verdict.Likelihood, verdict.Message)
	if m.alert != nil {
		m.alert.Set(verdict)
	}
	if m.onVerdict != nil {
		m.onVerdict(verdict)
	}
}
