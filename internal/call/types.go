package call

import (
	"context"

	"github.com/securecall/securecall/internal/analysis"
	"github.com/securecall/securecall/internal/proto"
	"github.com/securecall/securecall/internal/record"
)

// Signaler is the only surface the call package needs from the signaling
// layer. The concrete *signaling.Channel satisfies it; keeping the interface
// here means the state machine can be driven by a fake in tests.
type Signaler interface {
	SelfID() string
	Send(msg proto.Message) error
	Subscribe() (chan proto.Message, func())
}

// MediaSession is the per-call media path: peer transport, local source,
// mixing sink. The concrete implementation lives in internal/media.
type MediaSession interface {
	CreateOffer(ctx context.Context) (string, error)
	AcceptOffer(ctx context.Context, sdp string) (string, error)
	AcceptAnswer(sdp string) error
	AddRemoteCandidate(c proto.Candidate) error
	Close()
}

// MediaEvents are the callbacks the manager wires into a new media session.
// They fire on media-layer goroutines and are converted into loop events.
type MediaEvents struct {
	LocalCandidate func(proto.Candidate)
	Connected      func()
	Failed         func(error)
	MixedAudio     func(chunk []byte)
}

// MediaFactory acquires local media and builds the transport for one call.
// It may block (device access, codec setup); the manager always calls it off
// the event loop. An error aborts session setup before any signaling is sent.
type MediaFactory func(ctx context.Context, ev MediaEvents) (MediaSession, error)

// Recorder is the capture pipeline for one session.
type Recorder interface {
	Start()
	Write(chunk []byte)
	Stop(participantID string) (*record.Artifact, bool)
}

// RecorderFactory creates a fresh recorder per session.
type RecorderFactory func() Recorder

// Uploader is the post-call collaborator: storage upload plus backend
// transcription and scam scoring.
type Uploader interface {
	Process(ctx context.Context, artifact *record.Artifact) (*analysis.Report, error)
}

// Role of the local participant in a session.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// State of the call lifecycle.
type State string

const (
	StateIdle            State = "idle"
	StateRingingOutbound State = "ringing-outbound" // caller awaiting answer
	StateRingingInbound  State = "ringing-inbound"  // offer received, awaiting accept/decline
	StateConnecting      State = "connecting"       // descriptions exchanged, ICE in progress
	StateActive          State = "active"           // media flowing, recording
	StateTerminated      State = "terminated"       // transient; auto-resets to idle
)
