package call

import "github.com/securecall/securecall/internal/proto"

// Every external stimulus becomes one of these and is applied by the event
// loop, one at a time. Async completions carry the session id they were
// started for so the loop can discard results that outlived their session.

type event interface{ isEvent() }

// Local commands. resp carries the contract-validation result back to the
// caller synchronously.
type cmdCall struct {
	target string
	resp   chan error
}

type cmdAnswer struct{ resp chan error }
type cmdDecline struct{ resp chan error }
type cmdHangup struct{ resp chan error }

// sigEvent is one inbound relay message.
type sigEvent struct{ msg proto.Message }

// setupDone is the completion of the async caller/callee setup step:
// media acquired and the local description built.
type setupDone struct {
	sid   string
	media MediaSession
	sdp   string
}

// setupFailed aborts session setup (device or negotiation error).
type setupFailed struct {
	sid string
	err error
}

// localCandidate is a trickled candidate from our own transport.
type localCandidate struct {
	sid  string
	cand proto.Candidate
}

// transportConnected reports the peer transport reaching connected state.
type transportConnected struct{ sid string }

// transportFailed reports an ICE/DTLS failure, routed into the
// termination path.
type transportFailed struct {
	sid string
	err error
}

func (cmdCall) isEvent()            {}
func (cmdAnswer) isEvent()          {}
func (cmdDecline) isEvent()         {}
func (cmdHangup) isEvent()          {}
func (sigEvent) isEvent()           {}
func (setupDone) isEvent()          {}
func (setupFailed) isEvent()        {}
func (localCandidate) isEvent()     {}
func (transportConnected) isEvent() {}
func (transportFailed) isEvent()    {}
