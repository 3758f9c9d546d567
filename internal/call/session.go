package call

import "github.com/securecall/securecall/internal/proto"

// Session is the single owned unit of an active or pending call. It is a
// plain data holder — all mutation happens on the manager's event loop, so
// no lock is needed here.
type Session struct {
	ID       string
	RemoteID string
	Role     Role

	state    State
	media    MediaSession // nil until the async setup step completes
	recorder Recorder

	// Candidates that arrived while media setup was still in flight.
	// Flushed into the transport as soon as it exists; the transport keeps
	// its own buffer for candidates that beat the remote description.
	pendingCandidates []proto.Candidate
}

// Info is a read-only snapshot of a session for callbacks and display.
type Info struct {
	ID       string
	RemoteID string
	Role     Role
	State    State
}

func (s *Session) info() Info {
	return Info{ID: s.ID, RemoteID: s.RemoteID, Role: s.Role, State: s.state}
}
