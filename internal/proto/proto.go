// Package proto defines the signaling wire protocol spoken between a
// participant and the relay. All messages are JSON over a single websocket;
// the Type field routes them. The relay rewrites nothing except the
// delivery direction (call-offer becomes incoming-call on the far side).
package proto

import "time"

// Message type constants. Values are the wire strings — keep in sync with
// any non-Go client implementations.
const (
	// Participant → relay, presence maintenance.
	TypeRegister  = "register-user"
	TypeHeartbeat = "heartbeat"

	// Call control, participant → relay → peer.
	TypeCallOffer    = "call-offer"    // caller → callee (delivered as incoming-call)
	TypeIncomingCall = "incoming-call" // relay → callee
	TypeCallAnswer   = "call-answer"   // callee → caller (delivered as call-answered)
	TypeCallAnswered = "call-answered" // relay → caller
	TypeIceCandidate = "ice-candidate" // either direction, trickled as produced
	TypeCallDeclined = "call-declined" // callee → caller
	TypeEndCall      = "end-call"      // either side: hang up

	// Relay → everyone on any roster change.
	TypeUpdateUsers = "update-users"
)

// Candidate is a trickled ICE candidate as produced by the transport layer.
type Candidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`
}

// Presence is one roster entry in an update-users push.
type Presence struct {
	Online   bool  `json:"online"`
	LastSeen int64 `json:"lastSeen"` // unix millis
}

// Message is the single envelope for every signaling exchange.
// Only the fields relevant to Type are populated.
type Message struct {
	Type string `json:"type"`
	From string `json:"from,omitempty"` // sender participant id
	To   string `json:"to,omitempty"`   // target participant id

	SDP       string              `json:"sdp,omitempty"`       // call-offer / call-answer
	Candidate *Candidate          `json:"candidate,omitempty"` // ice-candidate
	Users     map[string]Presence `json:"users,omitempty"`     // update-users

	TS int64 `json:"ts,omitempty"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
