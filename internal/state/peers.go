// Package state holds process-wide presence state: which participants the
// relay currently reports as online. It carries no call state — that lives
// in internal/call.
package state

import (
	"sync"
	"time"

	"github.com/securecall/securecall/internal/proto"
)

// SeenPeer is one roster entry as last reported by the relay.
type SeenPeer struct {
	Online   bool
	LastSeen time.Time
}

// PeerEvent notifies listeners about roster changes.
type PeerEvent struct {
	Type   string              `json:"type"` // "update" | "remove" | "replace"
	PeerID string              `json:"peer_id,omitempty"`
	Peers  map[string]SeenPeer `json:"peers,omitempty"`
}

// PeerTable is the in-memory presence roster. Safe for concurrent use.
type PeerTable struct {
	mu        sync.Mutex
	peers     map[string]SeenPeer
	listeners []chan PeerEvent
}

func NewPeerTable() *PeerTable {
	return &PeerTable{
		peers:     map[string]SeenPeer{},
		listeners: make([]chan PeerEvent, 0),
	}
}

// Upsert records a participant as online now.
func (t *PeerTable) Upsert(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp := SeenPeer{Online: true, LastSeen: time.Now()}
	t.peers[id] = sp
	t.notifyListeners(PeerEvent{Type: "update", PeerID: id})
}

// Touch refreshes a participant's LastSeen without emitting an event.
func (t *PeerTable) Touch(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.peers[id]
	if !ok {
		return
	}
	sp.LastSeen = time.Now()
	t.peers[id] = sp
}

func (t *PeerTable) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, id)
	t.notifyListeners(PeerEvent{Type: "remove", PeerID: id})
}

// ReplaceAll swaps the whole roster for a relay update-users snapshot.
func (t *PeerTable) ReplaceAll(users map[string]proto.Presence) {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := make(map[string]SeenPeer, len(users))
	for id, p := range users {
		next[id] = SeenPeer{
			Online:   p.Online,
			LastSeen: time.UnixMilli(p.LastSeen),
		}
	}
	t.peers = next
	t.notifyListeners(PeerEvent{Type: "replace", Peers: t.snapshotLocked()})
}

func (t *PeerTable) Get(id string) (SeenPeer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.peers[id]
	return sp, ok
}

func (t *PeerTable) IDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	return ids
}

func (t *PeerTable) Snapshot() map[string]SeenPeer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *PeerTable) snapshotLocked() map[string]SeenPeer {
	cp := make(map[string]SeenPeer, len(t.peers))
	for k, v := range t.peers {
		cp[k] = v
	}
	return cp
}

// PruneStale removes participants whose LastSeen is older than cutoff.
// Returns the removed ids.
func (t *PeerTable) PruneStale(cutoff time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed []string
	for id, sp := range t.peers {
		if sp.LastSeen.Before(cutoff) {
			delete(t.peers, id)
			removed = append(removed, id)
			t.notifyListeners(PeerEvent{Type: "remove", PeerID: id})
		}
	}
	return removed
}

func (t *PeerTable) Subscribe() chan PeerEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan PeerEvent, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *PeerTable) Unsubscribe(ch chan PeerEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *PeerTable) notifyListeners(evt PeerEvent) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
