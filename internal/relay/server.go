// Package relay implements the signaling relay: the rendezvous point that
// forwards call-control messages between two participants who have no direct
// connection yet, and tracks who is online.
//
// The relay is deliberately dumb. It never inspects SDP or candidates; it
// routes by the To field and rewrites only the delivery type (call-offer is
// delivered as incoming-call, call-answer as call-answered). Delivery is
// fire-and-forget: messages for unknown or slow participants are dropped.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/securecall/securecall/internal/logging"
	"github.com/securecall/securecall/internal/proto"
	"github.com/securecall/securecall/internal/state"
	"github.com/securecall/securecall/internal/util"
)

const sendQueueSize = 32

type Server struct {
	addr string
	ttl  time.Duration
	log  logging.Logger

	upgrader websocket.Upgrader
	srv      *http.Server
	ln       net.Listener

	mu      sync.Mutex
	clients map[string]*client

	roster *state.PeerTable
}

// client is one registered participant connection.
type client struct {
	id   string
	conn *websocket.Conn
	send chan proto.Message
	once sync.Once
}

func New(addr string, ttl time.Duration, log logging.Logger) *Server {
	return &Server{
		addr: addr,
		ttl:  ttl,
		log:  log.Named("relay"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
		roster:  state.NewPeerTable(),
	}
}

// Start binds the listener and serves until ctx is cancelled.
// Returns once the listener is bound; use URL to reach the server.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("relay listen %s: %w", s.addr, err)
	}
	s.ln = ln

	r := chi.NewRouter()
	r.Get("/ws", s.handleWS)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/users.json", s.handleUsersJSON)

	s.srv = &http.Server{Handler: r}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(sctx)
	}()
	go s.reapStale(ctx)
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("serve: %v", err)
		}
	}()

	s.log.Infof("listening on %s", s.URL())
	return nil
}

// URL returns the base http URL of the running server.
func (s *Server) URL() string {
	if s.ln == nil {
		return ""
	}
	return "http://" + s.ln.Addr().String()
}

// WSURL returns the websocket endpoint participants dial.
func (s *Server) WSURL() string {
	if s.ln == nil {
		return ""
	}
	return "ws://" + s.ln.Addr().String() + "/ws"
}

func (s *Server) handleUsersJSON(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("content-type", "application/json")
	_ = json.NewEncoder(w).Encode(s.rosterSnapshot())
}

// handleWS upgrades the connection and owns its read loop. The first message
// must be register-user; everything after is heartbeat or call control.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("upgrade: %v", err)
		return
	}

	var reg proto.Message
	if err := conn.ReadJSON(&reg); err != nil || reg.Type != proto.TypeRegister {
		s.log.Warnf("connection from %s did not register, closing", r.RemoteAddr)
		_ = conn.Close()
		return
	}
	id, err := util.ValidateParticipantID(reg.From)
	if err != nil {
		s.log.Warnf("rejecting registration from %s: %v", r.RemoteAddr, err)
		_ = conn.Close()
		return
	}

	c := &client{
		id:   id,
		conn: conn,
		send: make(chan proto.Message, sendQueueSize),
	}
	s.register(c)
	defer s.unregister(c)

	go s.writeLoop(c)

	for {
		var msg proto.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		msg.From = c.id // never trust the sender's claimed identity
		s.route(c, msg)
	}
}

func (s *Server) route(c *client, msg proto.Message) {
	switch msg.Type {
	case proto.TypeHeartbeat:
		s.roster.Touch(c.id)

	case proto.TypeCallOffer:
		msg.Type = proto.TypeIncomingCall
		s.forward(msg)
	case proto.TypeCallAnswer:
		msg.Type = proto.TypeCallAnswered
		s.forward(msg)
	case proto.TypeIceCandidate, proto.TypeCallDeclined, proto.TypeEndCall:
		s.forward(msg)

	default:
		s.log.Debugf("dropping message type %q from %s", msg.Type, c.id)
	}
}

// forward delivers msg to its To participant, dropping it when the target is
// unknown or its queue is full. The queue send happens under s.mu: every
// close of a send channel (reconnect, disconnect, reaper) also runs under
// s.mu, so the channel cannot be closed between lookup and send.
func (s *Server) forward(msg proto.Message) {
	if msg.TS == 0 {
		msg.TS = proto.NowMillis()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.clients[msg.To]
	if !ok {
		s.log.Debugf("no such participant %q for %s from %s", msg.To, msg.Type, msg.From)
		return
	}
	select {
	case target.send <- msg:
	default:
		s.log.Warnf("send queue full for %s, dropping %s", msg.To, msg.Type)
	}
}

func (s *Server) writeLoop(c *client) {
	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			c.close()
			return
		}
	}
	c.close()
}

func (c *client) close() {
	c.once.Do(func() { _ = c.conn.Close() })
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	// A reconnect replaces the previous connection for the same id.
	if prev, ok := s.clients[c.id]; ok {
		close(prev.send)
	}
	s.clients[c.id] = c
	s.mu.Unlock()

	s.roster.Upsert(c.id)
	s.log.Infof("registered %s", c.id)
	s.broadcastRoster()
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	if cur, ok := s.clients[c.id]; ok && cur == c {
		delete(s.clients, c.id)
		close(c.send)
	}
	s.mu.Unlock()

	c.close()
	s.roster.Remove(c.id)
	s.log.Infof("unregistered %s", c.id)
	s.broadcastRoster()
}

// reapStale disconnects participants whose heartbeat went silent for ttl.
func (s *Server) reapStale(ctx context.Context) {
	ticker := time.NewTicker(s.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := s.roster.PruneStale(time.Now().Add(-s.ttl))
			for _, id := range removed {
				s.mu.Lock()
				c, ok := s.clients[id]
				if ok {
					delete(s.clients, id)
					close(c.send)
				}
				s.mu.Unlock()
				s.log.Infof("expired %s (no heartbeat for %s)", id, s.ttl)
			}
			if len(removed) > 0 {
				s.broadcastRoster()
			}
		}
	}
}

func (s *Server) rosterSnapshot() map[string]proto.Presence {
	users := make(map[string]proto.Presence)
	for id, sp := range s.roster.Snapshot() {
		users[id] = proto.Presence{Online: sp.Online, LastSeen: sp.LastSeen.UnixMilli()}
	}
	return users
}

// broadcastRoster pushes the full roster to every connected participant.
func (s *Server) broadcastRoster() {
	users := s.rosterSnapshot()
	msg := proto.Message{Type: proto.TypeUpdateUsers, Users: users, TS: proto.NowMillis()}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
}
