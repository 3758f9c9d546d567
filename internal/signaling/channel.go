// Package signaling maintains the participant's connection to the relay:
// one websocket, one ordered write loop, one read loop fanning messages out
// to subscribers. Registration and the heartbeat timer are process-wide
// state with an explicit Start/Stop lifecycle; they outlive any single call.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/securecall/securecall/internal/logging"
	"github.com/securecall/securecall/internal/proto"
	"github.com/securecall/securecall/internal/state"
)

var ErrClosed = errors.New("signaling: channel closed")

const outQueueSize = 64

// Channel is the participant's live link to the relay.
type Channel struct {
	selfID string
	log    logging.Logger
	roster *state.PeerTable

	conn *websocket.Conn
	out  chan proto.Message

	mu     sync.Mutex
	subs   map[chan proto.Message]struct{}
	closed bool
	done   chan struct{}
}

// Dial connects to the relay websocket, registers selfID and starts the
// heartbeat. roster is updated from relay update-users pushes.
func Dial(ctx context.Context, url, selfID string, heartbeat time.Duration, roster *state.PeerTable, log logging.Logger) (*Channel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}

	c := &Channel{
		selfID: selfID,
		log:    log.Named("signaling"),
		roster: roster,
		conn:   conn,
		out:    make(chan proto.Message, outQueueSize),
		subs:   make(map[chan proto.Message]struct{}),
		done:   make(chan struct{}),
	}

	// Registration must be the first frame on the wire, before the write
	// loop can interleave anything else.
	if err := conn.WriteJSON(proto.Message{Type: proto.TypeRegister, From: selfID, TS: proto.NowMillis()}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("register %s: %w", selfID, err)
	}

	go c.writeLoop()
	go c.readLoop()
	go c.heartbeatLoop(heartbeat)

	c.log.Infof("registered as %s", selfID)
	return c, nil
}

// SelfID returns the participant id this channel registered with.
func (c *Channel) SelfID() string { return c.selfID }

// Send queues msg for delivery. Fire-and-forget: a full queue or a dead
// connection surfaces as an error but is treated like silence by callers.
func (c *Channel) Send(msg proto.Message) error {
	msg.From = c.selfID
	if msg.TS == 0 {
		msg.TS = proto.NowMillis()
	}
	select {
	case <-c.done:
		return ErrClosed
	case c.out <- msg:
		return nil
	default:
		return fmt.Errorf("signaling: send queue full, dropped %s", msg.Type)
	}
}

// Subscribe returns a channel of inbound relay messages and a cancel func.
// update-users pushes are consumed internally and do not appear here.
func (c *Channel) Subscribe() (chan proto.Message, func()) {
	ch := make(chan proto.Message, 32)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()
	cancel := func() {
		c.mu.Lock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
		c.mu.Unlock()
	}
	return ch, cancel
}

// Close tears the channel down. Idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	for ch := range c.subs {
		delete(c.subs, ch)
		close(ch)
	}
	c.mu.Unlock()
	_ = c.conn.Close()
}

func (c *Channel) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			if err := c.conn.WriteJSON(msg); err != nil {
				c.log.Warnf("write %s: %v", msg.Type, err)
				c.Close()
				return
			}
		}
	}
}

func (c *Channel) readLoop() {
	defer c.Close()
	for {
		var msg proto.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.done: // normal shutdown
			default:
				c.log.Warnf("read: %v", err)
			}
			return
		}
		if msg.Type == proto.TypeUpdateUsers {
			if c.roster != nil {
				c.roster.ReplaceAll(msg.Users)
			}
			continue
		}
		c.dispatch(msg)
	}
}

// dispatch fans one inbound message out to all subscribers. Slow subscribers
// lose messages rather than stalling the read loop.
func (c *Channel) dispatch(msg proto.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.subs {
		select {
		case ch <- msg:
		default:
			c.log.Warnf("subscriber backlogged, dropping %s", msg.Type)
		}
	}
}

func (c *Channel) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			_ = c.Send(proto.Message{Type: proto.TypeHeartbeat})
		}
	}
}
