package signaling

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/securecall/securecall/internal/logging"
	"github.com/securecall/securecall/internal/proto"
	"github.com/securecall/securecall/internal/relay"
	"github.com/securecall/securecall/internal/state"
)

// startRelay boots a throwaway relay for the duration of one test.
func startRelay(t *testing.T, ttl time.Duration) *relay.Server {
	t.Helper()
	srv := relay.New("127.0.0.1:0", ttl, logging.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := srv.Start(ctx); err != nil {
		t.Fatal(err)
	}
	return srv
}

func dial(t *testing.T, srv *relay.Server, id string, roster *state.PeerTable) *Channel {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch, err := Dial(ctx, srv.WSURL(), id, 50*time.Millisecond, roster, logging.Nop())
	require.NoError(t, err)
	t.Cleanup(ch.Close)
	return ch
}

func TestChannelRoundTrip(t *testing.T) {
	srv := startRelay(t, 10*time.Second)

	alice := dial(t, srv, "alice", nil)
	bob := dial(t, srv, "bob", nil)

	inbox, cancel := bob.Subscribe()
	defer cancel()

	require.NoError(t, alice.Send(proto.Message{
		Type: proto.TypeCallOffer,
		To:   "bob",
		SDP:  "offer-sdp",
	}))

	select {
	case msg := <-inbox:
		// The relay rewrites the delivery type and stamps the sender.
		assert.Equal(t, proto.TypeIncomingCall, msg.Type)
		assert.Equal(t, "alice", msg.From)
		assert.Equal(t, "offer-sdp", msg.SDP)
	case <-time.After(2 * time.Second):
		t.Fatal("offer never delivered")
	}
}

func TestChannelRosterUpdates(t *testing.T) {
	srv := startRelay(t, 10*time.Second)

	roster := state.NewPeerTable()
	_ = dial(t, srv, "alice", roster)
	_ = dial(t, srv, "bob", nil)

	// Alice's roster eventually reflects both participants; update-users is
	// consumed internally and never reaches subscribers.
	require.Eventually(t, func() bool {
		_, ok := roster.Get("bob")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	_, ok := roster.Get("alice")
	assert.True(t, ok)
}

func TestChannelHeartbeatKeepsRegistrationAlive(t *testing.T) {
	srv := startRelay(t, 400*time.Millisecond)

	roster := state.NewPeerTable()
	ch := dial(t, srv, "alice", roster) // heartbeat every 50ms

	// Well past the relay ttl, we are still registered.
	time.Sleep(time.Second)
	_, ok := roster.Get("alice")
	assert.True(t, ok)
	_ = ch
}

func TestChannelSendAfterClose(t *testing.T) {
	srv := startRelay(t, 10*time.Second)

	ch := dial(t, srv, "alice", nil)
	ch.Close()
	ch.Close() // idempotent

	err := ch.Send(proto.Message{Type: proto.TypeEndCall, To: "bob"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestChannelSubscribeCancel(t *testing.T) {
	srv := startRelay(t, 10*time.Second)

	ch := dial(t, srv, "alice", nil)
	inbox, cancel := ch.Subscribe()
	cancel()
	cancel() // second cancel is harmless

	_, open := <-inbox
	assert.False(t, open)
}
