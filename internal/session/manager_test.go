package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/prateek-m/veilchat/internal/protocol"
)

// testNet is an in-memory stand-in for the hub: it applies the same routing
// rules the relay does, synchronously, so two managers can talk end to end.
type testNet struct {
	mu    sync.Mutex
	conns map[int64]*testConn
	users map[int64]protocol.User
}

func newTestNet() *testNet {
	return &testNet{conns: map[int64]*testConn{}, users: map[int64]protocol.User{}}
}

// join registers a connection without broadcasting; tests call announce once
// the manager's handlers are attached, mirroring the real register order.
func (n *testNet) join(u protocol.User) *testConn {
	c := &testConn{net: n, self: u.ID, handlers: map[string][]func(json.RawMessage){}}
	n.mu.Lock()
	n.conns[u.ID] = c
	n.users[u.ID] = u
	n.mu.Unlock()
	return c
}

func (n *testNet) announce(u protocol.User) {
	n.mu.Lock()
	others := make([]*testConn, 0, len(n.conns))
	for id, other := range n.conns {
		if id != u.ID {
			others = append(others, other)
		}
	}
	n.mu.Unlock()
	for _, other := range others {
		other.deliver(protocol.EventNewUserOnline, u)
	}
}

func (n *testNet) leave(id int64) {
	n.mu.Lock()
	delete(n.conns, id)
	remaining := make([]*testConn, 0, len(n.conns))
	for _, other := range n.conns {
		remaining = append(remaining, other)
	}
	n.mu.Unlock()
	for _, other := range remaining {
		other.deliver(protocol.EventUserGoOffline, protocol.OfflineUser{ID: id})
	}
}

func (n *testNet) conn(id int64) *testConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns[id]
}

type testConn struct {
	net  *testNet
	self int64

	mu       sync.Mutex
	handlers map[string][]func(json.RawMessage)
	sent     []string
}

func (c *testConn) On(event string, fn func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], fn)
}

func (c *testConn) deliver(event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	c.mu.Lock()
	fns := append([]func(json.RawMessage){}, c.handlers[event]...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
}

func (c *testConn) sentEvents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.sent...)
}

func (c *testConn) Emit(event string, v any) error {
	c.mu.Lock()
	c.sent = append(c.sent, event)
	c.mu.Unlock()

	switch event {
	case protocol.EventStartHandshake:
		hs := v.(protocol.Handshake)
		if target := c.net.conn(hs.To); target != nil {
			target.deliver(protocol.EventForwardedHandshake, hs)
		}
	case protocol.EventHandshakeReply:
		hs := v.(protocol.Handshake)
		if target := c.net.conn(hs.From); target != nil {
			target.deliver(protocol.EventForwardedReply, hs)
		}
	case protocol.EventResendAllChat:
		rs := v.(protocol.ResendAllChat)
		if target := c.net.conn(rs.To); target != nil {
			target.deliver(protocol.EventForwardedResendAllChat, protocol.ResendAllChat{From: rs.From, Data: rs.Data})
		}
	}
	return nil
}

func (c *testConn) Request(_ context.Context, event string, v any, reply any) error {
	c.mu.Lock()
	c.sent = append(c.sent, event)
	c.mu.Unlock()

	switch event {
	case protocol.EventNewMessage:
		nm := v.(protocol.NewMessage)
		ack := protocol.DeliveryAck{}
		if target := c.net.conn(nm.To); target != nil {
			target.deliver(protocol.EventMessageReceived, protocol.MessageReceived{Message: nm.Message})
			ack.Delivered = true
		}
		*(reply.(*protocol.DeliveryAck)) = ack
	case protocol.EventGetOnlineUsers:
		c.net.mu.Lock()
		var users []protocol.User
		for id := range c.net.conns {
			users = append(users, c.net.users[id])
		}
		c.net.mu.Unlock()
		*(reply.(*protocol.OnlineUsers)) = protocol.OnlineUsers{Users: users}
	default:
		return fmt.Errorf("unexpected request %q", event)
	}
	return nil
}

var (
	amy = protocol.User{ID: 1, Name: "Amy", Email: "amy@example.com"}
	bob = protocol.User{ID: 2, Name: "Bob", Email: "bob@example.com"}
)

func newPair(t *testing.T) (*testNet, *Manager, *Manager) {
	t.Helper()
	net := newTestNet()
	ma := New(net.join(amy), amy, zerolog.Nop())
	mb := New(net.join(bob), bob, zerolog.Nop())
	t.Cleanup(ma.Close)
	t.Cleanup(mb.Close)
	if err := ma.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := mb.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	return net, ma, mb
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHandshakeInitializesBothRooms(t *testing.T) {
	_, ma, mb := newPair(t)

	room, err := ma.Room(bob.ID)
	if err != nil {
		t.Fatal(err)
	}
	if room.Initialized() {
		t.Error("fresh room must start uninitialized")
	}

	if err := ma.EnsureHandshake(context.Background(), bob.ID); err != nil {
		t.Fatalf("EnsureHandshake failed: %v", err)
	}
	if !room.Initialized() {
		t.Error("initiator room should be initialized after both legs")
	}
	partnerRoom, _ := mb.Room(amy.ID)
	if !partnerRoom.Initialized() {
		t.Error("responder room should be initialized after both legs")
	}

	// idempotent: a second call is a no-op and must not hang
	if err := ma.EnsureHandshake(context.Background(), bob.ID); err != nil {
		t.Fatalf("repeat EnsureHandshake failed: %v", err)
	}
}

func TestSendMessageRoundTrip(t *testing.T) {
	_, ma, mb := newPair(t)

	sent, err := ma.SendMessage(context.Background(), bob.ID, "hi")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if sent == nil {
		t.Fatal("expected a message for an online partner")
	}

	got := mb.Messages(amy.ID)
	if len(got) != 1 {
		t.Fatalf("recipient log: got %d messages, want 1", len(got))
	}
	if got[0].Body != "hi" || got[0].From != amy.ID {
		t.Errorf("received message mismatch: %+v", got[0])
	}
	if got[0].ID != sent.ID {
		t.Error("message id should survive the relay")
	}
	if mb.Unread(amy.ID) != 1 {
		t.Errorf("unread: got %d, want 1", mb.Unread(amy.ID))
	}
}

func TestSendToOfflinePartnerIsSilentNoop(t *testing.T) {
	net, ma, _ := newPair(t)
	net.leave(bob.ID)
	waitFor(t, "roster to mark bob offline", func() bool {
		for _, p := range ma.Partners() {
			if p.User.ID == bob.ID {
				return !p.Online
			}
		}
		return false
	})

	before := len(net.conn(amy.ID).sentEvents())
	msg, err := ma.SendMessage(context.Background(), bob.ID, "anyone there?")
	if err != nil {
		t.Fatalf("offline send must not error: %v", err)
	}
	if msg != nil {
		t.Error("offline send must not create a message")
	}
	if after := len(net.conn(amy.ID).sentEvents()); after != before {
		t.Error("offline send must not emit any relay event")
	}
	if len(ma.Messages(bob.ID)) != 0 {
		t.Error("offline send must not touch the log")
	}
}

func TestUnreadCounterRules(t *testing.T) {
	_, ma, mb := newPair(t)

	// not active: every received message increments
	for i := 0; i < 2; i++ {
		if _, err := ma.SendMessage(context.Background(), bob.ID, "ping"); err != nil {
			t.Fatal(err)
		}
	}
	if mb.Unread(amy.ID) != 2 {
		t.Fatalf("unread: got %d, want 2", mb.Unread(amy.ID))
	}

	// opening the conversation resets to zero
	mb.SetActive(amy.ID)
	if mb.Unread(amy.ID) != 0 {
		t.Errorf("unread after SetActive: got %d, want 0", mb.Unread(amy.ID))
	}

	// active: received messages never increment
	if _, err := ma.SendMessage(context.Background(), bob.ID, "ping"); err != nil {
		t.Fatal(err)
	}
	if mb.Unread(amy.ID) != 0 {
		t.Errorf("unread while active: got %d, want 0", mb.Unread(amy.ID))
	}

	mb.ClearActive()
	if _, err := ma.SendMessage(context.Background(), bob.ID, "ping"); err != nil {
		t.Fatal(err)
	}
	if mb.Unread(amy.ID) != 1 {
		t.Errorf("unread after ClearActive: got %d, want 1", mb.Unread(amy.ID))
	}
}

func TestHandshakeTimeout(t *testing.T) {
	net := newTestNet()
	ma := New(net.join(amy), amy, zerolog.Nop(), WithHandshakeTimeout(50*time.Millisecond))
	t.Cleanup(ma.Close)

	// nobody answers: bob never joined the net
	err := ma.EnsureHandshake(context.Background(), bob.ID)
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("got %v, want ErrHandshakeTimeout", err)
	}
}

func TestDecryptFailureIsRecoverable(t *testing.T) {
	net, ma, mb := newPair(t)

	if _, err := ma.SendMessage(context.Background(), bob.ID, "first"); err != nil {
		t.Fatal(err)
	}

	// inject a corrupted ciphertext straight into bob's connection
	net.conn(bob.ID).deliver(protocol.EventMessageReceived, protocol.MessageReceived{
		Message: protocol.Message{ID: "bad", From: amy.ID, Body: "garbage-ciphertext"},
	})

	if got := mb.Messages(amy.ID); len(got) != 1 {
		t.Fatalf("corrupted message must not land in the log, got %d entries", len(got))
	}

	// the session survives: a following good message still decrypts
	if _, err := ma.SendMessage(context.Background(), bob.ID, "second"); err != nil {
		t.Fatal(err)
	}
	got := mb.Messages(amy.ID)
	if len(got) != 2 || got[1].Body != "second" {
		t.Fatalf("session should survive a decrypt failure, log: %+v", got)
	}
}

func TestResyncReplacesHistory(t *testing.T) {
	net, ma, mb := newPair(t)

	for _, body := range []string{"one", "two", "three"} {
		if _, err := ma.SendMessage(context.Background(), bob.ID, body); err != nil {
			t.Fatal(err)
		}
	}
	if len(mb.Messages(amy.ID)) != 3 {
		t.Fatal("setup: bob should hold three messages")
	}

	// bob drops off and comes back with fresh, empty state
	net.leave(bob.ID)
	mb.Close()
	mb2 := New(net.join(bob), bob, zerolog.Nop())
	t.Cleanup(mb2.Close)
	net.announce(bob)

	// amy saw bob come back online and pushes her copy of the history
	waitFor(t, "resynced history", func() bool {
		return len(mb2.Messages(amy.ID)) == 3
	})
	got := mb2.Messages(amy.ID)
	for i, want := range []string{"one", "two", "three"} {
		if got[i].Body != want {
			t.Errorf("history[%d]: got %q, want %q", i, got[i].Body, want)
		}
	}
	room, _ := mb2.Room(amy.ID)
	if !room.Initialized() {
		t.Error("resync must ride on a completed handshake")
	}
}

func TestDestroyRoomIsIdempotent(t *testing.T) {
	_, ma, _ := newPair(t)
	if _, err := ma.SendMessage(context.Background(), bob.ID, "hi"); err != nil {
		t.Fatal(err)
	}
	ma.DestroyRoom(bob.ID)
	ma.DestroyRoom(bob.ID) // already gone, must not panic
	if len(ma.Messages(bob.ID)) != 0 {
		t.Error("destroyed room should have no log")
	}
}
