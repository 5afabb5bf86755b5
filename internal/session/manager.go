package session

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prateek-m/veilchat/internal/protocol"
)

var (
	// ErrHandshakeTimeout is surfaced when the partner never answers the key
	// exchange within the configured bound.
	ErrHandshakeTimeout = errors.New("handshake timed out")

	ErrClosed = errors.New("session manager closed")
)

// Conn is the slice of the realtime connection the manager drives.
type Conn interface {
	Emit(event string, v any) error
	Request(ctx context.Context, event string, v any, reply any) error
	On(event string, fn func(data json.RawMessage))
}

// Presence is the client-side cache entry for one partner.
type Presence struct {
	User         protocol.User
	Online       bool
	Active       bool
	Unread       int
	LastActivity time.Time
}

// Manager owns the per-partner encrypted rooms, the presence roster and the
// resync protocol for one logged-in user.
type Manager struct {
	log  zerolog.Logger
	conn Conn
	self protocol.User

	mu     sync.Mutex
	rooms  map[int64]*Room
	roster map[int64]*Presence
	active int64 // partner id of the open conversation, 0 if none
	closed bool

	hsTimeout time.Duration
	events    chan Event
}

// Option tweaks manager construction.
type Option func(*Manager)

// WithHandshakeTimeout bounds the wait for a handshake reply.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(m *Manager) { m.hsTimeout = d }
}

// New wires a manager onto conn and subscribes it to its relay events.
func New(conn Conn, self protocol.User, log zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		log:       log,
		conn:      conn,
		self:      self,
		rooms:     map[int64]*Room{},
		roster:    map[int64]*Presence{},
		hsTimeout: 10 * time.Second,
		events:    make(chan Event, 64),
	}
	for _, opt := range opts {
		opt(m)
	}

	conn.On(protocol.EventMessageReceived, m.onMessageReceived)
	conn.On(protocol.EventForwardedHandshake, m.onForwardedHandshake)
	conn.On(protocol.EventForwardedReply, m.onHandshakeReply)
	conn.On(protocol.EventForwardedResendAllChat, m.onResendAllChat)
	conn.On(protocol.EventNewUserOnline, m.onNewUserOnline)
	conn.On(protocol.EventUserGoOffline, m.onUserGoOffline)
	return m
}

// Events is the stream of typed notifications for the UI layer.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Close tears down the roster and rooms. Safe to call twice.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.rooms = map[int64]*Room{}
	m.roster = map[int64]*Presence{}
	m.active = 0
	close(m.events)
}

// Refresh asks the hub who is online and fills the roster.
func (m *Manager) Refresh(ctx context.Context) error {
	var reply protocol.OnlineUsers
	if err := m.conn.Request(ctx, protocol.EventGetOnlineUsers, nil, &reply); err != nil {
		return err
	}
	m.mu.Lock()
	for _, u := range reply.Users {
		if u.ID == m.self.ID {
			continue
		}
		m.upsertPresenceLocked(u, true)
	}
	m.mu.Unlock()
	m.publish(Event{Kind: EventRosterChanged})
	return nil
}

// Room returns the room for partnerID, creating it with a fresh, uninitialized
// encryption session if needed.
func (m *Manager) Room(partnerID int64) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomLocked(partnerID)
}

func (m *Manager) roomLocked(partnerID int64) (*Room, error) {
	if m.closed {
		return nil, ErrClosed
	}
	if room, ok := m.rooms[partnerID]; ok {
		return room, nil
	}
	room, err := newRoom(partnerID)
	if err != nil {
		return nil, err
	}
	m.rooms[partnerID] = room
	return room, nil
}

// DestroyRoom drops the room and resets the partner's roster entry. Invoking
// it on an unknown partner is a no-op.
func (m *Manager) DestroyRoom(partnerID int64) {
	m.mu.Lock()
	delete(m.rooms, partnerID)
	if p, ok := m.roster[partnerID]; ok {
		p.Unread = 0
		p.Active = false
	}
	if m.active == partnerID {
		m.active = 0
	}
	m.mu.Unlock()
	m.publish(Event{Kind: EventRosterChanged, PartnerID: partnerID})
}

// EnsureHandshake is idempotent: it no-ops once the room is initialized,
// otherwise it sends our public key and waits for the partner's reply.
func (m *Manager) EnsureHandshake(ctx context.Context, partnerID int64) error {
	m.mu.Lock()
	room, err := m.roomLocked(partnerID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if room.initialized {
		m.mu.Unlock()
		return nil
	}
	done := room.hsDone
	initiate := !room.hsStarted
	room.hsStarted = true
	publicKey := room.sess.PublicKey()
	m.mu.Unlock()

	if initiate {
		err := m.conn.Emit(protocol.EventStartHandshake, protocol.Handshake{
			PublicKey: publicKey,
			From:      m.self.ID,
			To:        partnerID,
		})
		if err != nil {
			return err
		}
	}

	timer := time.NewTimer(m.hsTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		m.mu.Lock()
		room.hsStarted = false // allow a retry
		m.mu.Unlock()
		return ErrHandshakeTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendMessage encrypts body under the room's session key and relays it. If
// the partner is not known to be online the send is silently skipped and no
// message is created, matching the best-effort model.
func (m *Manager) SendMessage(ctx context.Context, partnerID int64, body string) (*protocol.Message, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	p, ok := m.roster[partnerID]
	online := ok && p.Online
	m.mu.Unlock()
	if !online {
		return nil, nil
	}

	if err := m.EnsureHandshake(ctx, partnerID); err != nil {
		return nil, err
	}

	msg := protocol.Message{
		ID:   uuid.NewString(),
		From: m.self.ID,
		Body: body,
		Time: time.Now().UTC(),
	}

	m.mu.Lock()
	room := m.rooms[partnerID]
	ciphertext, err := room.sess.Encrypt([]byte(body))
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	wire := msg
	wire.Body = ciphertext
	var ack protocol.DeliveryAck
	if err := m.conn.Request(ctx, protocol.EventNewMessage, protocol.NewMessage{To: partnerID, Message: wire}, &ack); err != nil {
		return nil, err
	}
	if !ack.Delivered {
		// the partner vanished between the roster check and the forward
		return nil, nil
	}

	m.mu.Lock()
	room.Messages = append(room.Messages, msg)
	m.touchLocked(partnerID)
	m.mu.Unlock()
	m.publish(Event{Kind: EventDelivered, PartnerID: partnerID, Message: &msg})
	return &msg, nil
}

// SetActive opens the partner's conversation: its unread count resets to
// zero and stays zero while active.
func (m *Manager) SetActive(partnerID int64) {
	m.mu.Lock()
	if prev, ok := m.roster[m.active]; ok {
		prev.Active = false
	}
	m.active = partnerID
	if p, ok := m.roster[partnerID]; ok {
		p.Active = true
		p.Unread = 0
	}
	m.mu.Unlock()
	m.publish(Event{Kind: EventRosterChanged, PartnerID: partnerID})
}

// ClearActive closes the open conversation.
func (m *Manager) ClearActive() {
	m.mu.Lock()
	if p, ok := m.roster[m.active]; ok {
		p.Active = false
	}
	m.active = 0
	m.mu.Unlock()
}

// Unread returns the partner's unread counter.
func (m *Manager) Unread(partnerID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.roster[partnerID]; ok {
		return p.Unread
	}
	return 0
}

// Partners returns a roster snapshot, most recent activity first.
func (m *Manager) Partners() []Presence {
	m.mu.Lock()
	out := make([]Presence, 0, len(m.roster))
	for _, p := range m.roster {
		out = append(out, *p)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out
}

// Messages returns a copy of the room log for partnerID.
func (m *Manager) Messages(partnerID int64) []protocol.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[partnerID]
	if !ok {
		return nil
	}
	out := make([]protocol.Message, len(room.Messages))
	copy(out, room.Messages)
	return out
}

// --- relay event handlers (run on the connection's dispatch goroutine) ---

func (m *Manager) onMessageReceived(data json.RawMessage) {
	var in protocol.MessageReceived
	if json.Unmarshal(data, &in) != nil {
		return
	}
	partnerID := in.Message.From

	m.mu.Lock()
	room, err := m.roomLocked(partnerID)
	if err != nil {
		m.mu.Unlock()
		return
	}
	initialized := room.initialized
	m.mu.Unlock()

	if initialized {
		m.decryptAndAppend(room, in.Message)
		return
	}
	// Uninitialized room: negotiate first, off the dispatch goroutine so the
	// handshake reply can still be delivered.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.hsTimeout)
		defer cancel()
		if err := m.EnsureHandshake(ctx, partnerID); err != nil {
			m.log.Warn().Err(err).Int64("partner", partnerID).Msg("handshake for inbound message failed")
			return
		}
		m.decryptAndAppend(room, in.Message)
	}()
}

func (m *Manager) decryptAndAppend(room *Room, wire protocol.Message) {
	m.mu.Lock()
	plaintext, err := room.sess.Decrypt(wire.Body)
	if err != nil {
		m.mu.Unlock()
		m.log.Warn().Err(err).Int64("partner", room.PartnerID).Str("msg", wire.ID).Msg("dropping undecryptable message")
		m.publish(Event{Kind: EventDecryptFailed, PartnerID: room.PartnerID})
		return
	}
	msg := wire
	msg.Body = string(plaintext)
	room.Messages = append(room.Messages, msg)
	m.touchLocked(room.PartnerID)
	if p, ok := m.roster[room.PartnerID]; ok && m.active != room.PartnerID {
		p.Unread++
	}
	m.mu.Unlock()
	m.publish(Event{Kind: EventMessage, PartnerID: room.PartnerID, Message: &msg})
}

func (m *Manager) onForwardedHandshake(data json.RawMessage) {
	var hs protocol.Handshake
	if json.Unmarshal(data, &hs) != nil {
		return
	}
	m.mu.Lock()
	room, err := m.roomLocked(hs.From)
	if err != nil {
		m.mu.Unlock()
		return
	}
	if err := room.complete(hs.PublicKey); err != nil {
		m.mu.Unlock()
		m.log.Warn().Err(err).Int64("partner", hs.From).Msg("bad handshake public key")
		return
	}
	publicKey := room.sess.PublicKey()
	m.mu.Unlock()

	_ = m.conn.Emit(protocol.EventHandshakeReply, protocol.Handshake{
		PublicKey: publicKey,
		From:      hs.From,
		To:        hs.To,
	})
}

func (m *Manager) onHandshakeReply(data json.RawMessage) {
	var hs protocol.Handshake
	if json.Unmarshal(data, &hs) != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[hs.To]
	if !ok {
		return
	}
	if err := room.complete(hs.PublicKey); err != nil {
		m.log.Warn().Err(err).Int64("partner", hs.To).Msg("bad handshake reply key")
	}
}

func (m *Manager) onResendAllChat(data json.RawMessage) {
	var rs protocol.ResendAllChat
	if json.Unmarshal(data, &rs) != nil {
		return
	}
	m.mu.Lock()
	room, ok := m.rooms[rs.From]
	if !ok {
		m.mu.Unlock()
		return
	}
	initialized := room.initialized
	m.mu.Unlock()

	if initialized {
		m.replaceHistory(room, rs.Data)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.hsTimeout)
		defer cancel()
		if err := m.EnsureHandshake(ctx, rs.From); err != nil {
			m.log.Warn().Err(err).Int64("partner", rs.From).Msg("handshake for resync failed")
			return
		}
		m.replaceHistory(room, rs.Data)
	}()
}

// replaceHistory swaps the whole room log for the partner's copy: last
// writer wins for the full log, no merging.
func (m *Manager) replaceHistory(room *Room, ciphertext string) {
	m.mu.Lock()
	plaintext, err := room.sess.Decrypt(ciphertext)
	if err != nil {
		m.mu.Unlock()
		m.log.Warn().Err(err).Int64("partner", room.PartnerID).Msg("dropping undecryptable history")
		m.publish(Event{Kind: EventDecryptFailed, PartnerID: room.PartnerID})
		return
	}
	var history []protocol.Message
	if err := json.Unmarshal(plaintext, &history); err != nil {
		m.mu.Unlock()
		m.log.Warn().Err(err).Int64("partner", room.PartnerID).Msg("malformed resynced history")
		return
	}
	room.Messages = history
	m.touchLocked(room.PartnerID)
	m.mu.Unlock()
	m.publish(Event{Kind: EventHistoryReplaced, PartnerID: room.PartnerID})
}

func (m *Manager) onNewUserOnline(data json.RawMessage) {
	var u protocol.User
	if json.Unmarshal(data, &u) != nil || u.ID == m.self.ID {
		return
	}
	m.mu.Lock()
	m.upsertPresenceLocked(u, true)
	_, hasRoom := m.rooms[u.ID]
	m.mu.Unlock()
	m.publish(Event{Kind: EventRosterChanged, PartnerID: u.ID})

	// The partner reconnected without its session state; push our copy of
	// the history under a fresh key.
	if hasRoom {
		go m.resync(u.ID)
	}
}

func (m *Manager) onUserGoOffline(data json.RawMessage) {
	var off protocol.OfflineUser
	if json.Unmarshal(data, &off) != nil {
		return
	}
	m.mu.Lock()
	if p, ok := m.roster[off.ID]; ok {
		p.Online = false
	}
	if room, ok := m.rooms[off.ID]; ok {
		if err := room.resetSession(); err != nil {
			m.log.Error().Err(err).Int64("partner", off.ID).Msg("session reset failed")
		}
	}
	m.mu.Unlock()
	m.publish(Event{Kind: EventRosterChanged, PartnerID: off.ID})
}

// resync re-encrypts the entire local log for partnerID under a freshly
// negotiated session key and ships it.
func (m *Manager) resync(partnerID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), m.hsTimeout)
	defer cancel()
	if err := m.EnsureHandshake(ctx, partnerID); err != nil {
		m.log.Warn().Err(err).Int64("partner", partnerID).Msg("resync handshake failed")
		return
	}

	m.mu.Lock()
	room, ok := m.rooms[partnerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	history, err := json.Marshal(room.Messages)
	if err != nil {
		m.mu.Unlock()
		return
	}
	ciphertext, err := room.sess.Encrypt(history)
	m.mu.Unlock()
	if err != nil {
		m.log.Warn().Err(err).Int64("partner", partnerID).Msg("resync encrypt failed")
		return
	}

	_ = m.conn.Emit(protocol.EventResendAllChat, protocol.ResendAllChat{
		From: m.self.ID,
		To:   partnerID,
		Data: ciphertext,
	})
}

func (m *Manager) upsertPresenceLocked(u protocol.User, online bool) {
	if p, ok := m.roster[u.ID]; ok {
		p.Online = online
		p.User = u
		return
	}
	m.roster[u.ID] = &Presence{User: u, Online: online, LastActivity: time.Now()}
}

func (m *Manager) touchLocked(partnerID int64) {
	if p, ok := m.roster[partnerID]; ok {
		p.LastActivity = time.Now()
	}
}

// publish never blocks; a consumer that stops draining loses notifications
// rather than wedging the protocol handlers.
func (m *Manager) publish(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.events <- ev:
	default:
	}
}
