package hub

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/prateek-m/veilchat/internal/accounts"
	"github.com/prateek-m/veilchat/internal/metrics"
	"github.com/prateek-m/veilchat/internal/protocol"
)

// Directory is the slice of the account collaborator the hub needs to
// resolve identities for presence broadcasts and the online-users query.
type Directory interface {
	FindByID(ctx context.Context, id int64) (accounts.User, error)
	FindManyByIDs(ctx context.Context, ids []int64) ([]accounts.User, error)
}

// Inbound is one decoded frame from a client.
type Inbound struct {
	Client   *Client
	Envelope protocol.Envelope
}

// Hub owns the presence registry and the relay. All hub state is mutated by
// the single Start goroutine; handlers talk to it over channels.
type Hub struct {
	log      zerolog.Logger
	dir      Directory
	registry *Registry
	clients  map[string]*Client // connID -> client

	RegisterChan   chan *Client
	UnregisterChan chan *Client
	InboundChan    chan Inbound
}

func New(dir Directory, log zerolog.Logger) *Hub {
	return &Hub{
		log:            log,
		dir:            dir,
		registry:       NewRegistry(),
		clients:        map[string]*Client{},
		RegisterChan:   make(chan *Client),
		UnregisterChan: make(chan *Client),
		InboundChan:    make(chan Inbound, 64),
	}
}

// Registry exposes the presence registry for read-only queries.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Start runs the hub loop. Each event runs to completion before the next is
// processed, so registry and client-map access needs no further locking here.
func (h *Hub) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.RegisterChan:
			h.register(client)
		case client := <-h.UnregisterChan:
			h.unregister(client)
		case in := <-h.InboundChan:
			h.route(in)
		}
	}
}

func (h *Hub) register(c *Client) {
	h.clients[c.ConnID] = c
	h.registry.SetOnline(c.User.ID, c.ConnID)
	metrics.ConnectionsActive.Inc()

	h.send(c, protocol.EventConnected, 0, nil)
	h.broadcastExcept(c.ConnID, protocol.EventNewUserOnline, c.User)

	h.log.Info().Int64("user", c.User.ID).Str("conn", c.ConnID).Msg("client online")
}

func (h *Hub) unregister(c *Client) {
	if h.clients[c.ConnID] != c {
		return
	}
	delete(h.clients, c.ConnID)
	close(c.Send)
	metrics.ConnectionsActive.Dec()

	// A reconnect may already have overwritten the mapping; only the
	// connection that owns it goes offline.
	if connID, ok := h.registry.Lookup(c.User.ID); ok && connID == c.ConnID {
		h.registry.SetOffline(c.User.ID)
		h.broadcastExcept(c.ConnID, protocol.EventUserGoOffline, protocol.OfflineUser{ID: c.User.ID})
	}

	h.log.Info().Int64("user", c.User.ID).Str("conn", c.ConnID).Msg("client offline")
}

// route dispatches one inbound event. Relay events carry no business logic:
// the hub resolves the recipient and forwards the payload verbatim.
func (h *Hub) route(in Inbound) {
	c, env := in.Client, in.Envelope
	switch env.Event {
	case protocol.EventNewMessage:
		var msg protocol.NewMessage
		if json.Unmarshal(env.Data, &msg) != nil {
			return
		}
		delivered := h.forward(protocol.EventMessageReceived, msg.To, protocol.MessageReceived{Message: msg.Message})
		h.ack(c, env.Ack, protocol.DeliveryAck{Delivered: delivered})

	case protocol.EventStartHandshake:
		var hs protocol.Handshake
		if json.Unmarshal(env.Data, &hs) != nil {
			return
		}
		h.forward(protocol.EventForwardedHandshake, hs.To, hs)

	case protocol.EventHandshakeReply:
		var hs protocol.Handshake
		if json.Unmarshal(env.Data, &hs) != nil {
			return
		}
		// the reply travels back to the pair's initiator
		h.forward(protocol.EventForwardedReply, hs.From, hs)

	case protocol.EventResendAllChat:
		var rs protocol.ResendAllChat
		if json.Unmarshal(env.Data, &rs) != nil {
			return
		}
		h.forward(protocol.EventForwardedResendAllChat, rs.To, protocol.ResendAllChat{From: rs.From, Data: rs.Data})

	case protocol.EventSendingPeerID:
		var offer protocol.CallOffer
		if json.Unmarshal(env.Data, &offer) != nil {
			return
		}
		h.forward(protocol.EventForwardedCalling, offer.To, offer)

	case protocol.EventSendVideoPeerID:
		var vp protocol.VideoPeerID
		if json.Unmarshal(env.Data, &vp) != nil {
			return
		}
		h.forward(protocol.EventForwardedPeerID, vp.To, vp)

	case protocol.EventCallBusy:
		var busy protocol.CallBusy
		if json.Unmarshal(env.Data, &busy) != nil {
			return
		}
		h.forward(protocol.EventForwardedBusy, busy.To, busy)

	case protocol.EventGetOnlineUsers:
		users, err := h.dir.FindManyByIDs(context.Background(), h.registry.OnlineIDs())
		if err != nil {
			h.log.Error().Err(err).Msg("online users lookup failed")
			users = nil
		}
		list := make([]protocol.User, 0, len(users))
		for _, u := range users {
			list = append(list, protocol.User(u))
		}
		h.ack(c, env.Ack, protocol.OnlineUsers{Users: list})

	default:
		h.log.Debug().Str("event", env.Event).Msg("unknown event ignored")
	}
}

// forward delivers payload under event to the recipient's live connection.
// An offline recipient is not an error: the frame is dropped silently.
func (h *Hub) forward(event string, recipientID int64, payload any) bool {
	connID, ok := h.registry.Lookup(recipientID)
	if !ok {
		metrics.EventsDropped.WithLabelValues(event).Inc()
		return false
	}
	c, ok := h.clients[connID]
	if !ok {
		metrics.EventsDropped.WithLabelValues(event).Inc()
		return false
	}
	data, err := protocol.Marshal(event, 0, payload)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("marshal failed")
		return false
	}
	if !c.push(data) {
		metrics.EventsDropped.WithLabelValues(event).Inc()
		return false
	}
	metrics.EventsForwarded.WithLabelValues(event).Inc()
	return true
}

func (h *Hub) send(c *Client, event string, ack uint64, payload any) {
	data, err := protocol.Marshal(event, ack, payload)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("marshal failed")
		return
	}
	c.push(data)
}

func (h *Hub) ack(c *Client, ack uint64, payload any) {
	if ack == 0 {
		return
	}
	h.send(c, protocol.EventAck, ack, payload)
}

func (h *Hub) broadcastExcept(connID string, event string, payload any) {
	data, err := protocol.Marshal(event, 0, payload)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("marshal failed")
		return
	}
	for id, c := range h.clients {
		if id == connID {
			continue
		}
		c.push(data)
	}
	metrics.PresenceBroadcasts.Inc()
}
