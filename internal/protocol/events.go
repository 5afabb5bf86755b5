package protocol

import (
	"encoding/json"
	"time"
)

// Event names carried on the wire. Client-emitted events are forwarded by the
// hub under their "forwarded" counterpart; presence events are hub-initiated.
const (
	// hub -> client, once after registration
	EventConnected = "connected"

	// chat
	EventNewMessage             = "new-message"
	EventMessageReceived        = "message-received"
	EventStartHandshake         = "start-handshake"
	EventForwardedHandshake     = "forwarded-handshake"
	EventHandshakeReply         = "forwarded-handshake-reply"
	EventForwardedReply         = "handshake-reply"
	EventResendAllChat          = "resend-all-chat"
	EventForwardedResendAllChat = "forwarded-resend-all-chat"

	// call signaling
	EventSendingPeerID    = "sending-peerid"
	EventForwardedCalling = "forwarded-calling"
	EventSendVideoPeerID  = "send-video-peerid"
	EventForwardedPeerID  = "forwarded-peerid"
	EventCallBusy         = "call-busy"
	EventForwardedBusy    = "forwarded-busy"

	// presence
	EventNewUserOnline  = "new-user-online"
	EventUserGoOffline  = "user-go-offline"
	EventGetOnlineUsers = "get-online-users"

	// request/response correlation
	EventAck = "ack"
)

// Envelope is the frame carried over the websocket. Ack is a client-chosen
// correlation id; the hub answers request events with an EventAck envelope
// carrying the same id.
type Envelope struct {
	Event string          `json:"event"`
	Ack   uint64          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Marshal wraps v into an envelope and serializes it.
func Marshal(event string, ack uint64, v any) ([]byte, error) {
	var data json.RawMessage
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return json.Marshal(&Envelope{Event: event, Ack: ack, Data: data})
}

// User is the identity detail shared with other clients.
type User struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Message is one chat message. Body is ciphertext on the wire and plaintext
// inside a client's room log; messages are never mutated after creation.
type Message struct {
	ID   string    `json:"id"`
	From int64     `json:"from"`
	Body string    `json:"body"`
	Time time.Time `json:"time"`
}

// NewMessage is the client->hub payload for EventNewMessage.
type NewMessage struct {
	To      int64   `json:"to"`
	Message Message `json:"message"`
}

// MessageReceived is the hub->client payload for EventMessageReceived.
type MessageReceived struct {
	Message Message `json:"message"`
}

// DeliveryAck tells the sender whether the hub accepted the forward. It says
// nothing about end-to-end receipt.
type DeliveryAck struct {
	Delivered bool `json:"delivered"`
}

// Handshake carries one leg of the key exchange. From is always the
// initiating side of the pair, so the reply leg is routed back to From.
type Handshake struct {
	PublicKey string `json:"public_key"`
	From      int64  `json:"from"`
	To        int64  `json:"to"`
}

// ResendAllChat carries a full re-encrypted message history.
type ResendAllChat struct {
	From int64  `json:"from"`
	To   int64  `json:"to,omitempty"`
	Data string `json:"data"`
}

// CallOffer carries the caller's channel identities to the callee. VideoID is
// the caller's incoming-video channel: the callee dials it with its own
// outgoing video.
type CallOffer struct {
	From     int64  `json:"from"`
	FromName string `json:"from_name"`
	To       int64  `json:"to"`
	AudioID  string `json:"audio_id"`
	VideoID  string `json:"video_id"`
}

// VideoPeerID attaches the responder's video channel id out of band from the
// control link.
type VideoPeerID struct {
	To      int64  `json:"to"`
	VideoID string `json:"video_id"`
}

// CallBusy rejects an offer received while another call is in progress.
type CallBusy struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// OfflineUser is the payload of EventUserGoOffline.
type OfflineUser struct {
	ID int64 `json:"id"`
}

// OnlineUsers is the ack payload of EventGetOnlineUsers.
type OnlineUsers struct {
	Users []User `json:"users"`
}
