package hub

import (
	"encoding/json"

	"github.com/gofiber/contrib/websocket"

	"github.com/prateek-m/veilchat/internal/protocol"
)

// ConnLike is the slice of the websocket connection the hub needs; tests
// substitute an in-memory implementation.
type ConnLike interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	Close() error
}

// Client is one live authenticated connection.
type Client struct {
	ConnID string
	User   protocol.User
	Conn   ConnLike
	Send   chan []byte
}

// ReadPump decodes inbound envelopes and hands them to the hub loop. It
// returns when the connection dies, unregistering the client.
func (c *Client) ReadPump(h *Hub) {
	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			h.UnregisterChan <- c
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		h.InboundChan <- Inbound{Client: c, Envelope: env}
	}
}

// WritePump drains the send channel onto the wire.
func (c *Client) WritePump() {
	for data := range c.Send {
		_ = c.Conn.WriteMessage(websocket.TextMessage, data)
	}
	_ = c.Conn.Close()
}

// push queues a frame without ever blocking the hub loop; a slow consumer
// loses frames rather than stalling everyone else.
func (c *Client) push(data []byte) bool {
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}
