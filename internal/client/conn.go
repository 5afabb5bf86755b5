package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/prateek-m/veilchat/internal/protocol"
)

// ErrConnClosed fails pending requests when the connection dies.
var ErrConnClosed = errors.New("connection closed")

// Conn is the client side of the realtime link. It dispatches inbound
// envelopes to On handlers and correlates Request replies by ack id, which
// makes it usable as the transport for both the chat session manager and the
// call session.
type Conn struct {
	log zerolog.Logger
	ws  *websocket.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	handlers map[string][]func(json.RawMessage)
	pending  map[uint64]chan json.RawMessage
	nextAck  uint64
	closed   bool

	done chan struct{}
}

// Dial connects to the hub websocket endpoint and waits for the registration
// confirmation before returning.
func Dial(ctx context.Context, wsURL, token string, log zerolog.Logger) (*Conn, error) {
	u := wsURL + "?token=" + url.QueryEscape(token)
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	var env protocol.Envelope
	if err := ws.ReadJSON(&env); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("read registration: %w", err)
	}
	if env.Event != protocol.EventConnected {
		_ = ws.Close()
		return nil, fmt.Errorf("unexpected registration event %q", env.Event)
	}

	c := &Conn{
		log:      log,
		ws:       ws,
		handlers: make(map[string][]func(json.RawMessage)),
		pending:  make(map[uint64]chan json.RawMessage),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// On registers a handler for an inbound event. Handlers run on the read
// goroutine and must not block.
func (c *Conn) On(event string, fn func(data json.RawMessage)) {
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], fn)
	c.mu.Unlock()
}

// Emit sends a fire-and-forget event.
func (c *Conn) Emit(event string, v any) error {
	frame, err := protocol.Marshal(event, 0, v)
	if err != nil {
		return err
	}
	return c.write(frame)
}

// Request sends an event with a correlation id and decodes the hub's ack
// into reply.
func (c *Conn) Request(ctx context.Context, event string, v any, reply any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	c.nextAck++
	ack := c.nextAck
	ch := make(chan json.RawMessage, 1)
	c.pending[ack] = ch
	c.mu.Unlock()

	frame, err := protocol.Marshal(event, ack, v)
	if err == nil {
		err = c.write(frame)
	}
	if err != nil {
		c.dropPending(ack)
		return err
	}

	select {
	case raw, ok := <-ch:
		if !ok {
			return ErrConnClosed
		}
		if reply == nil {
			return nil
		}
		return json.Unmarshal(raw, reply)
	case <-ctx.Done():
		c.dropPending(ack)
		return ctx.Err()
	case <-c.done:
		return ErrConnClosed
	}
}

// Done is closed once the connection has shut down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close tears the connection down and fails every pending request.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for ack, ch := range c.pending {
		close(ch)
		delete(c.pending, ack)
	}
	c.mu.Unlock()
	close(c.done)
	return c.ws.Close()
}

func (c *Conn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *Conn) dropPending(ack uint64) {
	c.mu.Lock()
	delete(c.pending, ack)
	c.mu.Unlock()
}

func (c *Conn) readLoop() {
	defer func() { _ = c.Close() }()
	for {
		var env protocol.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.log.Debug().Err(err).Msg("connection read failed")
			}
			return
		}

		if env.Event == protocol.EventAck && env.Ack != 0 {
			c.mu.Lock()
			ch := c.pending[env.Ack]
			delete(c.pending, env.Ack)
			c.mu.Unlock()
			if ch != nil {
				ch <- env.Data
			}
			continue
		}

		c.mu.Lock()
		fns := append(([]func(json.RawMessage))(nil), c.handlers[env.Event]...)
		c.mu.Unlock()
		for _, fn := range fns {
			fn(env.Data)
		}
	}
}
