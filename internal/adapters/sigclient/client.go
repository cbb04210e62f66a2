// Package sigclient is the agent side of the signaling relay connection.
package sigclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/agentcall/internal/core"
	"github.com/dkeye/agentcall/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait     = 5 * time.Second
	subscriberBuf = 256
)

// deliverWait bounds how long a negotiation frame waits for a slow
// subscriber before it is dropped.
var deliverWait = 2 * time.Second

type Client struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	id     string
	subs   map[int]chan protocol.Message
	nextID int
	closed bool

	done chan struct{}
}

// Dial connects to the relay and starts the pumps. The client lives until
// Close or until the relay drops the connection.
func Dial(ctx context.Context, url string, sendBuffer int) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	c := &Client{
		conn: ws,
		send: make(chan core.Frame, sendBuffer),
		subs: make(map[int]chan protocol.Message),
		done: make(chan struct{}),
	}
	go c.writePump()
	go c.readPump()
	log.Info().Str("module", "sigclient").Str("url", url).Msg("connected to relay")
	return c, nil
}

// ID is the socket id assigned by the relay, empty until registered.
func (c *Client) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

func (c *Client) Done() <-chan struct{} { return c.done }

// Send queues v without blocking.
func (c *Client) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrClosed
	}
	select {
	case c.send <- b:
		return nil
	default:
		return core.ErrBackpressure
	}
}

// Subscribe returns a channel receiving every inbound message and a cancel
// func. A subscriber that falls behind loses messages.
func (c *Client) Subscribe() (<-chan protocol.Message, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan protocol.Message, subscriberBuf)
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextID
	c.nextID++
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			if sub, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(sub)
			}
			c.mu.Unlock()
		})
	}
}

// Register announces the agent and waits for the relay to confirm.
func (c *Client) Register(ctx context.Context, userID, agentID, extension string) (string, error) {
	ch, cancel := c.Subscribe()
	defer cancel()

	if err := c.Send(protocol.Register{
		Type:      protocol.TypeRegister,
		UserID:    userID,
		AgentID:   agentID,
		Extension: extension,
	}); err != nil {
		return "", fmt.Errorf("register: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return "", fmt.Errorf("register: %w", core.ErrClosed)
			}
			if m.Type != protocol.TypeRegistered {
				continue
			}
			var r protocol.Registered
			if err := m.Decode(&r); err != nil {
				return "", fmt.Errorf("register: %w", err)
			}
			c.mu.Lock()
			c.id = r.SocketID
			c.mu.Unlock()
			log.Info().Str("module", "sigclient").Str("sid", r.SocketID).Msg("registered")
			return r.SocketID, nil
		}
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	for id, sub := range c.subs {
		delete(c.subs, id)
		close(sub)
	}
	c.mu.Unlock()
	_ = c.conn.Close()
}

func (c *Client) writePump() {
	defer c.Close()
	for data := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			log.Error().Err(err).Str("module", "sigclient").Msg("writePump set deadline")
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Error().Err(err).Str("module", "sigclient").Msg("writePump write error")
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

func (c *Client) readPump() {
	defer func() {
		c.Close()
		close(c.done)
		log.Info().Str("module", "sigclient").Msg("relay connection closed")
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Error().Err(err).Str("module", "sigclient").Msg("readPump read error")
			}
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Err(err).Str("module", "sigclient").Msg("bad json from relay")
			continue
		}
		if env.Type == protocol.TypeError {
			log.Warn().Str("module", "sigclient").RawJSON("msg", data).Msg("relay error")
		}
		c.dispatch(protocol.Message{Type: env.Type, Data: data})
	}
}

// dispatch fans m out to every subscriber. Frames a call cannot recover
// from losing wait for room; the rest are dropped when a subscriber is behind.
func (c *Client) dispatch(m protocol.Message) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var expired <-chan time.Time
	for _, sub := range c.subs {
		select {
		case sub <- m:
			continue
		default:
		}
		if !mustDeliver(m.Type) {
			log.Warn().Str("module", "sigclient").Str("type", m.Type).Msg("subscriber behind, dropped message")
			continue
		}
		if expired == nil {
			timer := time.NewTimer(deliverWait)
			defer timer.Stop()
			expired = timer.C
		}
		select {
		case sub <- m:
		case <-expired:
			log.Error().Str("module", "sigclient").Str("type", m.Type).Msg("subscriber stuck, dropped negotiation message")
		}
	}
}

func mustDeliver(typ string) bool {
	switch typ {
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate,
		protocol.TypeRoomUsers, protocol.TypeUserLeft, protocol.TypeCallStateUpdate:
		return true
	}
	return false
}
