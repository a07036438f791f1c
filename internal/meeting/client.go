package meeting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshrtc/meshconf/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Client is the websocket leg between an engine and the signaling relay.
// It implements Transport; incoming envelopes are read from Incoming and fed
// to Engine.HandleMessage by the caller, keeping relay ordering intact.
type Client struct {
	conn     *websocket.Conn
	incoming chan domain.SignalMessage
	outgoing chan domain.SignalMessage
	done     chan struct{}

	closeOnce sync.Once
}

// Dial connects to the relay's room endpoint and starts the read and write
// pumps.
func Dial(ctx context.Context, rawURL string, header map[string][]string) (*Client, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", rawURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}

	c := &Client{
		conn:     conn,
		incoming: make(chan domain.SignalMessage, 32),
		outgoing: make(chan domain.SignalMessage, 32),
		done:     make(chan struct{}),
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump()
	go c.writePump()

	return c, nil
}

// Send implements Transport.
func (c *Client) Send(ctx context.Context, msg domain.SignalMessage) error {
	select {
	case c.outgoing <- msg:
		return nil
	case <-c.done:
		return fmt.Errorf("signaling connection closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Incoming streams relayed envelopes. The channel closes when the connection
// drops.
func (c *Client) Incoming() <-chan domain.SignalMessage {
	return c.incoming
}

func (c *Client) readPump() {
	defer func() {
		c.conn.Close()
		close(c.incoming)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		var msg domain.SignalMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		select {
		case c.incoming <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Close signals the pumps to shut down. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
