package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/sentinel/pkg/models"
	"github.com/haasonsaas/sentinel/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 25 * time.Second
	maxPayloadSize = 1 << 20
	sendBuffer     = 64
)

// client is one connected duplex peer. It is bound to a
// (channel, user) pair and its session on the first chat message.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	mu        sync.Mutex
	channel   models.ChannelType
	userID    string
	sessionID string

	closeOnce sync.Once
}

func newClient(id string, conn *websocket.Conn) *client {
	return &client{
		id:   id,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

func (c *client) bind(channel models.ChannelType, userID, sessionID string) {
	c.mu.Lock()
	c.channel = channel
	c.userID = userID
	c.sessionID = sessionID
	c.mu.Unlock()
}

func (c *client) binding() (models.ChannelType, string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel, c.userID, c.sessionID
}

// enqueue hands a message to the write loop. Delivery is best-effort:
// a full buffer or a closed client drops the message rather than
// blocking the caller.
func (c *client) enqueue(msg *protocol.Message) bool {
	raw, err := msg.ToWire()
	if err != nil {
		return false
	}
	select {
	case <-c.done:
		return false
	case c.send <- raw:
		return true
	default:
		return false
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case raw := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
