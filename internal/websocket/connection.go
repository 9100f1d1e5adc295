package websocket

import (
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/Dancode-188/synckit/docsync/internal/permission"
	"github.com/Dancode-188/synckit/docsync/internal/protocol"
	"github.com/Dancode-188/synckit/docsync/internal/security"
)

// Connection represents a single peer socket. Fields other than ws, send
// and the closed flag are only touched on the hub goroutine.
type Connection struct {
	ID            string
	Account       string
	ClientID      string
	ClientIP      string
	Authenticated bool
	// Subscriptions maps "owner/permlink" to the level granted on subscribe.
	Subscriptions map[string]permission.Level
	ConnectedAt   time.Time

	SecurityManager *security.SecurityManager

	ws     *websocket.Conn
	send   chan []byte
	hub    *Hub
	mu     sync.Mutex
	closed bool
}

// NewConnection creates a new connection
func NewConnection(id string, ws *websocket.Conn, hub *Hub) *Connection {
	return &Connection{
		ID:            id,
		Subscriptions: make(map[string]permission.Level),
		ConnectedAt:   time.Now(),
		ws:            ws,
		send:          make(chan []byte, 256),
		hub:           hub,
	}
}

// Send queues a message for the write pump.
func (c *Connection) Send(msg *protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return c.sendRaw(data)
}

// SendMessage sends a message to the client
func (c *Connection) SendMessage(messageType string, payload protocol.Payload) error {
	return c.Send(protocol.NewMessage(messageType, payload))
}

func (c *Connection) sendRaw(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// SendError sends an error message
func (c *Connection) SendError(code, document, text string) error {
	return c.Send(protocol.ErrorMessage(code, document, text))
}

// close stops the write pump. Called once, by the hub.
func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ReadPump pumps messages from the WebSocket connection to the hub
func (c *Connection) ReadPump() {
	defer func() {
		if c.SecurityManager != nil {
			c.SecurityManager.ConnectionRateLimiter.RemoveConnection(c.ID)
			c.SecurityManager.ConnectionLimiter.RemoveConnection(c.ClientIP)
		}
		select {
		case c.hub.Unregister <- c:
		case <-c.hub.done:
		}
		c.ws.Close()
	}()

	if c.SecurityManager != nil {
		c.ws.SetReadLimit(c.SecurityManager.Limits.MaxMessageSize)
	}
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				glog.Warningf("websocket: %s read error: %v", c.ID, err)
			}
			break
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		if c.SecurityManager != nil && !c.SecurityManager.ConnectionRateLimiter.Allow(c.ID) {
			c.SendError(protocol.CodeRateLimited, "", "Too many messages. Please slow down.")
			continue
		}

		msg, err := protocol.DecodeMessage(data)
		if err != nil {
			c.SendError(protocol.CodeInvalidMessage, "", "Invalid message: "+err.Error())
			continue
		}
		if ok, reason := security.ValidateMessage(msg); !ok {
			c.SendError(protocol.CodeInvalidMessage, msg.Payload.Document, reason)
			continue
		}

		select {
		case c.hub.HandleMessage <- &MessageEvent{Connection: c, Message: msg}:
		case <-c.hub.done:
			return
		}
	}
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var (
	ErrSendQueueFull    = errors.New("send queue is full")
	ErrConnectionClosed = errors.New("connection closed")
)
