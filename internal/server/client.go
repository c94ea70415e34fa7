package server

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10

	defaultSendBuffer     = 256
	defaultMaxMessageSize = 4096
)

// Client is one live socket session.
type Client struct {
	id string
	// identity is the caller resolved at handshake, empty when anonymous.
	identity string
	conn     *websocket.Conn
	cs       *ChatServer
	log      *zap.Logger
	send     chan []byte

	mu     sync.RWMutex
	userId string
	rooms  map[string]struct{}

	maxMessageSize int64
	stop           chan struct{}
	stopOnce       sync.Once
}

func NewClient(id, identity string, conn *websocket.Conn, cs *ChatServer, l *zap.Logger) *Client {
	sendBuffer := defaultSendBuffer
	maxMessageSize := int64(defaultMaxMessageSize)
	if cs != nil {
		sendBuffer = cs.opts.SendBuffer
		maxMessageSize = cs.opts.MaxMessageSize
	}

	return &Client{
		id:             id,
		identity:       identity,
		conn:           conn,
		cs:             cs,
		log:            l.With(zap.String("connection_id", id)),
		send:           make(chan []byte, sendBuffer),
		rooms:          make(map[string]struct{}),
		maxMessageSize: maxMessageSize,
		stop:           make(chan struct{}),
	}
}

func (c *Client) Id() string {
	return c.id
}

// UserId returns the user bound by user_online, or "".
func (c *Client) UserId() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userId
}

func (c *Client) bindUser(userId string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userId = userId
}

func (c *Client) addRoom(roomId string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[roomId] = struct{}{}
}

func (c *Client) delRoom(roomId string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, roomId)
}

func (c *Client) inRoom(roomId string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rooms[roomId]
	return ok
}

// Rooms returns a snapshot of the rooms this connection is subscribed to.
func (c *Client) Rooms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rooms := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	return rooms
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug("write exiting")
	}()

	for {
		select {
		case frame := <-c.send:
			if !c.sendMessage(websocket.TextMessage, frame) {
				return
			}
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

// Read runs the inbound loop until the socket fails or closes. Every exit
// path hands the connection back to the server for cleanup.
func (c *Client) Read(ctx context.Context) {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Debug("read exiting")
	}()

	c.conn.SetReadLimit(c.maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Info("ws: read", zap.Error(err))
			}
			return
		}

		c.cs.router.Handle(ctx, c, raw)
	}
}

// queueMessage enqueues a frame without blocking. A full buffer means the
// peer is not keeping up, so the connection is closed.
func (c *Client) queueMessage(frame []byte) bool {
	select {
	case <-c.stop:
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	default:
		c.log.Warn("send buffer full, disconnecting slow consumer", zap.String("user_id", c.UserId()))
		if c.cs != nil {
			c.cs.stats.Incr(metricSlowConsumers)
		}
		c.stopClient()
		return false
	}
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Info("write message", zap.Error(err))
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	c.stopClient()
	if c.cs != nil {
		c.cs.Disconnect(c)
	}
}
