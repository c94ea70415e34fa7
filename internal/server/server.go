package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/chatcore/internal/chat"
	"github.com/npezzotti/chatcore/internal/stats"
	"github.com/npezzotti/chatcore/internal/types"
	"go.uber.org/zap"
)

const (
	metricConnections   = "NumActiveConnections"
	metricOnlineUsers   = "NumOnlineUsers"
	metricActiveRooms   = "NumActiveRooms"
	metricSlowConsumers = "NumSlowConsumers"
	metricEvents        = "NumEventsPublished"
)

var ErrShuttingDown = errors.New("chat server is shutting down")

type Options struct {
	SendBuffer     int
	MaxMessageSize int64
}

// ChatServer owns the live socket state and fans committed chat events out
// to subscribed connections.
type ChatServer struct {
	log      *zap.Logger
	registry *ConnectionRegistry
	presence *PresenceTracker
	router   *EventRouter
	stats    stats.StatsProvider
	opts     Options

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closing atomic.Bool
}

func NewChatServer(logger *zap.Logger, members MembershipChecker, mirror PresenceMirror, su stats.StatsProvider, opts Options) (*ChatServer, error) {
	if members == nil {
		return nil, errors.New("membership checker is required")
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}

	for _, name := range []string{metricConnections, metricOnlineUsers, metricActiveRooms, metricSlowConsumers, metricEvents} {
		su.RegisterMetric(name)
	}

	presence := NewPresenceTracker(logger, mirror, su)
	registry := NewConnectionRegistry(presence)
	ctx, cancel := context.WithCancel(context.Background())

	return &ChatServer{
		log:      logger,
		registry: registry,
		presence: presence,
		router:   NewEventRouter(logger, members, registry, presence),
		stats:    su,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Serve registers conn, acknowledges it and starts its pumps. identity is
// the caller resolved at handshake and may be empty.
func (cs *ChatServer) Serve(conn *websocket.Conn, identity string) (*Client, error) {
	if cs.closing.Load() {
		conn.Close()
		return nil, ErrShuttingDown
	}

	c := NewClient(uuid.NewString(), identity, conn, cs, cs.log)
	if err := cs.registry.AddConnection(c); err != nil {
		conn.Close()
		return nil, err
	}
	cs.stats.Incr(metricConnections)

	c.queueMessage(AckFrame(c.id))
	c.log.Info("connection opened", zap.String("identity", identity))

	cs.wg.Add(2)
	go func() {
		defer cs.wg.Done()
		c.Write()
	}()
	go func() {
		defer cs.wg.Done()
		c.Read(cs.ctx)
	}()

	return c, nil
}

// Disconnect purges c from every index. It is safe to call more than once.
func (cs *ChatServer) Disconnect(c *Client) {
	c.stopClient()
	if cs.registry.RemoveConnection(c) {
		cs.stats.Decr(metricConnections)
		c.log.Info("connection closed", zap.String("user_id", c.UserId()))
	}
}

// Publish fans a committed chat event out to the room's live subscribers.
func (cs *ChatServer) Publish(_ context.Context, ev chat.Event) {
	cs.stats.Incr(metricEvents)

	switch ev.Type {
	case chat.EventMessageCreated, chat.EventMessageEdited, chat.EventMessageDeleted:
		if ev.Message == nil {
			cs.log.Warn("message event without message", zap.String("type", string(ev.Type)))
			return
		}
		frame, err := MessageFrame(string(ev.Type), *ev.Message)
		if err != nil {
			cs.log.Error("encode message frame", zap.Error(err))
			return
		}
		n := cs.presence.Broadcast(ev.RoomId, frame, "")
		cs.log.Debug("fan-out",
			zap.String("type", string(ev.Type)),
			zap.String("room_id", ev.RoomId),
			zap.Int64("message_id", ev.Message.Id),
			zap.Int("recipients", n),
		)
	case chat.EventRoomDeleted:
		cs.presence.CloseRoom(ev.RoomId, mustEncode(TypeRoomDeleted, RoomDeleted{RoomId: ev.RoomId}))
	case chat.EventMemberRemoved:
		cs.presence.EvictUser(ev.RoomId, ev.UserId, mustEncode(TypeMemberRemoved, MemberRemoved{RoomId: ev.RoomId, UserId: ev.UserId}))
	default:
		cs.log.Warn("unhandled event", zap.String("type", string(ev.Type)))
	}
}

// Presence reports whether userId currently has open connections.
func (cs *ChatServer) Presence(userId string) types.Presence {
	return cs.registry.Presence(userId)
}

// Shutdown closes every connection and waits for their pumps to exit.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Info("shutting down chat server")
	cs.closing.Store(true)
	cs.cancel()

	for _, c := range cs.registry.Teardown() {
		cs.stats.Decr(metricConnections)
		c.log.Debug("connection closed by shutdown")
	}

	done := make(chan struct{})
	go func() {
		cs.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		cs.log.Info("chat server stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
