package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/npezzotti/chatcore/internal/chat"
	"github.com/npezzotti/chatcore/internal/types"
	"go.uber.org/zap"
)

// MembershipChecker resolves persisted room membership.
type MembershipChecker interface {
	RequireMember(ctx context.Context, roomId, userId string) (types.Member, error)
}

// EventRouter dispatches decoded client frames. Every failure becomes an
// error frame on the originating connection; nothing here closes a socket.
type EventRouter struct {
	members  MembershipChecker
	registry *ConnectionRegistry
	presence *PresenceTracker
	log      *zap.Logger
}

func NewEventRouter(logger *zap.Logger, members MembershipChecker, registry *ConnectionRegistry, presence *PresenceTracker) *EventRouter {
	return &EventRouter{
		members:  members,
		registry: registry,
		presence: presence,
		log:      logger,
	}
}

// Handle processes one raw frame from c.
func (r *EventRouter) Handle(ctx context.Context, c *Client, raw []byte) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("panic handling frame",
				zap.String("connection_id", c.id),
				zap.Any("panic", p),
				zap.Stack("stack"),
			)
			c.queueMessage(ErrFrame(CodeProcessingError, "failed to process message"))
		}
	}()

	frame, err := DecodeInbound(raw)
	if err != nil {
		r.log.Debug("invalid frame", zap.String("connection_id", c.id), zap.Error(err))
		c.queueMessage(ErrFrame(CodeProcessingError, "invalid message format"))
		return
	}

	switch f := frame.(type) {
	case Ping:
		c.queueMessage(PongFrame())
		return
	case UserOnline:
		r.userOnline(c, f)
		return
	case Unknown:
		c.queueMessage(ErrFrame(CodeUnknownMessageType, fmt.Sprintf("unknown message type %q", f.Type)))
		return
	}

	userId := c.UserId()
	if userId == "" {
		c.queueMessage(ErrFrame(CodeNotIdentified, "send user_online before "+frame.frameType()))
		return
	}

	switch f := frame.(type) {
	case JoinRoom:
		err = r.joinRoom(ctx, c, userId, f)
	case LeaveRoom:
		err = r.leaveRoom(c, f)
	case Typing:
		err = r.typing(ctx, userId, f)
	}

	if err != nil {
		if chat.KindOf(err) == chat.KindInternal {
			r.log.Error("frame failed",
				zap.String("type", frame.frameType()),
				zap.String("connection_id", c.id),
				zap.Error(err),
			)
		}
		c.queueMessage(ErrFrameFor(err))
	}
}

func (r *EventRouter) userOnline(c *Client, f UserOnline) {
	if c.identity != "" && c.identity != f.UserId {
		c.queueMessage(ErrFrame(CodeAuthorization, "user id does not match the authenticated identity"))
		return
	}

	first, err := r.registry.BindUser(c, f.UserId)
	switch {
	case errors.Is(err, ErrAlreadyBound):
		c.queueMessage(ErrFrame(CodeValidation, err.Error()))
		return
	case err != nil:
		r.log.Warn("bind user", zap.String("connection_id", c.id), zap.Error(err))
		c.queueMessage(ErrFrame(CodeProcessingError, "connection is closing"))
		return
	}

	c.log.Info("user online", zap.String("user_id", f.UserId), zap.Bool("first_connection", first))
	if first {
		r.presence.userOnline(f.UserId)
	}
}

func (r *EventRouter) joinRoom(ctx context.Context, c *Client, userId string, f JoinRoom) error {
	if f.RoomId == "" {
		return chat.ValidationError("roomId is required")
	}

	if _, err := r.members.RequireMember(ctx, f.RoomId, userId); err != nil {
		return err
	}

	added, _ := r.presence.Subscribe(c, f.RoomId)
	if !added {
		return nil
	}
	if _, ok := r.registry.Connection(c.id); !ok {
		r.presence.Unsubscribe(c, f.RoomId)
		return nil
	}

	// A removal that committed between the check and Subscribe has already
	// evicted the room's subscribers; one that commits after this check
	// finds c subscribed and evicts it.
	if _, err := r.members.RequireMember(ctx, f.RoomId, userId); err != nil {
		r.presence.Unsubscribe(c, f.RoomId)
		return err
	}
	return nil
}

func (r *EventRouter) leaveRoom(c *Client, f LeaveRoom) error {
	if f.RoomId == "" {
		return chat.ValidationError("roomId is required")
	}

	r.presence.Unsubscribe(c, f.RoomId)
	return nil
}

// typing is relayed to the room's other users. It requires persisted
// membership, not a live subscription.
func (r *EventRouter) typing(ctx context.Context, userId string, f Typing) error {
	if f.RoomId == "" {
		return chat.ValidationError("roomId is required")
	}

	if _, err := r.members.RequireMember(ctx, f.RoomId, userId); err != nil {
		return err
	}

	r.presence.Broadcast(f.RoomId, TypingFrame(f.RoomId, userId, f.IsTyping), userId)
	return nil
}
