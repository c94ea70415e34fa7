package chat

import (
	"context"
	"time"

	"github.com/npezzotti/chatcore/internal/types"
)

type EventType string

const (
	EventMessageCreated EventType = "message_created"
	EventMessageEdited  EventType = "message_edited"
	EventMessageDeleted EventType = "message_deleted"
	EventRoomDeleted    EventType = "room_deleted"
	EventMemberRemoved  EventType = "member_removed"
)

// Event describes a committed change. Events are only published after the
// store has accepted the change.
type Event struct {
	Type       EventType      `json:"type"`
	RoomId     string         `json:"room_id"`
	Message    *types.Message `json:"message,omitempty"`
	UserId     string         `json:"user_id,omitempty"`
	ActorId    string         `json:"actor_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// EventSink receives committed events. Publish must not block on slow
// consumers; implementations drop or disconnect instead.
type EventSink interface {
	Publish(ctx context.Context, ev Event)
}

type EventSinkFunc func(ctx context.Context, ev Event)

func (f EventSinkFunc) Publish(ctx context.Context, ev Event) {
	f(ctx, ev)
}
