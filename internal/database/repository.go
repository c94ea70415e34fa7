package database

import (
	"context"
	"errors"
	"time"

	"github.com/npezzotti/chatcore/internal/types"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrMessageDeleted = errors.New("message deleted")
)

// MemberTx exposes membership operations that run while the room is locked.
// Every call made through a MemberTx is serialized with other mutations of the
// same room.
type MemberTx interface {
	GetMember(ctx context.Context, roomId, userId string) (types.Member, error)
	ListMembers(ctx context.Context, roomId string) ([]types.Member, error)
	// AddMember inserts the member and reports whether a row was created.
	// An existing (roomId, userId) pair is left untouched.
	AddMember(ctx context.Context, m types.Member) (bool, error)
	UpdateMemberRole(ctx context.Context, roomId, userId string, role types.Role) error
	RemoveMember(ctx context.Context, roomId, userId string) error
}

type RoomStore interface {
	// CreateRoom persists the room together with its initial members atomically.
	CreateRoom(ctx context.Context, room types.Room, members []types.Member) (types.Room, error)
	GetRoom(ctx context.Context, roomId string) (types.Room, error)
	UpdateRoom(ctx context.Context, roomId, name string, updatedAt time.Time) (types.Room, error)
	// DeleteRoom removes the room, its memberships and its messages.
	DeleteRoom(ctx context.Context, roomId string) error
	ListRoomsForUser(ctx context.Context, userId string) ([]types.Room, error)
	GetMember(ctx context.Context, roomId, userId string) (types.Member, error)
	ListMembers(ctx context.Context, roomId string) ([]types.Member, error)
	// WithRoomLock runs fn with the room's membership locked. It returns
	// ErrNotFound if the room does not exist.
	WithRoomLock(ctx context.Context, roomId string, fn func(tx MemberTx) error) error
}

type MessageStore interface {
	CreateMessage(ctx context.Context, msg types.Message) (types.Message, error)
	GetMessage(ctx context.Context, id int64) (types.Message, error)
	// EditMessage replaces the body of a message that has not been deleted.
	EditMessage(ctx context.Context, id int64, body string, editedAt time.Time) (types.Message, error)
	// SoftDeleteMessage clears the body and stamps deletedAt. Deleting an
	// already deleted message returns it unchanged.
	SoftDeleteMessage(ctx context.Context, id int64, deletedAt time.Time) (types.Message, bool, error)
	// ListMessages orders by createdAt then id, newest first.
	ListMessages(ctx context.Context, roomId string, limit, offset int) ([]types.Message, error)
	LatestMessageId(ctx context.Context, roomId string) (int64, error)
	// UpdateLastRead moves the member's read marker forward, never backwards.
	UpdateLastRead(ctx context.Context, roomId, userId string, messageId int64) error
}

type ChatRepository interface {
	RoomStore
	MessageStore
	Ping() error
	Close() error
}
