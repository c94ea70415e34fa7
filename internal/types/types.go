package types

import (
	"time"
)

type RoomKind string

const (
	RoomKindDirect RoomKind = "direct"
	RoomKindGroup  RoomKind = "group"
)

func (k RoomKind) Valid() bool {
	return k == RoomKindDirect || k == RoomKindGroup
}

type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

func (r Role) Valid() bool {
	return r == RoleOwner || r == RoleAdmin || r == RoleMember
}

// Privileged reports whether the role may manage the room's membership.
func (r Role) Privileged() bool {
	return r == RoleOwner || r == RoleAdmin
}

type Room struct {
	Id        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      RoomKind  `json:"kind"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Member struct {
	RoomId            string    `json:"room_id"`
	UserId            string    `json:"user_id"`
	Role              Role      `json:"role"`
	JoinedAt          time.Time `json:"joined_at"`
	LastReadMessageId int64     `json:"last_read_message_id"`
}

type Message struct {
	Id        int64      `json:"id"`
	RoomId    string     `json:"room_id"`
	SenderId  string     `json:"sender_id"`
	Body      string     `json:"body"`
	CreatedAt time.Time  `json:"created_at"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

func (m Message) Deleted() bool {
	return m.DeletedAt != nil
}

type Presence struct {
	UserId      string    `json:"user_id"`
	Online      bool      `json:"online"`
	Connections int       `json:"connections"`
	OnlineSince time.Time `json:"online_since,omitempty"`
}

// Now returns the current time truncated the way it is persisted.
func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
