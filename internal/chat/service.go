package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/npezzotti/chatcore/internal/database"
	"github.com/npezzotti/chatcore/internal/types"
	"github.com/teris-io/shortid"
	"go.uber.org/zap"
)

const (
	DefaultMessageLimit = 50
	MaxMessageLimit     = 200
)

// Service holds the chat rules. Writes that publish an event hold the
// room's lock from the membership check through publish, so a room's events
// reach sinks in commit order and a removed member cannot post.
type Service struct {
	rooms     database.RoomStore
	messages  database.MessageStore
	sinks     []EventSink
	locks     *roomLocks
	log       *zap.Logger
	newRoomId func() (string, error)
}

func NewService(rooms database.RoomStore, messages database.MessageStore, logger *zap.Logger) *Service {
	return &Service{
		rooms:     rooms,
		messages:  messages,
		locks:     newRoomLocks(),
		log:       logger,
		newRoomId: shortid.Generate,
	}
}

// AddSink registers a receiver of committed events. It must be called
// before the service starts handling requests.
func (s *Service) AddSink(sink EventSink) {
	s.sinks = append(s.sinks, sink)
}

func (s *Service) publish(ctx context.Context, ev Event) {
	ev.OccurredAt = types.Now()
	for _, sink := range s.sinks {
		sink.Publish(ctx, ev)
	}
}

// storeError converts a store failure into a chat error. Errors that are
// already chat errors pass through untouched.
func storeError(err error, format string, args ...any) error {
	var chatErr *Error
	switch {
	case errors.As(err, &chatErr):
		return chatErr
	case errors.Is(err, database.ErrNotFound):
		return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...), Err: err}
	case errors.Is(err, database.ErrMessageDeleted):
		return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...), Err: err}
	default:
		return &Error{Kind: KindInternal, Msg: fmt.Sprintf(format, args...), Err: err}
	}
}

func requireIdentity(userId string) error {
	if strings.TrimSpace(userId) == "" {
		return ValidationError("caller identity is required")
	}
	return nil
}

// RequireMember returns the caller's membership, an AuthorizationError when
// the room exists but the user is not in it, or a NotFoundError.
func (s *Service) RequireMember(ctx context.Context, roomId, userId string) (types.Member, error) {
	if err := requireIdentity(userId); err != nil {
		return types.Member{}, err
	}

	m, err := s.rooms.GetMember(ctx, roomId, userId)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return types.Member{}, storeError(err, "get member")
	}

	if _, err := s.rooms.GetRoom(ctx, roomId); err != nil {
		return types.Member{}, storeError(err, "room %q not found", roomId)
	}

	return types.Member{}, AuthorizationError("user %q is not a member of room %q", userId, roomId)
}

// IsMember reports whether userId belongs to the room. A missing room is
// reported as false.
func (s *Service) IsMember(ctx context.Context, roomId, userId string) (bool, error) {
	_, err := s.RequireMember(ctx, roomId, userId)
	if err == nil {
		return true, nil
	}
	switch KindOf(err) {
	case KindAuthorization, KindNotFound:
		return false, nil
	}
	return false, err
}

func (s *Service) CreateChatRoom(ctx context.Context, req CreateRoomRequest, createdBy string) (types.Room, error) {
	if err := requireIdentity(createdBy); err != nil {
		return types.Room{}, err
	}
	if err := validateRequest(req); err != nil {
		return types.Room{}, err
	}

	kind := req.Kind
	if kind == "" {
		kind = types.RoomKindGroup
	}

	name := strings.TrimSpace(req.Name)
	if kind == types.RoomKindGroup && name == "" {
		return types.Room{}, ValidationError("a group room requires a name")
	}

	others := uniqueIds(req.MemberIds, createdBy)
	if kind == types.RoomKindDirect && len(others) != 1 {
		return types.Room{}, ValidationError("a direct room requires exactly one other member")
	}

	id, err := s.newRoomId()
	if err != nil {
		return types.Room{}, storeError(err, "generate room id")
	}

	now := types.Now()
	room := types.Room{
		Id:        id,
		Name:      name,
		Kind:      kind,
		CreatedBy: createdBy,
		CreatedAt: now,
		UpdatedAt: now,
	}

	members := make([]types.Member, 0, len(others)+1)
	members = append(members, types.Member{RoomId: id, UserId: createdBy, Role: types.RoleOwner, JoinedAt: now})
	for _, userId := range others {
		members = append(members, types.Member{RoomId: id, UserId: userId, Role: types.RoleMember, JoinedAt: now})
	}

	created, err := s.rooms.CreateRoom(ctx, room, members)
	if err != nil {
		return types.Room{}, storeError(err, "create room")
	}

	s.log.Info("room created",
		zap.String("room_id", created.Id),
		zap.String("kind", string(created.Kind)),
		zap.String("created_by", createdBy),
		zap.Int("members", len(members)),
	)
	return created, nil
}

func (s *Service) GetRoom(ctx context.Context, roomId, requesterId string) (types.Room, error) {
	if _, err := s.RequireMember(ctx, roomId, requesterId); err != nil {
		return types.Room{}, err
	}

	room, err := s.rooms.GetRoom(ctx, roomId)
	if err != nil {
		return types.Room{}, storeError(err, "room %q not found", roomId)
	}
	return room, nil
}

func (s *Service) ListUserRooms(ctx context.Context, userId string) ([]types.Room, error) {
	if err := requireIdentity(userId); err != nil {
		return nil, err
	}

	rooms, err := s.rooms.ListRoomsForUser(ctx, userId)
	if err != nil {
		return nil, storeError(err, "list rooms")
	}
	return rooms, nil
}

func (s *Service) UpdateRoom(ctx context.Context, roomId string, req UpdateRoomRequest, requesterId string) (types.Room, error) {
	if err := validateRequest(req); err != nil {
		return types.Room{}, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return types.Room{}, ValidationError("room name cannot be blank")
	}

	requester, err := s.RequireMember(ctx, roomId, requesterId)
	if err != nil {
		return types.Room{}, err
	}
	if !requester.Role.Privileged() {
		return types.Room{}, AuthorizationError("only an owner or admin may update room %q", roomId)
	}

	room, err := s.rooms.UpdateRoom(ctx, roomId, name, types.Now())
	if err != nil {
		return types.Room{}, storeError(err, "update room %q", roomId)
	}
	return room, nil
}

func (s *Service) DeleteRoom(ctx context.Context, roomId, requesterId string) error {
	unlock := s.locks.lock(roomId)
	defer unlock()

	requester, err := s.RequireMember(ctx, roomId, requesterId)
	if err != nil {
		return err
	}
	if requester.Role != types.RoleOwner {
		return AuthorizationError("only an owner may delete room %q", roomId)
	}

	if err := s.rooms.DeleteRoom(ctx, roomId); err != nil {
		return storeError(err, "delete room %q", roomId)
	}

	s.log.Info("room deleted", zap.String("room_id", roomId), zap.String("deleted_by", requesterId))
	s.publish(ctx, Event{Type: EventRoomDeleted, RoomId: roomId, ActorId: requesterId})
	return nil
}

func (s *Service) ListMembers(ctx context.Context, roomId, requesterId string) ([]types.Member, error) {
	if _, err := s.RequireMember(ctx, roomId, requesterId); err != nil {
		return nil, err
	}

	members, err := s.rooms.ListMembers(ctx, roomId)
	if err != nil {
		return nil, storeError(err, "list members")
	}
	return members, nil
}

func (s *Service) AddMembersToRoom(ctx context.Context, roomId string, req AddMembersRequest, requesterId string) ([]types.Member, error) {
	if err := requireIdentity(requesterId); err != nil {
		return nil, err
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	role := req.Role
	if role == "" {
		role = types.RoleMember
	}

	room, err := s.rooms.GetRoom(ctx, roomId)
	if err != nil {
		return nil, storeError(err, "room %q not found", roomId)
	}
	if room.Kind == types.RoomKindDirect {
		return nil, ValidationError("members cannot be added to direct room %q", roomId)
	}

	var (
		members []types.Member
		added   int
	)
	err = s.rooms.WithRoomLock(ctx, roomId, func(tx database.MemberTx) error {
		requester, err := tx.GetMember(ctx, roomId, requesterId)
		if errors.Is(err, database.ErrNotFound) {
			return AuthorizationError("user %q is not a member of room %q", requesterId, roomId)
		} else if err != nil {
			return err
		}

		if !requester.Role.Privileged() {
			return AuthorizationError("only an owner or admin may add members to room %q", roomId)
		}
		if role != types.RoleMember && requester.Role != types.RoleOwner {
			return AuthorizationError("only an owner may grant the %s role", role)
		}

		now := types.Now()
		for _, userId := range uniqueIds(req.UserIds, "") {
			ok, err := tx.AddMember(ctx, types.Member{
				RoomId:   roomId,
				UserId:   userId,
				Role:     role,
				JoinedAt: now,
			})
			if err != nil {
				return err
			}
			if ok {
				added++
			}
		}

		members, err = tx.ListMembers(ctx, roomId)
		return err
	})
	if err != nil {
		return nil, storeError(err, "add members to room %q", roomId)
	}

	s.log.Debug("members added",
		zap.String("room_id", roomId),
		zap.String("requester", requesterId),
		zap.Int("added", added),
	)
	return members, nil
}

func countOwners(members []types.Member) int {
	n := 0
	for _, m := range members {
		if m.Role == types.RoleOwner {
			n++
		}
	}
	return n
}

func (s *Service) UpdateMemberRole(ctx context.Context, roomId, userId string, req UpdateMemberRoleRequest, requesterId string) (types.Member, error) {
	if err := requireIdentity(requesterId); err != nil {
		return types.Member{}, err
	}
	if err := validateRequest(req); err != nil {
		return types.Member{}, err
	}

	var updated types.Member
	err := s.rooms.WithRoomLock(ctx, roomId, func(tx database.MemberTx) error {
		requester, err := tx.GetMember(ctx, roomId, requesterId)
		if errors.Is(err, database.ErrNotFound) {
			return AuthorizationError("user %q is not a member of room %q", requesterId, roomId)
		} else if err != nil {
			return err
		}
		if requester.Role != types.RoleOwner {
			return AuthorizationError("only an owner may change roles in room %q", roomId)
		}

		target, err := tx.GetMember(ctx, roomId, userId)
		if errors.Is(err, database.ErrNotFound) {
			return NotFoundError("user %q is not a member of room %q", userId, roomId)
		} else if err != nil {
			return err
		}

		if target.Role == req.Role {
			updated = target
			return nil
		}

		if target.Role == types.RoleOwner {
			members, err := tx.ListMembers(ctx, roomId)
			if err != nil {
				return err
			}
			if countOwners(members) <= 1 {
				return InvariantError("room %q must keep at least one owner", roomId)
			}
		}

		if err := tx.UpdateMemberRole(ctx, roomId, userId, req.Role); err != nil {
			return err
		}
		target.Role = req.Role
		updated = target
		return nil
	})
	if err != nil {
		return types.Member{}, storeError(err, "update role in room %q", roomId)
	}

	return updated, nil
}

// RemoveMemberFromRoom removes userId from the room. Any member may remove
// itself; removing someone else needs owner or admin, and removing an owner
// or admin needs an owner.
func (s *Service) RemoveMemberFromRoom(ctx context.Context, roomId, userId, requesterId string) error {
	if err := requireIdentity(requesterId); err != nil {
		return err
	}

	unlock := s.locks.lock(roomId)
	defer unlock()

	err := s.rooms.WithRoomLock(ctx, roomId, func(tx database.MemberTx) error {
		requester, err := tx.GetMember(ctx, roomId, requesterId)
		if errors.Is(err, database.ErrNotFound) {
			return AuthorizationError("user %q is not a member of room %q", requesterId, roomId)
		} else if err != nil {
			return err
		}

		target, err := tx.GetMember(ctx, roomId, userId)
		if errors.Is(err, database.ErrNotFound) {
			return NotFoundError("user %q is not a member of room %q", userId, roomId)
		} else if err != nil {
			return err
		}

		if userId != requesterId {
			if !requester.Role.Privileged() {
				return AuthorizationError("only an owner or admin may remove members from room %q", roomId)
			}
			if target.Role.Privileged() && requester.Role != types.RoleOwner {
				return AuthorizationError("only an owner may remove a %s", target.Role)
			}
		}

		if target.Role == types.RoleOwner {
			members, err := tx.ListMembers(ctx, roomId)
			if err != nil {
				return err
			}
			if countOwners(members) <= 1 {
				return InvariantError("room %q must keep at least one owner", roomId)
			}
		}

		return tx.RemoveMember(ctx, roomId, userId)
	})
	if err != nil {
		return storeError(err, "remove member from room %q", roomId)
	}

	s.log.Debug("member removed",
		zap.String("room_id", roomId),
		zap.String("user_id", userId),
		zap.String("requester", requesterId),
	)
	s.publish(ctx, Event{Type: EventMemberRemoved, RoomId: roomId, UserId: userId, ActorId: requesterId})
	return nil
}

func (s *Service) SendMessage(ctx context.Context, req SendMessageRequest, senderId string) (types.Message, error) {
	if err := validateRequest(req); err != nil {
		return types.Message{}, err
	}
	if strings.TrimSpace(req.Body) == "" {
		return types.Message{}, ValidationError("message body cannot be blank")
	}

	unlock := s.locks.lock(req.RoomId)
	defer unlock()

	if _, err := s.RequireMember(ctx, req.RoomId, senderId); err != nil {
		return types.Message{}, err
	}

	msg, err := s.messages.CreateMessage(ctx, types.Message{
		RoomId:    req.RoomId,
		SenderId:  senderId,
		Body:      req.Body,
		CreatedAt: types.Now(),
	})
	if err != nil {
		return types.Message{}, storeError(err, "save message")
	}

	s.publish(ctx, Event{Type: EventMessageCreated, RoomId: msg.RoomId, Message: &msg, ActorId: senderId})
	return msg, nil
}

func (s *Service) senderMessage(ctx context.Context, messageId int64, requesterId string) (types.Message, error) {
	if err := requireIdentity(requesterId); err != nil {
		return types.Message{}, err
	}

	msg, err := s.messages.GetMessage(ctx, messageId)
	if err != nil {
		return types.Message{}, storeError(err, "message %d not found", messageId)
	}
	if msg.SenderId != requesterId {
		return types.Message{}, AuthorizationError("only the sender may modify message %d", messageId)
	}
	return msg, nil
}

func (s *Service) EditMessage(ctx context.Context, messageId int64, req EditMessageRequest, requesterId string) (types.Message, error) {
	if err := validateRequest(req); err != nil {
		return types.Message{}, err
	}
	if strings.TrimSpace(req.Body) == "" {
		return types.Message{}, ValidationError("message body cannot be blank")
	}

	msg, err := s.senderMessage(ctx, messageId, requesterId)
	if err != nil {
		return types.Message{}, err
	}
	if msg.Deleted() {
		return types.Message{}, ValidationError("message %d has been deleted", messageId)
	}

	unlock := s.locks.lock(msg.RoomId)
	defer unlock()

	edited, err := s.messages.EditMessage(ctx, messageId, req.Body, types.Now())
	if err != nil {
		return types.Message{}, storeError(err, "edit message %d", messageId)
	}

	s.publish(ctx, Event{Type: EventMessageEdited, RoomId: edited.RoomId, Message: &edited, ActorId: requesterId})
	return edited, nil
}

func (s *Service) DeleteMessage(ctx context.Context, messageId int64, requesterId string) (types.Message, error) {
	msg, err := s.senderMessage(ctx, messageId, requesterId)
	if err != nil {
		return types.Message{}, err
	}

	unlock := s.locks.lock(msg.RoomId)
	defer unlock()

	deleted, changed, err := s.messages.SoftDeleteMessage(ctx, messageId, types.Now())
	if err != nil {
		return types.Message{}, storeError(err, "delete message %d", messageId)
	}

	if changed {
		s.publish(ctx, Event{Type: EventMessageDeleted, RoomId: deleted.RoomId, Message: &deleted, ActorId: requesterId})
	}
	return deleted, nil
}

// ClampLimit applies the default and bounds used by GetRoomMessages.
func ClampLimit(limit int) int {
	switch {
	case limit == 0:
		return DefaultMessageLimit
	case limit < 1:
		return 1
	case limit > MaxMessageLimit:
		return MaxMessageLimit
	default:
		return limit
	}
}

// GetRoomMessages returns a page of messages, newest first. Offset paging is
// not a stable cursor: concurrent inserts shift later pages.
func (s *Service) GetRoomMessages(ctx context.Context, roomId, userId string, limit, offset int) ([]types.Message, error) {
	if _, err := s.RequireMember(ctx, roomId, userId); err != nil {
		return nil, err
	}

	if offset < 0 {
		offset = 0
	}

	msgs, err := s.messages.ListMessages(ctx, roomId, ClampLimit(limit), offset)
	if err != nil {
		return nil, storeError(err, "list messages")
	}
	return msgs, nil
}

// MarkMessagesAsRead advances the caller's read marker to the room's newest
// message and returns the resulting marker.
func (s *Service) MarkMessagesAsRead(ctx context.Context, roomId, userId string) (int64, error) {
	member, err := s.RequireMember(ctx, roomId, userId)
	if err != nil {
		return 0, err
	}

	latest, err := s.messages.LatestMessageId(ctx, roomId)
	if err != nil {
		return 0, storeError(err, "latest message")
	}
	if latest <= member.LastReadMessageId {
		return member.LastReadMessageId, nil
	}

	if err := s.messages.UpdateLastRead(ctx, roomId, userId, latest); err != nil {
		return 0, storeError(err, "update read marker")
	}
	return latest, nil
}

func uniqueIds(ids []string, exclude string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || id == exclude {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
