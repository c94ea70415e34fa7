package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/npezzotti/chatcore/internal/types"
)

// MemoryChatRepository keeps rooms, memberships and messages in process memory.
// Associations are kept as index maps (roomId -> members, userId -> rooms).
type MemoryChatRepository struct {
	mu          sync.RWMutex
	rooms       map[string]types.Room
	members     map[string]map[string]types.Member // roomId -> userId -> member
	userRooms   map[string]map[string]struct{}     // userId -> set(roomId)
	messages    map[int64]types.Message
	roomMsgs    map[string][]int64 // roomId -> message ids in insertion order
	nextMsgId   int64
	roomLocksMu sync.Mutex
	roomLocks   map[string]*sync.Mutex
}

func NewMemoryChatRepository() *MemoryChatRepository {
	return &MemoryChatRepository{
		rooms:     make(map[string]types.Room),
		members:   make(map[string]map[string]types.Member),
		userRooms: make(map[string]map[string]struct{}),
		messages:  make(map[int64]types.Message),
		roomMsgs:  make(map[string][]int64),
		roomLocks: make(map[string]*sync.Mutex),
	}
}

func (db *MemoryChatRepository) Ping() error  { return nil }
func (db *MemoryChatRepository) Close() error { return nil }

func (db *MemoryChatRepository) roomLock(roomId string) *sync.Mutex {
	db.roomLocksMu.Lock()
	defer db.roomLocksMu.Unlock()

	l, ok := db.roomLocks[roomId]
	if !ok {
		l = &sync.Mutex{}
		db.roomLocks[roomId] = l
	}
	return l
}

func (db *MemoryChatRepository) CreateRoom(_ context.Context, room types.Room, members []types.Member) (types.Room, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.rooms[room.Id] = room
	db.members[room.Id] = make(map[string]types.Member)
	for _, m := range members {
		db.addMemberLocked(m)
	}

	return room, nil
}

func (db *MemoryChatRepository) GetRoom(_ context.Context, roomId string) (types.Room, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	room, ok := db.rooms[roomId]
	if !ok {
		return types.Room{}, ErrNotFound
	}
	return room, nil
}

func (db *MemoryChatRepository) UpdateRoom(_ context.Context, roomId, name string, updatedAt time.Time) (types.Room, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	room, ok := db.rooms[roomId]
	if !ok {
		return types.Room{}, ErrNotFound
	}
	room.Name = name
	room.UpdatedAt = updatedAt
	db.rooms[roomId] = room

	return room, nil
}

func (db *MemoryChatRepository) DeleteRoom(_ context.Context, roomId string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.rooms[roomId]; !ok {
		return ErrNotFound
	}

	for userId := range db.members[roomId] {
		db.unindexUserRoom(userId, roomId)
	}
	for _, id := range db.roomMsgs[roomId] {
		delete(db.messages, id)
	}
	delete(db.members, roomId)
	delete(db.roomMsgs, roomId)
	delete(db.rooms, roomId)

	return nil
}

func (db *MemoryChatRepository) ListRoomsForUser(_ context.Context, userId string) ([]types.Room, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rooms := make([]types.Room, 0, len(db.userRooms[userId]))
	for roomId := range db.userRooms[userId] {
		rooms = append(rooms, db.rooms[roomId])
	}
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].UpdatedAt.Equal(rooms[j].UpdatedAt) {
			return rooms[i].Id < rooms[j].Id
		}
		return rooms[i].UpdatedAt.After(rooms[j].UpdatedAt)
	})

	return rooms, nil
}

func (db *MemoryChatRepository) GetMember(_ context.Context, roomId, userId string) (types.Member, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	m, ok := db.members[roomId][userId]
	if !ok {
		return types.Member{}, ErrNotFound
	}
	return m, nil
}

func (db *MemoryChatRepository) ListMembers(_ context.Context, roomId string) ([]types.Member, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	members := make([]types.Member, 0, len(db.members[roomId]))
	for _, m := range db.members[roomId] {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].UserId < members[j].UserId
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})

	return members, nil
}

func (db *MemoryChatRepository) WithRoomLock(ctx context.Context, roomId string, fn func(tx MemberTx) error) error {
	l := db.roomLock(roomId)
	l.Lock()
	defer l.Unlock()

	if _, err := db.GetRoom(ctx, roomId); err != nil {
		return err
	}

	return fn(&memMemberTx{db: db})
}

type memMemberTx struct {
	db *MemoryChatRepository
}

func (t *memMemberTx) GetMember(ctx context.Context, roomId, userId string) (types.Member, error) {
	return t.db.GetMember(ctx, roomId, userId)
}

func (t *memMemberTx) ListMembers(ctx context.Context, roomId string) ([]types.Member, error) {
	return t.db.ListMembers(ctx, roomId)
}

func (t *memMemberTx) AddMember(_ context.Context, m types.Member) (bool, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	if _, ok := t.db.rooms[m.RoomId]; !ok {
		return false, ErrNotFound
	}
	return t.db.addMemberLocked(m), nil
}

func (t *memMemberTx) UpdateMemberRole(_ context.Context, roomId, userId string, role types.Role) error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	m, ok := t.db.members[roomId][userId]
	if !ok {
		return ErrNotFound
	}
	m.Role = role
	t.db.members[roomId][userId] = m

	return nil
}

func (t *memMemberTx) RemoveMember(_ context.Context, roomId, userId string) error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	if _, ok := t.db.members[roomId][userId]; !ok {
		return ErrNotFound
	}
	delete(t.db.members[roomId], userId)
	t.db.unindexUserRoom(userId, roomId)

	return nil
}

func (db *MemoryChatRepository) addMemberLocked(m types.Member) bool {
	if _, ok := db.members[m.RoomId][m.UserId]; ok {
		return false
	}
	if db.members[m.RoomId] == nil {
		db.members[m.RoomId] = make(map[string]types.Member)
	}
	db.members[m.RoomId][m.UserId] = m

	if db.userRooms[m.UserId] == nil {
		db.userRooms[m.UserId] = make(map[string]struct{})
	}
	db.userRooms[m.UserId][m.RoomId] = struct{}{}

	return true
}

func (db *MemoryChatRepository) unindexUserRoom(userId, roomId string) {
	if rooms, ok := db.userRooms[userId]; ok {
		delete(rooms, roomId)
		if len(rooms) == 0 {
			delete(db.userRooms, userId)
		}
	}
}

func (db *MemoryChatRepository) CreateMessage(_ context.Context, msg types.Message) (types.Message, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.rooms[msg.RoomId]; !ok {
		return types.Message{}, ErrNotFound
	}

	db.nextMsgId++
	msg.Id = db.nextMsgId
	db.messages[msg.Id] = msg
	db.roomMsgs[msg.RoomId] = append(db.roomMsgs[msg.RoomId], msg.Id)

	return msg, nil
}

func (db *MemoryChatRepository) GetMessage(_ context.Context, id int64) (types.Message, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	msg, ok := db.messages[id]
	if !ok {
		return types.Message{}, ErrNotFound
	}
	return msg, nil
}

func (db *MemoryChatRepository) EditMessage(_ context.Context, id int64, body string, editedAt time.Time) (types.Message, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	msg, ok := db.messages[id]
	if !ok {
		return types.Message{}, ErrNotFound
	}
	if msg.Deleted() {
		return types.Message{}, ErrMessageDeleted
	}

	msg.Body = body
	msg.EditedAt = &editedAt
	db.messages[id] = msg

	return msg, nil
}

func (db *MemoryChatRepository) SoftDeleteMessage(_ context.Context, id int64, deletedAt time.Time) (types.Message, bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	msg, ok := db.messages[id]
	if !ok {
		return types.Message{}, false, ErrNotFound
	}
	if msg.Deleted() {
		return msg, false, nil
	}

	msg.Body = ""
	msg.DeletedAt = &deletedAt
	db.messages[id] = msg

	return msg, true, nil
}

func (db *MemoryChatRepository) ListMessages(_ context.Context, roomId string, limit, offset int) ([]types.Message, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	ids := db.roomMsgs[roomId]
	all := make([]types.Message, 0, len(ids))
	for _, id := range ids {
		all = append(all, db.messages[id])
	}
	sortNewestFirst(all)

	if offset >= len(all) {
		return []types.Message{}, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}

	page := make([]types.Message, end-offset)
	copy(page, all[offset:end])
	return page, nil
}

func (db *MemoryChatRepository) LatestMessageId(_ context.Context, roomId string) (int64, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	ids := db.roomMsgs[roomId]
	if len(ids) == 0 {
		return 0, nil
	}

	all := make([]types.Message, 0, len(ids))
	for _, id := range ids {
		all = append(all, db.messages[id])
	}
	sortNewestFirst(all)

	return all[0].Id, nil
}

func (db *MemoryChatRepository) UpdateLastRead(_ context.Context, roomId, userId string, messageId int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	m, ok := db.members[roomId][userId]
	if !ok {
		return ErrNotFound
	}
	if messageId > m.LastReadMessageId {
		m.LastReadMessageId = messageId
		db.members[roomId][userId] = m
	}

	return nil
}

func sortNewestFirst(msgs []types.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].Id > msgs[j].Id
		}
		return msgs[i].CreatedAt.After(msgs[j].CreatedAt)
	})
}
