package database

import (
	"context"
	"time"

	"github.com/npezzotti/chatcore/internal/types"
	"github.com/stretchr/testify/mock"
)

// MockChatRepository also acts as the MemberTx handed to WithRoomLock callbacks.
type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockChatRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockChatRepository) CreateRoom(ctx context.Context, room types.Room, members []types.Member) (types.Room, error) {
	args := m.Called(ctx, room, members)
	return args.Get(0).(types.Room), args.Error(1)
}
func (m *MockChatRepository) GetRoom(ctx context.Context, roomId string) (types.Room, error) {
	args := m.Called(ctx, roomId)
	return args.Get(0).(types.Room), args.Error(1)
}
func (m *MockChatRepository) UpdateRoom(ctx context.Context, roomId, name string, updatedAt time.Time) (types.Room, error) {
	args := m.Called(ctx, roomId, name, updatedAt)
	return args.Get(0).(types.Room), args.Error(1)
}
func (m *MockChatRepository) DeleteRoom(ctx context.Context, roomId string) error {
	args := m.Called(ctx, roomId)
	return args.Error(0)
}
func (m *MockChatRepository) ListRoomsForUser(ctx context.Context, userId string) ([]types.Room, error) {
	args := m.Called(ctx, userId)
	return args.Get(0).([]types.Room), args.Error(1)
}
func (m *MockChatRepository) GetMember(ctx context.Context, roomId, userId string) (types.Member, error) {
	args := m.Called(ctx, roomId, userId)
	return args.Get(0).(types.Member), args.Error(1)
}
func (m *MockChatRepository) ListMembers(ctx context.Context, roomId string) ([]types.Member, error) {
	args := m.Called(ctx, roomId)
	return args.Get(0).([]types.Member), args.Error(1)
}
func (m *MockChatRepository) WithRoomLock(ctx context.Context, roomId string, fn func(tx MemberTx) error) error {
	args := m.Called(ctx, roomId)
	if err := args.Error(0); err != nil {
		return err
	}
	return fn(m)
}
func (m *MockChatRepository) AddMember(ctx context.Context, member types.Member) (bool, error) {
	args := m.Called(ctx, member)
	return args.Bool(0), args.Error(1)
}
func (m *MockChatRepository) UpdateMemberRole(ctx context.Context, roomId, userId string, role types.Role) error {
	args := m.Called(ctx, roomId, userId, role)
	return args.Error(0)
}
func (m *MockChatRepository) RemoveMember(ctx context.Context, roomId, userId string) error {
	args := m.Called(ctx, roomId, userId)
	return args.Error(0)
}
func (m *MockChatRepository) CreateMessage(ctx context.Context, msg types.Message) (types.Message, error) {
	args := m.Called(ctx, msg)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockChatRepository) GetMessage(ctx context.Context, id int64) (types.Message, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockChatRepository) EditMessage(ctx context.Context, id int64, body string, editedAt time.Time) (types.Message, error) {
	args := m.Called(ctx, id, body, editedAt)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockChatRepository) SoftDeleteMessage(ctx context.Context, id int64, deletedAt time.Time) (types.Message, bool, error) {
	args := m.Called(ctx, id, deletedAt)
	return args.Get(0).(types.Message), args.Bool(1), args.Error(2)
}
func (m *MockChatRepository) ListMessages(ctx context.Context, roomId string, limit, offset int) ([]types.Message, error) {
	args := m.Called(ctx, roomId, limit, offset)
	return args.Get(0).([]types.Message), args.Error(1)
}
func (m *MockChatRepository) LatestMessageId(ctx context.Context, roomId string) (int64, error) {
	args := m.Called(ctx, roomId)
	return args.Get(0).(int64), args.Error(1)
}
func (m *MockChatRepository) UpdateLastRead(ctx context.Context, roomId, userId string, messageId int64) error {
	args := m.Called(ctx, roomId, userId, messageId)
	return args.Error(0)
}
