package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/npezzotti/chatcore/internal/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockCommander struct {
	mock.Mock
}

func (m *mockCommander) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	args := m.Called(ctx, key, values)
	return redis.NewIntResult(int64(args.Int(0)), args.Error(1))
}

func (m *mockCommander) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	args := m.Called(ctx, keys)
	return redis.NewIntResult(int64(args.Int(0)), args.Error(1))
}

func (m *mockCommander) SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	args := m.Called(ctx, key, members)
	return redis.NewIntResult(int64(args.Int(0)), args.Error(1))
}

func (m *mockCommander) SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	args := m.Called(ctx, key, members)
	return redis.NewIntResult(int64(args.Int(0)), args.Error(1))
}

func TestRedisMirror_SetOnline(t *testing.T) {
	client := &mockCommander{}
	defer client.AssertExpectations(t)
	m := newMirror(client, testutil.TestLogger(t))
	m.node = "node-1"

	since := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	client.On("HSet", mock.Anything, "chatcore:presence:alice",
		[]interface{}{"online_since", "2024-05-01T12:00:00Z", "node", "node-1"}).Return(2, nil).Once()
	client.On("SAdd", mock.Anything, "chatcore:online", []interface{}{"alice"}).Return(1, nil).Once()

	require.NoError(t, m.SetOnline(context.Background(), "alice", since))
}

func TestRedisMirror_SetOnline_error(t *testing.T) {
	client := &mockCommander{}
	defer client.AssertExpectations(t)
	m := newMirror(client, testutil.TestLogger(t))

	client.On("HSet", mock.Anything, "chatcore:presence:alice", mock.Anything).Return(0, errors.New("connection refused")).Once()

	err := m.SetOnline(context.Background(), "alice", time.Now())
	assert.ErrorContains(t, err, "connection refused")
	client.AssertNotCalled(t, "SAdd", mock.Anything, mock.Anything, mock.Anything)
}

func TestRedisMirror_SetOffline(t *testing.T) {
	client := &mockCommander{}
	defer client.AssertExpectations(t)
	m := newMirror(client, testutil.TestLogger(t))

	client.On("SRem", mock.Anything, "chatcore:online", []interface{}{"alice"}).Return(1, nil).Once()
	client.On("Del", mock.Anything, []string{"chatcore:presence:alice"}).Return(1, nil).Once()

	require.NoError(t, m.SetOffline(context.Background(), "alice"))
	assert.NoError(t, m.Close(), "expected close without a client to be a no-op")
}
