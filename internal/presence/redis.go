// Package presence mirrors live presence into Redis so other services can
// see which users are connected without talking to the socket server.
package presence

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/npezzotti/chatcore/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix = "chatcore:presence:"
	onlineKey = "chatcore:online"
)

// commander is the subset of the redis client the mirror uses.
type commander interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
}

type RedisMirror struct {
	client commander
	closer func() error
	node   string
	log    *zap.Logger
}

// NewRedisMirror connects to Redis and verifies the connection.
func NewRedisMirror(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     20,
		MinIdleConns: 2,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	m := newMirror(client, logger)
	m.closer = client.Close
	return m, nil
}

func newMirror(client commander, logger *zap.Logger) *RedisMirror {
	node, err := os.Hostname()
	if err != nil {
		node = "unknown"
	}
	return &RedisMirror{
		client: client,
		closer: func() error { return nil },
		node:   node,
		log:    logger,
	}
}

func userKey(userId string) string {
	return keyPrefix + userId
}

// SetOnline records userId as online since the given time.
func (m *RedisMirror) SetOnline(ctx context.Context, userId string, since time.Time) error {
	err := m.client.HSet(ctx, userKey(userId),
		"online_since", since.UTC().Format(time.RFC3339Nano),
		"node", m.node,
	).Err()
	if err != nil {
		return fmt.Errorf("hset %s: %w", userKey(userId), err)
	}

	if err := m.client.SAdd(ctx, onlineKey, userId).Err(); err != nil {
		return fmt.Errorf("sadd %s: %w", onlineKey, err)
	}

	m.log.Debug("presence mirrored", zap.String("user_id", userId), zap.Bool("online", true))
	return nil
}

// SetOffline removes userId from the online set.
func (m *RedisMirror) SetOffline(ctx context.Context, userId string) error {
	if err := m.client.SRem(ctx, onlineKey, userId).Err(); err != nil {
		return fmt.Errorf("srem %s: %w", onlineKey, err)
	}

	if err := m.client.Del(ctx, userKey(userId)).Err(); err != nil {
		return fmt.Errorf("del %s: %w", userKey(userId), err)
	}

	m.log.Debug("presence mirrored", zap.String("user_id", userId), zap.Bool("online", false))
	return nil
}

func (m *RedisMirror) Close() error {
	return m.closer()
}
