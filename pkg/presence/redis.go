package presence

import (
	"context"

	"github.com/redis/go-redis/v9"
)

const onlineKey = "presence:online"

func userKey(userID string) string { return "presence:user:" + userID }

// RedisMirror copies registry membership into Redis sets so other services
// (and other gateway instances) can answer "who is online" without the registry.
type RedisMirror struct {
	client *redis.Client
}

func NewRedisMirror(client *redis.Client) *RedisMirror {
	return &RedisMirror{client: client}
}

func (m *RedisMirror) Attached(ctx context.Context, userID, channelID string) error {
	if err := m.client.SAdd(ctx, userKey(userID), channelID).Err(); err != nil {
		return err
	}
	return m.client.SAdd(ctx, onlineKey, userID).Err()
}

// Detached removes the channel and drops the user from the online set once no
// instance holds a channel for them.
func (m *RedisMirror) Detached(ctx context.Context, userID, channelID string) error {
	if err := m.client.SRem(ctx, userKey(userID), channelID).Err(); err != nil {
		return err
	}
	left, err := m.client.SCard(ctx, userKey(userID)).Result()
	if err != nil {
		return err
	}
	if left == 0 {
		return m.client.SRem(ctx, onlineKey, userID).Err()
	}
	return nil
}

func (m *RedisMirror) OnlineUsers(ctx context.Context) ([]string, error) {
	return m.client.SMembers(ctx, onlineKey).Result()
}

func (m *RedisMirror) ChannelCount(ctx context.Context, userID string) (int64, error) {
	return m.client.SCard(ctx, userKey(userID)).Result()
}
