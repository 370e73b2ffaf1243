package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"adsinsight-go/internal/model"

	"github.com/go-redis/redis/v8"
)

// MessageCache 缓存会话的消息列表，读路径先查缓存，写入后失效。
// 每次失效都会递增会话的版本号，读路径在查库前取版本号，回填时只在版本未变时写入，
// 避免把查库期间已经过时的列表写回缓存。
type MessageCache interface {
	Get(ctx context.Context, sessionID string) ([]model.ChatMessage, bool, error)
	// Generation 返回会话缓存的当前版本号。
	Generation(ctx context.Context, sessionID string) (int64, error)
	// Set 仅在版本号仍为 gen 时写入，返回是否写入。
	Set(ctx context.Context, sessionID string, gen int64, messages []model.ChatMessage) (bool, error)
	Invalidate(ctx context.Context, sessionID string) error
}

type redisMessageCache struct {
	redisClient *redis.Client
	ttl         time.Duration
}

// NewMessageCache 创建基于 Redis 的消息缓存。redisClient 为 nil 时返回不缓存的实现。
func NewMessageCache(redisClient *redis.Client, ttl time.Duration) MessageCache {
	if redisClient == nil {
		return noopMessageCache{}
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &redisMessageCache{redisClient: redisClient, ttl: ttl}
}

func messagesKey(sessionID string) string {
	return fmt.Sprintf("chat:session:%s:messages", sessionID)
}

func generationKey(sessionID string) string {
	return fmt.Sprintf("chat:session:%s:gen", sessionID)
}

func (c *redisMessageCache) Get(ctx context.Context, sessionID string) ([]model.ChatMessage, bool, error) {
	jsonData, err := c.redisClient.Get(ctx, messagesKey(sessionID)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cached messages: %w", err)
	}
	var messages []model.ChatMessage
	if err := json.Unmarshal([]byte(jsonData), &messages); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal cached messages: %w", err)
	}
	return messages, true, nil
}

func (c *redisMessageCache) Generation(ctx context.Context, sessionID string) (int64, error) {
	gen, err := c.redisClient.Get(ctx, generationKey(sessionID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get cache generation: %w", err)
	}
	return gen, nil
}

func (c *redisMessageCache) Set(ctx context.Context, sessionID string, gen int64, messages []model.ChatMessage) (bool, error) {
	jsonData, err := json.Marshal(messages)
	if err != nil {
		return false, fmt.Errorf("failed to marshal messages: %w", err)
	}
	genKey := generationKey(sessionID)
	stored := false
	err = c.redisClient.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genKey).Int64()
		if err != nil && err != redis.Nil {
			return err
		}
		if cur != gen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, messagesKey(sessionID), jsonData, c.ttl)
			return nil
		})
		stored = err == nil
		return err
	}, genKey)
	// EXEC 被并发的失效打断，本次不回填
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to cache messages: %w", err)
	}
	return stored, nil
}

func (c *redisMessageCache) Invalidate(ctx context.Context, sessionID string) error {
	genKey := generationKey(sessionID)
	_, err := c.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey)
		pipe.Expire(ctx, genKey, c.ttl)
		pipe.Del(ctx, messagesKey(sessionID))
		return nil
	})
	return err
}

type noopMessageCache struct{}

func (noopMessageCache) Get(context.Context, string) ([]model.ChatMessage, bool, error) {
	return nil, false, nil
}
func (noopMessageCache) Generation(context.Context, string) (int64, error) { return 0, nil }
func (noopMessageCache) Set(context.Context, string, int64, []model.ChatMessage) (bool, error) {
	return false, nil
}
func (noopMessageCache) Invalidate(context.Context, string) error { return nil }
