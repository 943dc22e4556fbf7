package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"marketplace_chat_service/internal/chat/domain"
	"marketplace_chat_service/pkg/logger"
)

// 快取只是加速，所有操作 best-effort，失敗一律退回資料庫
const conversationTTL = 5 * time.Minute

// ConversationCache definition conversation list cache
type ConversationCache interface {
	Get(ctx context.Context, userID string) ([]domain.Conversation, bool)
	// Generation 寫回前先取樣，重算期間的 invalidate 會讓 Set 落空
	Generation(ctx context.Context, userID string) int64
	// Set 只在 generation 沒變時寫回
	Set(ctx context.Context, userID string, conversations []domain.Conversation, gen int64)
	// Invalidate 在每次 persist / markRead 後同步呼叫
	Invalidate(ctx context.Context, userIDs ...string)
}

type conversationCache struct {
	client *redis.Client
}

// NewConversationCache create a ConversationCache
func NewConversationCache(client *redis.Client) ConversationCache {
	return &conversationCache{client: client}
}

func cacheKey(userID string) string {
	return fmt.Sprintf("chat:conversations:%s", userID)
}

func genKey(userID string) string {
	return fmt.Sprintf("chat:conversations:gen:%s", userID)
}

// setIfGeneration generation 沒變才寫，輸給並發的 invalidate
var setIfGeneration = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == false then cur = '0' end
if cur ~= ARGV[1] then return 0 end
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
return 1
`)

func (c *conversationCache) Get(ctx context.Context, userID string) ([]domain.Conversation, bool) {
	val, err := c.client.Get(ctx, cacheKey(userID)).Result()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		logger.Log.Warn("conversation cache get failed", zap.String("user_id", userID), zap.Error(err))
		return nil, false
	}

	var conversations []domain.Conversation
	if err := json.Unmarshal([]byte(val), &conversations); err != nil {
		logger.Log.Warn("conversation cache unmarshal failed", zap.String("user_id", userID), zap.Error(err))
		return nil, false
	}
	return conversations, true
}

func (c *conversationCache) Generation(ctx context.Context, userID string) int64 {
	val, err := c.client.Get(ctx, genKey(userID)).Int64()
	if err == redis.Nil {
		return 0
	}
	if err != nil {
		logger.Log.Warn("conversation cache generation failed", zap.String("user_id", userID), zap.Error(err))
		// 取不到 generation 就放棄這次寫回
		return -1
	}
	return val
}

func (c *conversationCache) Set(ctx context.Context, userID string, conversations []domain.Conversation, gen int64) {
	if gen < 0 {
		return
	}
	data, err := json.Marshal(conversations)
	if err != nil {
		logger.Log.Warn("conversation cache marshal failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	err = setIfGeneration.Run(ctx, c.client,
		[]string{genKey(userID), cacheKey(userID)},
		strconv.FormatInt(gen, 10), data, conversationTTL.Milliseconds(),
	).Err()
	if err != nil && err != redis.Nil {
		logger.Log.Warn("conversation cache set failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func (c *conversationCache) Invalidate(ctx context.Context, userIDs ...string) {
	if len(userIDs) == 0 {
		return
	}
	pipe := c.client.Pipeline()
	for _, id := range userIDs {
		pipe.Incr(ctx, genKey(id))
		pipe.Del(ctx, cacheKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Log.Warn("conversation cache invalidate failed", zap.Strings("user_ids", userIDs), zap.Error(err))
	}
}
