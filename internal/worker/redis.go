package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"wingman/internal/models"
	"wingman/internal/redis"
)

const (
	redisInvalidateChannel = "worker:invalidate"
	redisStateTTL          = 30 * time.Minute
)

const (
	scopeUser         = "user"
	scopeConversation = "conversation"
)

type invalidateMessage struct {
	Origin         string `json:"origin"`
	UserID         int64  `json:"user_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Scope          string `json:"scope"`
}

type cachedConversation struct {
	UserID       int64               `json:"user_id"`
	Conversation models.Conversation `json:"conversation"`
	History      []models.Message    `json:"history"`
}

// stateRedis shares conversation history between instances. A nil receiver or client is a no-op.
type stateRedis struct {
	client *redis.Client
	logger *slog.Logger
}

func newStateCache(client *redis.Client, logger *slog.Logger) *stateRedis {
	if logger == nil {
		logger = slog.Default()
	}
	return &stateRedis{client: client, logger: logger}
}

func (r *stateRedis) enabled() bool {
	return r != nil && r.client != nil && r.client.Raw() != nil
}

func conversationKey(conversationID string) string {
	return fmt.Sprintf("worker:conversation:%s", conversationID)
}

// startListener subscribes to invalidations until ctx is done.
func (r *stateRedis) startListener(ctx context.Context, handler func(invalidateMessage)) {
	if !r.enabled() || handler == nil {
		return
	}
	err := r.client.Subscribe(ctx, redisInvalidateChannel, func(payload string) {
		var inv invalidateMessage
		if err := json.Unmarshal([]byte(payload), &inv); err != nil {
			r.logger.Warn("worker invalidation decode failed", "err", err)
			return
		}
		handler(inv)
	})
	if err != nil {
		r.logger.Warn("worker invalidation listener disabled", "err", err)
	}
}

// publishInvalidation broadcasts an invalidate message to every instance.
func (r *stateRedis) publishInvalidation(ctx context.Context, msg invalidateMessage) {
	if !r.enabled() {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		r.logger.Warn("worker invalidation marshal failed", "err", err)
		return
	}
	if err := r.client.Publish(ctx, redisInvalidateChannel, payload); err != nil {
		r.logger.Warn("worker publish invalidation failed", "err", err)
	}
}

func (r *stateRedis) cacheConversation(ctx context.Context, userID int64, conv models.Conversation, history []models.Message) {
	if !r.enabled() || conv.ID == "" {
		return
	}
	cached := cachedConversation{UserID: userID, Conversation: conv, History: history}
	if err := r.client.SetJSON(ctx, conversationKey(conv.ID), cached, redisStateTTL); err != nil {
		r.logger.Warn("worker rdb conversation failed", "conversation_id", conv.ID, "err", err)
	}
}

// loadConversation returns the cached conversation when it exists and belongs to userID.
func (r *stateRedis) loadConversation(ctx context.Context, userID int64, conversationID string) (models.Conversation, []models.Message, bool) {
	if !r.enabled() || conversationID == "" {
		return models.Conversation{}, nil, false
	}
	var cached cachedConversation
	if err := r.client.GetJSON(ctx, conversationKey(conversationID), &cached); err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			r.logger.Warn("worker load conversation rdb failed", "conversation_id", conversationID, "err", err)
		}
		return models.Conversation{}, nil, false
	}
	if cached.UserID != userID {
		return models.Conversation{}, nil, false
	}
	cached.Conversation.UserID = userID
	for i := range cached.History {
		cached.History[i].UserID = userID
	}
	return cached.Conversation, cached.History, true
}

func (r *stateRedis) invalidateConversation(ctx context.Context, conversationID string) {
	if !r.enabled() || conversationID == "" {
		return
	}
	if err := r.client.Del(ctx, conversationKey(conversationID)); err != nil && !errors.Is(err, redis.ErrCacheMiss) {
		r.logger.Warn("worker invalidate conversation rdb failed", "conversation_id", conversationID, "err", err)
	}
}
