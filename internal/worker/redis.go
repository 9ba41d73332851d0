package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"agentchat/internal/models"
	"agentchat/internal/redis"

	"github.com/rs/zerolog"
)

const (
	redisInvalidateChannel = "agentchat:worker:invalidate"
	redisStateTTL          = 30 * time.Minute
	redisOpTimeout         = 2 * time.Second
)

const (
	scopeUser    = "user"
	scopeSession = "session"
)

type invalidateMessage struct {
	Origin    string `json:"origin"`
	UserID    int64  `json:"user_id"`
	SessionID int64  `json:"session_id"`
	Scope     string `json:"scope"`
}

// stateRedis shares session state between replicas and tells them when it changes.
type stateRedis struct {
	client *redis.Client
	origin string
	logger zerolog.Logger
}

func newStateCache(client *redis.Client, origin string, logger zerolog.Logger) *stateRedis {
	if !client.Enabled() {
		return nil
	}
	return &stateRedis{client: client, origin: origin, logger: logger}
}

func sessionKey(sessionID int64) string {
	return fmt.Sprintf("agentchat:session:%d", sessionID)
}

// startListener applies invalidations published by other replicas until ctx ends.
func (r *stateRedis) startListener(ctx context.Context, handler func(invalidateMessage)) {
	if r == nil || handler == nil {
		return
	}
	pubsub := r.client.Subscribe(ctx, redisInvalidateChannel)
	if pubsub == nil {
		return
	}
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var inv invalidateMessage
				if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
					r.logger.Warn().Err(err).Msg("decode invalidation")
					continue
				}
				if inv.Origin == r.origin {
					continue
				}
				handler(inv)
			}
		}
	}()
}

func (r *stateRedis) publishInvalidation(msg invalidateMessage) {
	if r == nil {
		return
	}
	msg.Origin = r.origin
	payload, err := json.Marshal(msg)
	if err != nil {
		r.logger.Warn().Err(err).Msg("encode invalidation")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, redisInvalidateChannel, payload); err != nil {
		r.logger.Warn().Err(err).Msg("publish invalidation")
	}
}

func (r *stateRedis) cacheSession(session *models.Session) {
	if r == nil || session == nil || session.ID <= 0 {
		return
	}
	data, err := json.Marshal(session)
	if err != nil {
		r.logger.Warn().Err(err).Msg("encode session")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := r.client.Set(ctx, sessionKey(session.ID), data, redisStateTTL); err != nil {
		r.logger.Warn().Err(err).Int64("session_id", session.ID).Msg("cache session")
	}
}

func (r *stateRedis) loadSession(userID, sessionID int64) (*models.Session, bool) {
	if r == nil || sessionID <= 0 {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	raw, err := r.client.Get(ctx, sessionKey(sessionID))
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			r.logger.Warn().Err(err).Int64("session_id", sessionID).Msg("load session")
		}
		return nil, false
	}
	var session models.Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		r.logger.Warn().Err(err).Msg("decode session")
		return nil, false
	}
	if session.UserID != userID {
		return nil, false
	}
	return &session, true
}

func (r *stateRedis) invalidateSession(sessionID int64) {
	if r == nil || sessionID <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := r.client.Del(ctx, sessionKey(sessionID)); err != nil {
		r.logger.Warn().Err(err).Int64("session_id", sessionID).Msg("invalidate session")
	}
}
