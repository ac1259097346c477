package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"prodflow-access/internal/client"
	"prodflow-access/internal/models"
	"prodflow-access/internal/util"
)

const sessionByTokenPrefix = "session_by_token:"

// Cache fronts the directory store with a short-TTL Redis lookup so the
// verifier does not hit Scylla on every request.
type Cache struct {
	client *client.RedisClient
	ttl    time.Duration
}

func NewCache(rc *client.RedisClient, ttl time.Duration) *Cache {
	return &Cache{client: rc, ttl: ttl}
}

// Get returns the cached session for token, or nil on a miss. Cache
// failures degrade to a miss.
func (c *Cache) Get(ctx context.Context, token string) *models.Session {
	raw, err := c.client.Get(ctx, sessionByTokenPrefix+token)
	if err != nil {
		if !errors.Is(err, client.ErrKeyNotFound) {
			util.Warn("session cache read failed", zap.Error(err))
		}
		return nil
	}

	var s models.Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		util.Warn("session cache entry corrupt", zap.Error(err))
		_ = c.client.Del(ctx, sessionByTokenPrefix+token)
		return nil
	}
	return &s
}

func (c *Cache) Put(ctx context.Context, s *models.Session) {
	raw, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, sessionByTokenPrefix+s.SessionToken, raw, c.ttl); err != nil {
		util.Warn("session cache write failed",
			zap.String("session_id", s.ID),
			zap.Error(err))
	}
}

func (c *Cache) Invalidate(ctx context.Context, token string) {
	if err := c.client.Del(ctx, sessionByTokenPrefix+token); err != nil {
		util.Warn("session cache invalidate failed", zap.Error(err))
	}
}
