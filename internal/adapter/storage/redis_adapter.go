package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

const idempotencyKeyPrefix = "idempotency:"

type redisRecord struct {
	Result    []byte    `json:"result,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RedisAdapter is the fast idempotency cache in front of MySQL.
type RedisAdapter struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client, now: time.Now}
}

func (r *RedisAdapter) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	raw, err := r.client.Get(ctx, idempotencyKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis get")
	}

	var rec redisRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errors.Wrapf(err, "decode cached record %s", key)
	}
	out := domain.IdempotencyRecord{Key: key, Result: rec.Result, ExpiresAt: rec.ExpiresAt}
	if out.Expired(r.now()) {
		return nil, nil
	}
	return &out, nil
}

func (r *RedisAdapter) PutIfAbsent(ctx context.Context, rec domain.IdempotencyRecord) (bool, error) {
	ttl := rec.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return false, nil
	}
	raw, err := json.Marshal(redisRecord{Result: rec.Result, ExpiresAt: rec.ExpiresAt})
	if err != nil {
		return false, errors.Wrap(err, "encode cached record")
	}

	ok, err := r.client.SetNX(ctx, idempotencyKeyPrefix+rec.Key, raw, ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "redis setnx")
	}
	return ok, nil
}
