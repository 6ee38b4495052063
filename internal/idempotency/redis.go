package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redisclient "github.com/openclaw/gateway-go/internal/redis"
)

// RedisStore shares results between gateway processes.
type RedisStore struct {
	client *redisclient.Client
	ttl    time.Duration
}

func NewRedisStore(client *redisclient.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Get(ctx context.Context, key string) (Result, bool, error) {
	data, err := s.client.Get(ctx, redisclient.IdempotencyKey(key)).Bytes()
	if redisclient.IsNil(err) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, fmt.Errorf("get idempotency key: %w", err)
	}

	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return Result{}, false, fmt.Errorf("decode idempotency result: %w", err)
	}
	return res, true, nil
}

// Put uses SET NX so the first writer wins across processes.
func (s *RedisStore) Put(ctx context.Context, key string, res Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode idempotency result: %w", err)
	}
	if err := s.client.SetNX(ctx, redisclient.IdempotencyKey(key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("set idempotency key: %w", err)
	}
	return nil
}
