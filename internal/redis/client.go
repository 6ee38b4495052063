package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/openclaw/gateway-go/internal/util"
)

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// IsNil reports whether err is the go-redis "key does not exist" reply.
func IsNil(err error) bool {
	return err == redis.Nil
}

// IdempotencyKey hashes the caller-supplied key so its length and
// charset are bounded.
func IdempotencyKey(key string) string {
	return fmt.Sprintf("gateway:idem:%s", util.HashToken(key))
}

func ConnectRateKey(ip string) string {
	return fmt.Sprintf("gateway:ratelimit:ws:%s", ip)
}
