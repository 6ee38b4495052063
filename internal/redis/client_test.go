package redis

import (
	"errors"
	"strings"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestKeys(t *testing.T) {
	t.Run("idempotency keys are bounded", func(t *testing.T) {
		short := IdempotencyKey("send:abc")
		long := IdempotencyKey("send:" + strings.Repeat("x", 4096))

		assert.True(t, strings.HasPrefix(short, "gateway:idem:"))
		assert.Len(t, long, len(short))
		assert.NotEqual(t, short, long)
		assert.Equal(t, short, IdempotencyKey("send:abc"))
	})

	t.Run("connect rate key", func(t *testing.T) {
		assert.Equal(t, "gateway:ratelimit:ws:10.0.0.1", ConnectRateKey("10.0.0.1"))
	})
}

func TestIsNil(t *testing.T) {
	assert.True(t, IsNil(redis.Nil))
	assert.False(t, IsNil(errors.New("boom")))
	assert.False(t, IsNil(nil))
}

func TestNewClient_BadURL(t *testing.T) {
	_, err := NewClient("not-a-url")
	assert.Error(t, err)
}
