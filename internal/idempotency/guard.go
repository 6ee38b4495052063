package idempotency

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/gateway-go/internal/errors"
)

type call struct {
	done chan struct{}
	res  Result
}

// Guard runs a call at most once per key within the store's window.
// Concurrent calls with the same key wait for the first one.
type Guard struct {
	store Store

	mu       sync.Mutex
	inflight map[string]*call
}

func NewGuard(store Store) *Guard {
	return &Guard{
		store:    store,
		inflight: make(map[string]*call),
	}
}

// Do returns the stored result for key when there is one, otherwise runs
// fn and stores its result. replayed is true when fn did not run. An empty
// key always runs fn.
func (g *Guard) Do(ctx context.Context, key string, fn func(ctx context.Context) Result) (res Result, replayed bool) {
	if key == "" {
		return fn(ctx), false
	}

	g.mu.Lock()
	if c, ok := g.inflight[key]; ok {
		g.mu.Unlock()
		select {
		case <-c.done:
			return c.res, true
		case <-ctx.Done():
			return Failure(apperrors.Timeout("Request cancelled while waiting for duplicate")), false
		}
	}

	c := &call{done: make(chan struct{})}
	g.inflight[key] = c
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.inflight, key)
		g.mu.Unlock()
		close(c.done)
	}()

	if stored, ok, err := g.store.Get(ctx, key); err != nil {
		log.Warn().Err(err).Str("idempotencyKey", key).Msg("idempotency lookup failed")
	} else if ok {
		c.res = stored
		return stored, true
	}

	c.res = fn(ctx)
	if cacheable(c.res) {
		if err := g.store.Put(ctx, key, c.res); err != nil {
			log.Warn().Err(err).Str("idempotencyKey", key).Msg("idempotency store failed")
		}
	}
	return c.res, false
}

// Transient failures are not remembered so the caller can retry with the
// same key.
func cacheable(res Result) bool {
	if res.OK || res.Error == nil {
		return true
	}
	switch res.Error.Code {
	case apperrors.ErrCodeTimeout, apperrors.ErrCodeUnavailable, apperrors.ErrCodeInternal, apperrors.ErrCodeStore:
		return false
	}
	return true
}
