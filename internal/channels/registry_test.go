package channels

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	id     string
	status Status
	probed bool
}

func (f *fakeAdapter) ID() string { return f.id }

func (f *fakeAdapter) Status(_ context.Context, probe bool) Status {
	f.probed = f.probed || probe
	return f.status
}

func (f *fakeAdapter) Send(_ context.Context, to, _ string) (SendResult, error) {
	return SendResult{Channel: f.id, MessageID: "m1", To: to}, nil
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry()

	telegram := &fakeAdapter{id: "telegram", status: Status{Configured: true, Connected: true}}
	discord := &fakeAdapter{id: "discord", status: Status{Configured: true, LastError: "token expired"}}
	registry.Register(telegram)
	registry.Register(discord)

	t.Run("ids are sorted", func(t *testing.T) {
		assert.Equal(t, []string{"discord", "telegram"}, registry.IDs())
	})

	t.Run("snapshot without probe", func(t *testing.T) {
		snapshot := registry.Snapshot(ctx, false)
		require.Len(t, snapshot, 2)
		assert.Equal(t, "discord", snapshot[0].ID)
		assert.Equal(t, "token expired", snapshot[0].LastError)
		assert.True(t, snapshot[1].Connected)
		assert.Zero(t, snapshot[1].ProbedAtMs)
		assert.False(t, telegram.probed)
	})

	t.Run("snapshot with probe stamps time", func(t *testing.T) {
		snapshot := registry.Snapshot(ctx, true)
		require.Len(t, snapshot, 2)
		assert.NotZero(t, snapshot[0].ProbedAtMs)
		assert.True(t, telegram.probed)
	})

	t.Run("get", func(t *testing.T) {
		a, ok := registry.Get("telegram")
		require.True(t, ok)
		res, err := a.Send(ctx, "user-1", "hi")
		require.NoError(t, err)
		assert.Equal(t, "user-1", res.To)

		_, ok = registry.Get("slack")
		assert.False(t, ok)
	})
}
