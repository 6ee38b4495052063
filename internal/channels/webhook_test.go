package channels

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWebhookAdapter(t *testing.T) {
	_, err := NewWebhookAdapter("hook", "ftp://example.com", "")
	assert.Error(t, err)

	a, err := NewWebhookAdapter("hook", "https://example.com/hook", "")
	require.NoError(t, err)
	assert.Equal(t, "hook", a.ID())
}

func TestWebhookAdapter_Send(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers and uses receiver id", func(t *testing.T) {
		var got webhookMessage
		var auth string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth = r.Header.Get("Authorization")
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"messageId":"remote-1"}`))
		}))
		defer srv.Close()

		a, err := NewWebhookAdapter("hook", srv.URL, "s3cret")
		require.NoError(t, err)

		res, err := a.Send(ctx, "user-1", "hello")
		require.NoError(t, err)
		assert.Equal(t, SendResult{Channel: "hook", MessageID: "remote-1", To: "user-1"}, res)
		assert.Equal(t, "hello", got.Text)
		assert.Equal(t, "Bearer s3cret", auth)
		assert.True(t, a.Status(ctx, false).Connected)
	})

	t.Run("non-2xx fails and is reported", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		a, err := NewWebhookAdapter("hook", srv.URL, "")
		require.NoError(t, err)

		_, err = a.Send(ctx, "user-1", "hello")
		assert.Error(t, err)

		st := a.Status(ctx, false)
		assert.False(t, st.Connected)
		assert.Contains(t, st.LastError, "502")
	})
}

func TestWebhookAdapter_Probe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer srv.Close()

	a, err := NewWebhookAdapter("hook", srv.URL, "")
	require.NoError(t, err)

	st := a.Status(context.Background(), true)
	assert.True(t, st.Configured)
	assert.True(t, st.Connected)
}
