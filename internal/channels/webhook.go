package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const webhookTimeout = 5 * time.Second

type webhookMessage struct {
	MessageID string `json:"messageId"`
	To        string `json:"to"`
	Text      string `json:"text"`
	TsMs      int64  `json:"ts"`
}

// WebhookAdapter delivers outbound messages by POSTing JSON to a fixed
// URL. The receiver may answer with {"messageId": "..."} to override the
// generated id.
type WebhookAdapter struct {
	id     string
	url    string
	token  string
	client *http.Client

	mu        sync.Mutex
	connected bool
	lastError string
}

func NewWebhookAdapter(id, rawURL, token string) (*WebhookAdapter, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse webhook url: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return nil, fmt.Errorf("webhook url must be http or https, got %q", parsed.Scheme)
	}
	return &WebhookAdapter{
		id:     id,
		url:    rawURL,
		token:  token,
		client: &http.Client{Timeout: webhookTimeout},
	}, nil
}

func (a *WebhookAdapter) ID() string { return a.id }

func (a *WebhookAdapter) Status(ctx context.Context, probe bool) Status {
	if probe {
		a.probe(ctx)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{
		ID:         a.id,
		Configured: true,
		Connected:  a.connected,
		LastError:  a.lastError,
	}
}

// probe treats any non-5xx answer to HEAD as reachable.
func (a *WebhookAdapter) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, a.url, nil)
	if err != nil {
		a.record(err)
		return
	}
	resp, err := a.client.Do(req)
	if err != nil {
		a.record(err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		a.record(fmt.Errorf("probe failed with status %d", resp.StatusCode))
		return
	}
	a.record(nil)
}

func (a *WebhookAdapter) record(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.connected = false
		a.lastError = err.Error()
		return
	}
	a.connected = true
	a.lastError = ""
}

func (a *WebhookAdapter) Send(ctx context.Context, to, text string) (SendResult, error) {
	msg := webhookMessage{
		MessageID: uuid.New().String(),
		To:        to,
		Text:      text,
		TsMs:      time.Now().UnixMilli(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return SendResult{}, fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	start := time.Now()
	resp, err := a.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		a.record(err)
		log.Error().Err(err).Str("channel", a.id).Dur("elapsed", elapsed).Msg("webhook send error")
		return SendResult{}, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("webhook failed with status %d", resp.StatusCode)
		a.record(err)
		log.Error().Str("channel", a.id).Int("status", resp.StatusCode).Dur("elapsed", elapsed).Msg("webhook send failed")
		return SendResult{}, err
	}
	a.record(nil)

	var reply struct {
		MessageID string `json:"messageId"`
	}
	if json.NewDecoder(resp.Body).Decode(&reply) == nil && reply.MessageID != "" {
		msg.MessageID = reply.MessageID
	}

	log.Debug().Str("channel", a.id).Str("to", to).Dur("elapsed", elapsed).Msg("webhook message sent")
	return SendResult{Channel: a.id, MessageID: msg.MessageID, To: to}, nil
}
