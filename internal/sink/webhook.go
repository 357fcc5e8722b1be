package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/relay/pkg/schema"
)

const (
	defaultTimeout         = 15 * time.Second
	defaultMaxResponseBody = 64 * 1024
)

// WebhookConfig configures the HTTP event sink.
type WebhookConfig struct {
	Endpoint  string
	AuthToken string
	Timeout   time.Duration
}

// WebhookSink posts events to an HTTP endpoint, one POST per event, with the
// topic appended to the endpoint path.
type WebhookSink struct {
	config WebhookConfig
	client *http.Client
}

// NewWebhookSink creates an HTTP-backed EventSink.
func NewWebhookSink(cfg WebhookConfig) (*WebhookSink, error) {
	if cfg.Endpoint == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "sink endpoint is required")
	}
	u, err := url.ParseRequestURI(cfg.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid sink endpoint %q", cfg.Endpoint)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &WebhookSink{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (s *WebhookSink) Publish(ctx context.Context, topic string, event schema.IntegrationEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return schema.NewError(schema.ErrCodeInternal, "marshal integration event").WithCause(err)
	}

	endpoint := strings.TrimRight(s.config.Endpoint, "/") + "/" + url.PathEscape(topic)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return schema.NewError(schema.ErrCodeInternal, "build sink request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", event.EventType)
	req.Header.Set("X-Event-Subject", event.Subject)
	if s.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.AuthToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeGateway, "publish event to %q", topic).WithCause(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, defaultMaxResponseBody))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return schema.NewErrorf(schema.ErrCodeGateway, "sink returned %d for topic %q", resp.StatusCode, topic)
	}
	return nil
}
