package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/relay/pkg/schema"
)

const (
	defaultMaxResponseBody = 1 * 1024 * 1024 // 1MB
	defaultTimeout         = 30 * time.Second
)

// HTTPConfig configures the HTTP gateway client.
type HTTPConfig struct {
	BaseURL         string
	AuthToken       string
	Timeout         time.Duration
	MaxResponseBody int64
}

// HTTPGateway implements ProcessGateway over the engine's management API.
type HTTPGateway struct {
	config HTTPConfig
	client *http.Client
}

// NewHTTPGateway creates an HTTP-backed ProcessGateway.
func NewHTTPGateway(cfg HTTPConfig) (*HTTPGateway, error) {
	if cfg.BaseURL == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "gateway base url is required")
	}
	u, err := url.ParseRequestURI(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid gateway base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	return &HTTPGateway{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (g *HTTPGateway) StartProcess(ctx context.Context, descriptor schema.ProcessDescriptor, idempotencyKey string) error {
	target := descriptor.URL
	if target == "" {
		return schema.NewError(schema.ErrCodeValidation, "process descriptor has no url")
	}

	body, err := json.Marshal(descriptor.Parameters)
	if err != nil {
		return schema.NewError(schema.ErrCodeInternal, "marshal start parameters").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return schema.NewError(schema.ErrCodeInternal, "build start request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	for k, v := range descriptor.Headers {
		req.Header.Set(k, v)
	}
	if g.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+g.config.AuthToken)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeGateway, "start process %q", descriptor.Name).WithCause(err)
	}
	defer resp.Body.Close()
	snippet := readSnippet(resp.Body, g.config.MaxResponseBody)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return schema.NewErrorf(schema.ErrCodeGateway, "start process %q: engine returned %d: %s",
			descriptor.Name, resp.StatusCode, snippet)
	}
	return nil
}

func (g *HTTPGateway) GetProcessDescriptor(ctx context.Context, key, name string, parameters map[string]any, environment string) (schema.ProcessDescriptor, error) {
	var out struct {
		URL         string `json:"url"`
		PrincipalID string `json:"principal_id"`
	}
	endpoint := fmt.Sprintf("%s/processes/%s/descriptor?environment=%s",
		strings.TrimRight(g.config.BaseURL, "/"), url.PathEscape(key), url.QueryEscape(environment))
	if err := g.getJSON(ctx, endpoint, &out); err != nil {
		return schema.ProcessDescriptor{}, err
	}
	if out.URL == "" {
		return schema.ProcessDescriptor{}, schema.NewErrorf(schema.ErrCodeGateway,
			"engine returned no invocation url for process %q", key)
	}
	return schema.ProcessDescriptor{
		URL:         out.URL,
		Name:        name,
		Key:         key,
		Environment: environment,
		PrincipalID: out.PrincipalID,
		Parameters:  parameters,
	}, nil
}

func (g *HTTPGateway) GetPrincipalID(ctx context.Context, key, environment string) (string, error) {
	var out struct {
		PrincipalID string `json:"principal_id"`
	}
	endpoint := fmt.Sprintf("%s/processes/%s/principal?environment=%s",
		strings.TrimRight(g.config.BaseURL, "/"), url.PathEscape(key), url.QueryEscape(environment))
	if err := g.getJSON(ctx, endpoint, &out); err != nil {
		return "", err
	}
	return out.PrincipalID, nil
}

func (g *HTTPGateway) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return schema.NewError(schema.ErrCodeInternal, "build gateway request").WithCause(err)
	}
	if g.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+g.config.AuthToken)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return schema.NewError(schema.ErrCodeGateway, "call gateway").WithCause(err)
	}
	defer resp.Body.Close()

	body := io.LimitReader(resp.Body, g.config.MaxResponseBody)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(body)
		return schema.NewErrorf(schema.ErrCodeGateway, "gateway returned %d: %s",
			resp.StatusCode, truncate(string(snippet), 256))
	}
	if err := json.NewDecoder(body).Decode(out); err != nil {
		return schema.NewError(schema.ErrCodeGateway, "decode gateway response").WithCause(err)
	}
	return nil
}

func readSnippet(r io.Reader, max int64) string {
	b, _ := io.ReadAll(io.LimitReader(r, max))
	return truncate(strings.TrimSpace(string(b)), 256)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
