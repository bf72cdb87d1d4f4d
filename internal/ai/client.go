package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	appErr "hostbox/pkg/errors"
	"hostbox/pkg/utils/logger"

	"go.uber.org/zap"
)

const defaultCallTimeout = 30 * time.Second

// ClientConfig holds settings for the chat-completions client.
type ClientConfig struct {
	BaseURL string        `yaml:"baseURL"`
	APIKey  string        `yaml:"apiKey"`
	Models  []string      `yaml:"models"`
	Timeout time.Duration `yaml:"timeout"`
	Referer string        `yaml:"referer"`
	Title   string        `yaml:"title"`
}

// Client talks to an OpenRouter-compatible chat-completions endpoint.
// Models are tried in priority order; models that return 429 are skipped
// for the lifetime of the client.
type Client struct {
	cfg  ClientConfig
	http *http.Client

	mu          sync.Mutex
	rateLimited map[string]struct{}
}

// NewClient creates a chat-completions client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://openrouter.ai/api/v1/chat/completions"
	}
	if len(cfg.Models) == 0 {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("at least one model is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultCallTimeout
	}
	return &Client{
		cfg:         cfg,
		http:        &http.Client{Timeout: cfg.Timeout},
		rateLimited: make(map[string]struct{}),
	}, nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends the prompt through the model fallback chain and returns the
// first non-empty completion. A model that rate-limits is skipped on all
// subsequent calls.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for _, model := range c.cfg.Models {
		if c.isRateLimited(model) {
			continue
		}
		content, err := c.completeWithModel(ctx, model, prompt)
		if err != nil {
			lastErr = err
			logger.Warn(ctx, "model call failed, trying next", zap.String("model", model), zap.Error(err))
			continue
		}
		if content != "" {
			return content, nil
		}
	}
	if lastErr == nil {
		lastErr = appErr.New(appErr.ScanServiceUnavailable).WithMessage("all models exhausted")
	}
	return "", lastErr
}

func (c *Client) completeWithModel(ctx context.Context, model, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: 0.3,
	})
	if err != nil {
		return "", appErr.Wrap(err, appErr.InternalServerError)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return "", appErr.Wrap(err, appErr.InternalServerError)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Referer != "" {
		req.Header.Set("HTTP-Referer", c.cfg.Referer)
	}
	if c.cfg.Title != "" {
		req.Header.Set("X-Title", c.cfg.Title)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.ScanServiceUnavailable, "model call failed")
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.markRateLimited(model)
		return "", appErr.Newf(appErr.TooManyRequests, "model %s is rate-limited", model)
	case resp.StatusCode != http.StatusOK:
		return "", appErr.Newf(appErr.ScanServiceUnavailable, "model %s returned HTTP %d", model, resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", appErr.Wrapf(err, appErr.InvalidFormat, "decode model response failed")
	}
	if len(parsed.Choices) == 0 {
		return "", appErr.New(appErr.InvalidFormat).WithMessage("model response has no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func (c *Client) isRateLimited(model string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rateLimited[model]
	return ok
}

func (c *Client) markRateLimited(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rateLimited[model] = struct{}{}
}

// extractJSON strips markdown code fences around a JSON payload. Models often
// wrap their answer in ```json blocks despite instructions not to.
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	if !strings.Contains(content, "```") {
		return content
	}
	parts := strings.Split(content, "```")
	if len(parts) < 2 {
		return content
	}
	inner := parts[1]
	inner = strings.TrimPrefix(inner, "json")
	return strings.TrimSpace(inner)
}

func fmtFileSet(files map[string]string) string {
	var b strings.Builder
	for name, content := range files {
		fmt.Fprintf(&b, "=== %s ===\n%s\n\n", name, content)
	}
	return b.String()
}
