package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// ResponseInfo carries response details.
type ResponseInfo struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Client wraps HTTP requests for the CLI.
type Client struct {
	baseURL       string
	timeout       time.Duration
	tokenProvider func() string
}

func New(baseURL string, timeout time.Duration, tokenProvider func() string) *Client {
	return &Client{
		baseURL:       baseURL,
		timeout:       timeout,
		tokenProvider: tokenProvider,
	}
}

func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = baseURL
}

func (c *Client) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		c.timeout = timeout
	}
}

// Do sends a JSON request.
func (c *Client) Do(ctx context.Context, method, path string, body []byte) (ResponseInfo, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	return c.send(ctx, method, path, "application/json", reader)
}

// Upload sends a multipart archive upload with an optional slot name.
func (c *Client) Upload(ctx context.Context, path, filePath, name string) (ResponseInfo, error) {
	var info ResponseInfo
	file, err := os.Open(filePath)
	if err != nil {
		return info, fmt.Errorf("open archive failed: %w", err)
	}
	defer func() { _ = file.Close() }()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("archive", filepath.Base(filePath))
	if err != nil {
		return info, fmt.Errorf("build multipart failed: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return info, fmt.Errorf("read archive failed: %w", err)
	}
	if name != "" {
		if err := writer.WriteField("name", name); err != nil {
			return info, fmt.Errorf("build multipart failed: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return info, fmt.Errorf("build multipart failed: %w", err)
	}

	return c.send(ctx, http.MethodPost, path, writer.FormDataContentType(), &buf)
}

func (c *Client) send(ctx context.Context, method, path, contentType string, body io.Reader) (ResponseInfo, error) {
	var info ResponseInfo
	client := &http.Client{Timeout: c.timeout}

	req, err := http.NewRequestWithContext(ctx, method, fmt.Sprintf("%s%s", c.baseURL, path), body)
	if err != nil {
		return info, fmt.Errorf("build request failed: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if c.tokenProvider != nil {
		if token := c.tokenProvider(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	start := time.Now()
	resp, err := client.Do(req)
	info.Duration = time.Since(start)
	if err != nil {
		return info, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	info.StatusCode = resp.StatusCode
	info.Headers = resp.Header
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return info, fmt.Errorf("read response body failed: %w", err)
	}
	info.Body = bodyBytes
	return info, nil
}
