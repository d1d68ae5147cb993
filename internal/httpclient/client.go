// Package httpclient wraps outbound store API calls with retry,
// request logging, and credential redaction.
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ahmtydn/publish-store/internal/domain"
	"github.com/ahmtydn/publish-store/internal/retry"
)

const redactedMarker = "[REDACTED]"

// Client issues requests against one API base URL. Each deployment
// attempt owns its own Client; it is never shared across attempts.
type Client struct {
	baseURL    string
	httpClient *http.Client
	headers    map[string]string
	policy     domain.RetryPolicy
	logger     *slog.Logger
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithHeader adds a default header sent on every request.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.headers[key] = value
	}
}

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p domain.RetryPolicy) Option {
	return func(c *Client) {
		c.policy = p
	}
}

// New constructs a Client for the given base URL.
func New(base string, logger *slog.Logger, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		return nil, domain.NewValidation(domain.CodeInvalidInput, "api base url required")
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "https://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, domain.NewValidation(domain.CodeInvalidInput, fmt.Sprintf("invalid api base url: %v", err))
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		headers:    map[string]string{},
		policy:     domain.DefaultRetryPolicy(),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// Get issues a GET and returns the response body.
func (c *Client) Get(ctx context.Context, path string, headers map[string]string) ([]byte, error) {
	return c.execute(ctx, http.MethodGet, path, "", nil, headers)
}

// Post issues a POST with the given body and content type.
func (c *Client) Post(ctx context.Context, path, contentType string, body []byte, headers map[string]string) ([]byte, error) {
	return c.execute(ctx, http.MethodPost, path, contentType, body, headers)
}

// Put issues a PUT with the given body and content type.
func (c *Client) Put(ctx context.Context, path, contentType string, body []byte, headers map[string]string) ([]byte, error) {
	return c.execute(ctx, http.MethodPut, path, contentType, body, headers)
}

// Delete issues a DELETE and returns the response body.
func (c *Client) Delete(ctx context.Context, path string, headers map[string]string) ([]byte, error) {
	return c.execute(ctx, http.MethodDelete, path, "", nil, headers)
}

// UploadFile posts the file at filePath as a single multipart field.
func (c *Client) UploadFile(ctx context.Context, path, fieldName, filePath string, headers map[string]string) ([]byte, error) {
	return c.UploadFileWithFields(ctx, path, fieldName, filePath, nil, headers)
}

// UploadFileWithFields posts the file plus additional form fields as a
// streamed multipart body; the artifact is never buffered in memory.
// The whole request is retried as a unit, re-opening the file for each
// attempt.
func (c *Client) UploadFileWithFields(ctx context.Context, path, fieldName, filePath string, fields, headers map[string]string) ([]byte, error) {
	return c.executeWith(ctx, http.MethodPost, path, headers, func() (io.Reader, string, error) {
		return multipartBody(fieldName, filePath, fields)
	})
}

// multipartBody streams the file through a pipe so the request body is
// produced while it is being sent.
func multipartBody(fieldName, filePath string, fields map[string]string) (io.Reader, string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, "", domain.NewArtifact(domain.CodeArtifactNotFound, fmt.Sprintf("open upload file: %v", err))
	}
	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	go func() {
		defer file.Close()
		err := writeMultipart(writer, file, fieldName, filepath.Base(filePath), fields)
		if cerr := writer.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()
	return pr, writer.FormDataContentType(), nil
}

func writeMultipart(writer *multipart.Writer, file io.Reader, fieldName, fileName string, fields map[string]string) error {
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return fmt.Errorf("write form field %s: %w", key, err)
		}
	}
	part, err := writer.CreateFormFile(fieldName, fileName)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("stream form file: %w", err)
	}
	return nil
}

// execute runs one fixed-body request under the retry policy.
func (c *Client) execute(ctx context.Context, method, path, contentType string, body []byte, headers map[string]string) ([]byte, error) {
	return c.executeWith(ctx, method, path, headers, func() (io.Reader, string, error) {
		if body == nil {
			return nil, contentType, nil
		}
		return bytes.NewReader(body), contentType, nil
	})
}

// executeWith runs one request under the retry policy and returns the
// response body. The retry wraps the whole request, not individual
// chunks; every attempt gets a fresh body from the factory.
func (c *Client) executeWith(ctx context.Context, method, path string, headers map[string]string, body func() (io.Reader, string, error)) ([]byte, error) {
	var result []byte
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		reader, contentType, err := body()
		if err != nil {
			return err
		}
		data, err := c.once(ctx, method, path, contentType, reader, headers)
		if err != nil {
			return err
		}
		result = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) once(ctx context.Context, method, path, contentType string, body io.Reader, headers map[string]string) ([]byte, error) {
	endpoint := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	c.logger.Debug("http request",
		"method", method,
		"url", endpoint,
		"headers", redactHeaders(req.Header),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("http request failed", "method", method, "url", endpoint, "error", err)
		return nil, domain.NewNetwork(fmt.Sprintf("%s %s: %v", method, path, err), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewNetwork(fmt.Sprintf("%s %s: read response: %v", method, path, err), err)
	}

	c.logger.Debug("http response",
		"method", method,
		"url", endpoint,
		"status", resp.StatusCode,
		"elapsed", time.Since(start),
		"headers", redactHeaders(resp.Header),
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}

	message := truncate(strings.TrimSpace(string(data)), 512)
	if isRetryableStatus(resp.StatusCode, message) {
		return nil, domain.NewNetwork(fmt.Sprintf("%s %s: status %d: %s", method, path, resp.StatusCode, message), nil)
	}
	return nil, domain.NewDeployment(
		fmt.Sprintf("HTTP_%d", resp.StatusCode),
		fmt.Sprintf("%s %s: status %d: %s", method, path, resp.StatusCode, message),
		false,
		nil,
	)
}

// truncate caps s at limit bytes without splitting a UTF-8 rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRetryableStatus(status int, body string) bool {
	if status >= 500 || status == http.StatusTooManyRequests {
		return true
	}
	return strings.Contains(strings.ToLower(body), "rate limit")
}

// redactHeaders copies headers for logging with credential-bearing
// values masked.
func redactHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for key, values := range h {
		if isSensitiveHeader(key) {
			out[key] = redactedMarker
			continue
		}
		out[key] = strings.Join(values, ", ")
	}
	return out
}

func isSensitiveHeader(name string) bool {
	switch strings.ToLower(name) {
	case "authorization", "x-api-key", "cookie", "set-cookie":
		return true
	}
	return false
}
