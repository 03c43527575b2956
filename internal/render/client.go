package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/notification-gateway/internal/config"
	"github.com/example/notification-gateway/internal/models"
)

const (
	templatesPath   = "/v1/api/templates"
	defaultTimeout  = 10 * time.Second
	defaultBodySize = 1 << 20
)

// ErrTemplateNotFound is returned when the rendering service has no template
// with the requested name.
var ErrTemplateNotFound = errors.New("render: template not found")

// ServiceError is a failure reported by the rendering service itself, either
// through a non-2xx status or an error envelope.
type ServiceError struct {
	StatusCode int
	ErrorCode  string
	Message    string
	Body       string
}

func (e *ServiceError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("render: service error (status %d, %s): %s", e.StatusCode, e.ErrorCode, e.Message)
	}
	return fmt.Sprintf("render: service error (status %d): %s", e.StatusCode, e.Message)
}

// HTTPClient abstracts the http.Client Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientOption customises the rendering service client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client used to reach the rendering service.
func WithHTTPClient(client HTTPClient) ClientOption {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithBodyLimit adjusts how many response bytes are read.
func WithBodyLimit(limit int64) ClientOption {
	return func(c *Client) {
		if limit > 0 {
			c.maxBodyBytes = limit
		}
	}
}

// Client talks to the template rendering service.
type Client struct {
	logger       zerolog.Logger
	baseURL      string
	username     string
	password     string
	httpClient   HTTPClient
	maxBodyBytes int64
}

// NewClient constructs a rendering service client from configuration.
func NewClient(cfg config.TemplateServiceConfig, logger zerolog.Logger, opts ...ClientOption) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return nil, errors.New("render client: base URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("render client: invalid base URL: %w", err)
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c := &Client{
		logger:       logger,
		baseURL:      base,
		username:     cfg.Username,
		password:     cfg.Password,
		httpClient:   &http.Client{Timeout: timeout},
		maxBodyBytes: defaultBodySize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// GetTemplate fetches template metadata by name. A 404 or an error envelope
// is reported as ErrTemplateNotFound.
func (c *Client) GetTemplate(ctx context.Context, name string) (*models.Template, error) {
	endpoint := c.baseURL + templatesPath + "/" + url.PathEscape(name)

	var envelope models.APIResponse[*models.Template]
	status, err := c.do(ctx, http.MethodGet, endpoint, nil, &envelope)
	if err != nil {
		var svcErr *ServiceError
		if errors.As(err, &svcErr) && svcErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
		}
		return nil, err
	}
	if envelope.IsError() {
		msg := name
		if envelope.Error != nil && envelope.Error.Message != "" {
			msg = envelope.Error.Message
		}
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, msg)
	}
	if envelope.Data == nil {
		return nil, &ServiceError{StatusCode: status, Message: "template lookup returned no data"}
	}
	return envelope.Data, nil
}

// RenderBatch submits every task in one call. The returned slice is nil when
// the service answered successfully but without data.
func (c *Client) RenderBatch(ctx context.Context, batch models.BatchRenderRequest) ([]models.RenderResult, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("render client: marshal batch: %w", err)
	}

	var envelope models.APIResponse[[]models.RenderResult]
	status, err := c.do(ctx, http.MethodPost, c.baseURL+templatesPath+"/render/batch", body, &envelope)
	if err != nil {
		return nil, err
	}
	if envelope.IsError() {
		svcErr := &ServiceError{StatusCode: status, Message: "batch render failed"}
		if envelope.Error != nil {
			svcErr.ErrorCode = envelope.Error.ErrorCode
			svcErr.Message = envelope.Error.Message
		}
		return nil, svcErr
	}
	return envelope.Data, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, fmt.Errorf("render client: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("render client: %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("render client: read response: %w", err)
	}

	c.logger.Debug().
		Str("method", method).
		Str("url", endpoint).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("render client: response received")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		svcErr := &ServiceError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode), Body: string(raw)}
		var envelope models.APIResponse[json.RawMessage]
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error != nil {
			svcErr.ErrorCode = envelope.Error.ErrorCode
			svcErr.Message = envelope.Error.Message
		}
		return resp.StatusCode, svcErr
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return resp.StatusCode, &ServiceError{StatusCode: resp.StatusCode, Message: "decode response: " + err.Error(), Body: string(raw)}
	}
	return resp.StatusCode, nil
}
