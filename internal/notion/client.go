package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/teemow/inboxflow/internal/apperrors"
	"github.com/teemow/inboxflow/internal/instrumentation"
	"github.com/teemow/inboxflow/internal/logging"
	"github.com/teemow/inboxflow/internal/model"
)

const (
	// DefaultBaseURL is the Notion public API root.
	DefaultBaseURL = "https://api.notion.com/v1"

	// APIVersion is sent as the Notion-Version header.
	APIVersion = "2022-06-28"

	defaultTimeout = 30 * time.Second
)

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client is a minimal Notion REST client covering database retrieval and
// page creation.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *instrumentation.Metrics
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithMetrics(metrics *instrumentation.Metrics) Option {
	return func(c *Client) { c.metrics = metrics }
}

// NewClient creates a client. A missing API key is a ConfigError.
func NewClient(cfg ClientConfig, opts ...Option) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, apperrors.Configf("notion.new", "notion API key is not configured")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.WithOperation(c.logger, "notion")
	return c, nil
}

// APIError is the error object returned by the Notion API.
type APIError struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("notion %s: %s", e.Code, e.Message)
}

type databaseResponse struct {
	ID         string `json:"id"`
	Properties map[string]struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"properties"`
}

type pageResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// RetrieveDatabase returns the property schema of a database.
func (c *Client) RetrieveDatabase(ctx context.Context, databaseID string) (model.PropertySchema, error) {
	var resp databaseResponse
	err := c.call(ctx, instrumentation.OperationSchema, http.MethodGet, "/databases/"+url.PathEscape(databaseID), nil, &resp)
	if err != nil {
		return nil, err
	}

	schema := make(model.PropertySchema, len(resp.Properties))
	for name, prop := range resp.Properties {
		schema[name] = model.PropertyType(prop.Type)
	}
	return schema, nil
}

// CreatePage creates a page for doc in its database.
func (c *Client) CreatePage(ctx context.Context, doc model.SinkDocument) (model.DocumentRef, error) {
	var resp pageResponse
	err := c.call(ctx, instrumentation.OperationCreate, http.MethodPost, "/pages", encodePage(doc), &resp)
	if err != nil {
		return model.DocumentRef{}, err
	}
	return model.DocumentRef{ID: resp.ID, URL: resp.URL}, nil
}

func (c *Client) call(ctx context.Context, operation, method, path string, body, out any) error {
	ctx, span := instrumentation.StartAPISpan(ctx, instrumentation.ServiceNotion, operation)
	start := time.Now()

	err := c.do(ctx, "notion."+operation, method, path, body, out)

	c.metrics.RecordAPIOperation(ctx, instrumentation.ServiceNotion, operation, instrumentation.StatusFromError(err), time.Since(start))
	instrumentation.EndSpan(span, err)
	return err
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return apperrors.Sink(op, 0, fmt.Errorf("failed to marshal request: %w", err))
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperrors.Sink(op, 0, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Notion-Version", APIVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Sink(op, 0, fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.Sink(op, 0, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Code: "unknown", Message: strings.TrimSpace(string(respBody))}
		_ = json.Unmarshal(respBody, apiErr)
		c.logger.Debug("notion request rejected",
			slog.String("path", path),
			slog.Int("status_code", resp.StatusCode),
			slog.String("code", apiErr.Code))
		return apperrors.Sink(op, resp.StatusCode, apiErr)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return apperrors.Sink(op, resp.StatusCode, fmt.Errorf("failed to unmarshal response: %w", err))
	}
	return nil
}
