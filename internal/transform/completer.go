package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/teemow/inboxflow/internal/apperrors"
	"github.com/teemow/inboxflow/internal/instrumentation"
	"github.com/teemow/inboxflow/internal/logging"
)

const (
	// DefaultBaseURL is the OpenAI API root.
	DefaultBaseURL = "https://api.openai.com/v1"

	defaultTimeout = 60 * time.Second

	// maxErrorBody bounds how much of a failed response ends up in errors.
	maxErrorBody = 512
)

// CompletionRequest is one prompt sent to the completion endpoint.
type CompletionRequest struct {
	Prompt string
	Params ModelParams
}

// Completer sends a prompt to a model and returns its raw text output.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// Message is a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is the body POSTed to /chat/completions.
type ChatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
}

// Choice is one completion alternative. Text is filled by legacy
// completion endpoints instead of Message.
type Choice struct {
	Message Message `json:"message"`
	Text    string  `json:"text"`
}

// ChatCompletionResponse is the subset of the response body we read.
type ChatCompletionResponse struct {
	Choices []Choice `json:"choices"`
}

// HTTPConfig configures an HTTPCompleter.
type HTTPConfig struct {
	BaseURL string
	APIKey  string

	// RequestsPerSecond paces outgoing requests. Zero disables pacing.
	RequestsPerSecond float64
	Burst             int

	Timeout time.Duration
}

// HTTPCompleter talks to an OpenAI-compatible chat completion API.
type HTTPCompleter struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	metrics    *instrumentation.Metrics
}

// Option configures an HTTPCompleter.
type Option func(*HTTPCompleter)

func WithHTTPClient(client *http.Client) Option {
	return func(c *HTTPCompleter) { c.httpClient = client }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *HTTPCompleter) { c.logger = logger }
}

func WithMetrics(metrics *instrumentation.Metrics) Option {
	return func(c *HTTPCompleter) { c.metrics = metrics }
}

// NewHTTPCompleter creates a completer. A missing API key is a ConfigError.
func NewHTTPCompleter(cfg HTTPConfig, opts ...Option) (*HTTPCompleter, error) {
	if cfg.APIKey == "" {
		return nil, apperrors.Configf("transform.new", "completion API key is not configured")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	c := &HTTPCompleter{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     slog.Default(),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.WithOperation(c.logger, "transform")
	return c, nil
}

// Complete implements Completer.
func (c *HTTPCompleter) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	ctx, span := instrumentation.StartAPISpan(ctx, instrumentation.ServiceAI, instrumentation.OperationComplete)
	start := time.Now()

	text, err := c.complete(ctx, req)

	c.metrics.RecordAPIOperation(ctx, instrumentation.ServiceAI, instrumentation.OperationComplete, instrumentation.StatusFromError(err), time.Since(start))
	instrumentation.EndSpan(span, err)
	return text, err
}

func (c *HTTPCompleter) complete(ctx context.Context, req CompletionRequest) (string, error) {
	const op = "transform.complete"

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", apperrors.Transform(op, 0, err)
		}
	}

	params := req.Params.withDefaults()
	body, err := json.Marshal(ChatCompletionRequest{
		Model:       params.Model,
		Messages:    []Message{{Role: "user", Content: req.Prompt}},
		MaxTokens:   params.MaxTokens,
		Temperature: *params.Temperature,
	})
	if err != nil {
		return "", apperrors.Transform(op, 0, fmt.Errorf("failed to marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", apperrors.Transform(op, 0, fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Debug("sending completion request",
		slog.String("model", params.Model),
		slog.Int("max_tokens", params.MaxTokens),
		slog.Float64("temperature", *params.Temperature))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", apperrors.Transform(op, 0, fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperrors.Transform(op, resp.StatusCode, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", apperrors.Transform(op, resp.StatusCode,
			fmt.Errorf("completion request failed with status %d: %s", resp.StatusCode, truncate(string(respBody), maxErrorBody)))
	}

	var chatResp ChatCompletionResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", apperrors.Transform(op, resp.StatusCode, fmt.Errorf("failed to unmarshal response: %w", err))
	}
	if len(chatResp.Choices) == 0 {
		return "", apperrors.Transform(op, resp.StatusCode, fmt.Errorf("no choices in response"))
	}

	choice := chatResp.Choices[0]
	if choice.Message.Content != "" {
		return choice.Message.Content, nil
	}
	return choice.Text, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
