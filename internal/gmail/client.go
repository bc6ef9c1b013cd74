package gmail

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"net/mail"
	"slices"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/teemow/inboxflow/internal/apperrors"
	"github.com/teemow/inboxflow/internal/instrumentation"
	"github.com/teemow/inboxflow/internal/logging"
	"github.com/teemow/inboxflow/internal/model"
)

const (
	userID = "me"

	// DefaultMaxResults applies when a caller passes a non-positive limit.
	DefaultMaxResults = 10

	maxPageSize = 100

	labelUnread = "UNREAD"
)

// Client wraps the Gmail Users service.
type Client struct {
	svc     *gmail.UsersService
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
	metrics *instrumentation.Metrics
}

// Option configures a Client.
type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithMetrics(metrics *instrumentation.Metrics) Option {
	return func(c *Client) { c.metrics = metrics }
}

// NewClient creates a Gmail client authorized by ts.
func NewClient(ctx context.Context, ts oauth2.TokenSource, opts ...Option) (*Client, error) {
	svc, err := gmail.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return NewClientWithService(svc, opts...), nil
}

// NewClientWithService wraps an existing service, typically one pointed at
// a test server.
func NewClientWithService(svc *gmail.Service, opts ...Option) *Client {
	c := &Client{
		svc:    svc.Users,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.WithOperation(c.logger, "gmail")
	c.breaker = newBreaker(c.logger)
	return c
}

// BreakerState reports the circuit breaker state for health checks.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

// ListCandidates yields references to messages matching query, newest
// first, fetching pages of at most 100 on demand. It stops after
// maxResults references or when the consumer stops iterating. The query is
// passed to Gmail verbatim.
func (c *Client) ListCandidates(ctx context.Context, query string, maxResults int) iter.Seq2[model.MessageRef, error] {
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}

	return func(yield func(model.MessageRef, error) bool) {
		pageToken := ""
		seen := 0

		for seen < maxResults {
			pageSize := min(maxResults-seen, maxPageSize)

			var res *gmail.ListMessagesResponse
			err := c.execute(ctx, instrumentation.OperationList, func(ctx context.Context) error {
				call := c.svc.Messages.List(userID).Q(query).MaxResults(int64(pageSize)).Context(ctx)
				if pageToken != "" {
					call = call.PageToken(pageToken)
				}
				var err error
				res, err = call.Do()
				return err
			})
			if err != nil {
				yield(model.MessageRef{}, fmt.Errorf("failed to list messages: %w", err))
				return
			}

			for _, m := range res.Messages {
				if seen >= maxResults {
					return
				}
				seen++
				if !yield(model.MessageRef{ID: m.Id, ThreadID: m.ThreadId}, nil) {
					return
				}
			}

			if res.NextPageToken == "" {
				return
			}
			pageToken = res.NextPageToken
		}
	}
}

// FetchAndNormalize loads a message in full format and reduces it to a
// NormalizedMessage. Body decoding problems never fail the call.
func (c *Client) FetchAndNormalize(ctx context.Context, ref model.MessageRef) (*model.NormalizedMessage, error) {
	var msg *gmail.Message
	err := c.execute(ctx, instrumentation.OperationGet, func(ctx context.Context) error {
		var err error
		msg, err = c.svc.Messages.Get(userID, ref.ID).Format("full").Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", ref.ID, err)
	}
	return c.normalize(msg, ref), nil
}

func (c *Client) normalize(msg *gmail.Message, ref model.MessageRef) *model.NormalizedMessage {
	headers := headerMap(msg.Payload)

	out := &model.NormalizedMessage{
		ID:          msg.Id,
		ThreadID:    msg.ThreadId,
		Subject:     headers["subject"],
		From:        headers["from"],
		To:          headers["to"],
		Snippet:     msg.Snippet,
		Labels:      msg.LabelIds,
		IsUnread:    slices.Contains(msg.LabelIds, labelUnread),
		Attachments: collectAttachments(msg.Payload),
	}
	if out.ID == "" {
		out.ID = ref.ID
	}
	if out.ThreadID == "" {
		out.ThreadID = ref.ThreadID
	}
	if out.Subject == "" {
		out.Subject = model.NoSubject
	}

	switch {
	case msg.InternalDate > 0:
		out.ReceivedAt = time.UnixMilli(msg.InternalDate).UTC()
	case headers["date"] != "":
		if t, err := mail.ParseDate(headers["date"]); err == nil {
			out.ReceivedAt = t.UTC()
		}
	}

	body, err := extractBody(msg.Payload)
	if err != nil {
		derr := apperrors.Decode("gmail.body", err)
		c.logger.Warn("message body could not be decoded, continuing with empty body",
			logging.MessageID(out.ID), logging.Err(derr))
		body = ""
	}
	out.BodyText = body

	return out
}

// headerMap lowercases header names. Later duplicates win.
func headerMap(payload *gmail.MessagePart) map[string]string {
	h := make(map[string]string)
	if payload == nil {
		return h
	}
	for _, header := range payload.Headers {
		h[strings.ToLower(header.Name)] = header.Value
	}
	return h
}

// walkParts calls fn for part and all of its descendants, depth first,
// until fn returns false.
func walkParts(part *gmail.MessagePart, fn func(*gmail.MessagePart) bool) bool {
	if part == nil {
		return true
	}
	if !fn(part) {
		return false
	}
	for _, sub := range part.Parts {
		if !walkParts(sub, fn) {
			return false
		}
	}
	return true
}
