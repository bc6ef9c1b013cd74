package imapsource

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/teemow/inboxflow/internal/apperrors"
	"github.com/teemow/inboxflow/internal/instrumentation"
	"github.com/teemow/inboxflow/internal/logging"
	"github.com/teemow/inboxflow/internal/model"
)

// Config holds IMAP connection settings.
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	TLS      bool
	Mailbox  string
}

// Source reads messages from one IMAP mailbox. Each call opens its own
// connection.
type Source struct {
	cfg     Config
	logger  *slog.Logger
	metrics *instrumentation.Metrics
}

// Option configures a Source.
type Option func(*Source)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Source) { s.logger = logger }
}

func WithMetrics(metrics *instrumentation.Metrics) Option {
	return func(s *Source) { s.metrics = metrics }
}

// New creates a Source. An empty mailbox means INBOX.
func New(cfg Config, opts ...Option) *Source {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.Port == "" {
		cfg.Port = "993"
	}
	s := &Source{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.WithOperation(s.logger, "imap")
	return s
}

// messageID scopes uid to the mailbox UIDVALIDITY epoch, so UIDs reused
// after the server resets it never match old execution records.
func messageID(validity uint32, uid imap.UID) string {
	return strconv.FormatUint(uint64(validity), 10) + ":" + strconv.FormatUint(uint64(uid), 10)
}

// parseMessageID splits an id built by messageID. A bare UID, as stored
// before ids carried the epoch, yields validity 0.
func parseMessageID(id string) (uint32, imap.UID, error) {
	validityPart, uidPart, scoped := strings.Cut(id, ":")
	if !scoped {
		validityPart, uidPart = "", id
	}
	uid, err := strconv.ParseUint(uidPart, 10, 32)
	if err != nil || uid == 0 {
		return 0, 0, fmt.Errorf("invalid IMAP message id %q", id)
	}
	var validity uint64
	if scoped {
		validity, err = strconv.ParseUint(validityPart, 10, 32)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid IMAP message id %q", id)
		}
	}
	return uint32(validity), imap.UID(uid), nil
}

// connect dials, logs in and selects the mailbox read-only. The
// connection is torn down if ctx ends first. It returns the mailbox
// UIDVALIDITY.
func (s *Source) connect(ctx context.Context) (*imapclient.Client, uint32, func(), error) {
	if s.cfg.Host == "" || s.cfg.Username == "" {
		return nil, 0, nil, apperrors.Configf("imap.connect", "imap host and username are required")
	}
	addr := s.cfg.Host + ":" + s.cfg.Port

	var client *imapclient.Client
	var err error
	if s.cfg.TLS {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, 0, nil, apperrors.Transient(fmt.Errorf("connecting to IMAP %s: %w", addr, err))
	}
	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	closeFn := func() {
		stop()
		_ = client.Logout().Wait()
	}

	if err := client.Login(s.cfg.Username, s.cfg.Password).Wait(); err != nil {
		closeFn()
		return nil, 0, nil, apperrors.Auth("imap.login", fmt.Errorf("authentication failed for %s: %w", s.cfg.Username, err))
	}
	selected, err := client.Select(s.cfg.Mailbox, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		closeFn()
		return nil, 0, nil, fmt.Errorf("selecting %s: %w", s.cfg.Mailbox, err)
	}
	return client, selected.UIDValidity, closeFn, nil
}

// ListCandidates yields the newest maxResults messages matching query.
func (s *Source) ListCandidates(ctx context.Context, query string, maxResults int) iter.Seq2[model.MessageRef, error] {
	return func(yield func(model.MessageRef, error) bool) {
		start := time.Now()
		validity, uids, err := s.search(ctx, query)
		s.metrics.RecordAPIOperation(ctx, instrumentation.ServiceIMAP, instrumentation.OperationList, instrumentation.StatusFromError(err), time.Since(start))
		if err != nil {
			yield(model.MessageRef{}, err)
			return
		}

		uids = newestFirst(uids, maxResults)
		for _, uid := range uids {
			if !yield(model.MessageRef{ID: messageID(validity, uid)}, nil) {
				return
			}
		}
	}
}

func (s *Source) search(ctx context.Context, query string) (uint32, []imap.UID, error) {
	client, validity, closeFn, err := s.connect(ctx)
	if err != nil {
		return 0, nil, err
	}
	defer closeFn()

	criteria := &imap.SearchCriteria{}
	if q := strings.TrimSpace(query); q != "" {
		criteria.Text = []string{q}
	}
	data, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return 0, nil, fmt.Errorf("searching messages: %w", err)
	}
	return validity, data.AllUIDs(), nil
}

// newestFirst reverses ascending UIDs and keeps at most limit of them.
// A non-positive limit keeps ten.
func newestFirst(uids []imap.UID, limit int) []imap.UID {
	if limit <= 0 {
		limit = 10
	}
	out := slices.Clone(uids)
	slices.Reverse(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// FetchAndNormalize downloads one message without marking it seen. An id
// from an earlier UIDVALIDITY epoch no longer names the same message and
// is rejected.
func (s *Source) FetchAndNormalize(ctx context.Context, ref model.MessageRef) (*model.NormalizedMessage, error) {
	validity, uid, err := parseMessageID(ref.ID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	msg, err := s.fetch(ctx, validity, uid)
	s.metrics.RecordAPIOperation(ctx, instrumentation.ServiceIMAP, instrumentation.OperationGet, instrumentation.StatusFromError(err), time.Since(start))
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *Source) fetch(ctx context.Context, validity uint32, uid imap.UID) (*model.NormalizedMessage, error) {
	client, current, closeFn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	if validity != 0 && validity != current {
		return nil, fmt.Errorf("message UID %d is from UIDVALIDITY %d, mailbox is now at %d", uid, validity, current)
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := client.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		Envelope:     true,
		Flags:        true,
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	item := fetchCmd.Next()
	if item == nil {
		return nil, fmt.Errorf("message UID %d not found", uid)
	}
	buf, err := item.Collect()
	if err != nil {
		return nil, apperrors.Transient(fmt.Errorf("collecting message data: %w", err))
	}

	msg := normalizeBuffer(current, buf)
	if raw := buf.FindBodySection(bodySection); raw != nil {
		parsed, err := parseMessage(raw)
		if err != nil {
			s.logger.Warn("message body could not be parsed, continuing with empty body",
				logging.MessageID(msg.ID), logging.Err(apperrors.Decode("imap.body", err)))
			parsed.Body = ""
		}
		msg.BodyText = parsed.Body
		msg.Attachments = parsed.Attachments
		if msg.Subject == model.NoSubject && parsed.Subject != "" {
			msg.Subject = parsed.Subject
		}
	}
	msg.Snippet = snippet(msg.BodyText)

	if err := fetchCmd.Close(); err != nil {
		return msg, fmt.Errorf("closing fetch: %w", err)
	}
	return msg, nil
}

func normalizeBuffer(validity uint32, buf *imapclient.FetchMessageBuffer) *model.NormalizedMessage {
	msg := &model.NormalizedMessage{
		ID:         messageID(validity, buf.UID),
		Subject:    model.NoSubject,
		ReceivedAt: buf.InternalDate.UTC(),
		IsUnread:   true,
	}

	for _, flag := range buf.Flags {
		msg.Labels = append(msg.Labels, string(flag))
		if flag == imap.FlagSeen {
			msg.IsUnread = false
		}
	}

	if env := buf.Envelope; env != nil {
		if env.Subject != "" {
			msg.Subject = env.Subject
		}
		msg.ThreadID = env.MessageID
		if len(env.From) > 0 {
			msg.From = formatAddress(env.From[0])
		}
		var to []string
		for _, addr := range env.To {
			to = append(to, formatAddress(addr))
		}
		msg.To = strings.Join(to, ", ")
		if buf.InternalDate.IsZero() {
			msg.ReceivedAt = env.Date.UTC()
		}
	}
	return msg
}

func formatAddress(addr imap.Address) string {
	if addr.Name == "" {
		return addr.Addr()
	}
	return fmt.Sprintf("%s <%s>", addr.Name, addr.Addr())
}

func snippet(body string) string {
	s := strings.Join(strings.Fields(body), " ")
	if r := []rune(s); len(r) > 200 {
		return string(r[:200])
	}
	return s
}
