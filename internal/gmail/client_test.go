package gmail

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/teemow/inboxflow/internal/apperrors"
	"github.com/teemow/inboxflow/internal/model"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	svc, err := gmail.NewService(context.Background(),
		option.WithHTTPClient(srv.Client()),
		option.WithEndpoint(srv.URL+"/"))
	require.NoError(t, err)
	return NewClientWithService(svc)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"code":%d,"message":"%s"}}`, code, http.StatusText(code))
}

func TestListCandidates_Pagination(t *testing.T) {
	const total = 250
	var requests atomic.Int32
	var pageSizes []int64

	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, "label:invoices is:unread", r.URL.Query().Get("q"))

		size, _ := strconv.ParseInt(r.URL.Query().Get("maxResults"), 10, 64)
		pageSizes = append(pageSizes, size)
		offset, _ := strconv.Atoi(r.URL.Query().Get("pageToken"))

		res := &gmail.ListMessagesResponse{}
		for i := offset; i < offset+int(size) && i < total; i++ {
			res.Messages = append(res.Messages, &gmail.Message{Id: fmt.Sprintf("m%03d", i), ThreadId: fmt.Sprintf("t%03d", i)})
		}
		if next := offset + int(size); next < total {
			res.NextPageToken = strconv.Itoa(next)
		}
		writeJSON(w, res)
	})
	c := newTestClient(t, mux)

	var refs []model.MessageRef
	for ref, err := range c.ListCandidates(context.Background(), "label:invoices is:unread", 150) {
		require.NoError(t, err)
		refs = append(refs, ref)
	}

	require.Len(t, refs, 150)
	assert.Equal(t, "m000", refs[0].ID)
	assert.Equal(t, "t149", refs[149].ThreadID)
	assert.Equal(t, []int64{100, 50}, pageSizes)
	assert.EqualValues(t, 2, requests.Load())
}

func TestListCandidates_StopsWhenConsumerStops(t *testing.T) {
	var requests atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		writeJSON(w, &gmail.ListMessagesResponse{
			Messages:      []*gmail.Message{{Id: "a"}, {Id: "b"}},
			NextPageToken: "more",
		})
	})
	c := newTestClient(t, mux)

	for ref, err := range c.ListCandidates(context.Background(), "", 50) {
		require.NoError(t, err)
		assert.Equal(t, "a", ref.ID)
		break
	}
	assert.EqualValues(t, 1, requests.Load())
}

func TestListCandidates_Empty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, &gmail.ListMessagesResponse{})
	})
	c := newTestClient(t, mux)

	n := 0
	for _, err := range c.ListCandidates(context.Background(), "in:inbox", 0) {
		require.NoError(t, err)
		n++
	}
	assert.Zero(t, n)
}

func TestListCandidates_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantKind  apperrors.Kind
		retryable bool
	}{
		{"unauthorized", http.StatusUnauthorized, apperrors.KindAuth, false},
		{"unavailable", http.StatusServiceUnavailable, "", true},
		{"rate limited", http.StatusTooManyRequests, "", true},
		{"bad query", http.StatusBadRequest, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("GET /gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
				writeAPIError(w, tt.status)
			})
			c := newTestClient(t, mux)

			var gotErr error
			for _, err := range c.ListCandidates(context.Background(), "", 5) {
				gotErr = err
			}
			require.Error(t, gotErr)
			assert.Equal(t, tt.wantKind, apperrors.KindOf(gotErr))
			assert.Equal(t, tt.retryable, apperrors.IsRetryable(gotErr))
		})
	}
}

func TestFetchAndNormalize(t *testing.T) {
	received := time.Date(2026, 2, 3, 8, 30, 0, 0, time.UTC)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "full", r.URL.Query().Get("format"))
		switch r.PathValue("id") {
		case "m1":
			writeJSON(w, &gmail.Message{
				Id:           "m1",
				ThreadId:     "t1",
				LabelIds:     []string{"INBOX", "UNREAD"},
				Snippet:      "Please find attached",
				InternalDate: received.UnixMilli(),
				Payload: &gmail.MessagePart{
					MimeType: "multipart/mixed",
					Headers: []*gmail.MessagePartHeader{
						{Name: "Subject", Value: "Invoice #42"},
						{Name: "FROM", Value: "Billing <billing@example.com>"},
						{Name: "to", Value: "me@example.com"},
					},
					Body: &gmail.MessagePartBody{},
					Parts: []*gmail.MessagePart{
						multipart("multipart/alternative",
							textPart("text/html", "<p>Total due: 120 EUR</p>"),
							textPart("text/plain", "Total due: 120 EUR"),
						),
						{MimeType: "application/pdf", Filename: "invoice-42.pdf", Body: &gmail.MessagePartBody{AttachmentId: "att-42", Size: 4096}},
					},
				},
			})
		case "broken":
			writeJSON(w, &gmail.Message{
				Id:       "broken",
				ThreadId: "t2",
				LabelIds: []string{"INBOX"},
				Payload: &gmail.MessagePart{
					MimeType: "text/plain",
					Body:     &gmail.MessagePartBody{Data: "%%%", Size: 3},
				},
			})
		default:
			writeAPIError(w, http.StatusNotFound)
		}
	})
	c := newTestClient(t, mux)

	t.Run("multipart with attachment", func(t *testing.T) {
		msg, err := c.FetchAndNormalize(context.Background(), model.MessageRef{ID: "m1", ThreadID: "t1"})
		require.NoError(t, err)

		assert.Equal(t, "Invoice #42", msg.Subject)
		assert.Equal(t, "Billing <billing@example.com>", msg.From)
		assert.Equal(t, "me@example.com", msg.To)
		assert.Equal(t, "Total due: 120 EUR", msg.BodyText)
		assert.True(t, msg.IsUnread)
		assert.True(t, received.Equal(msg.ReceivedAt))
		require.Len(t, msg.Attachments, 1)
		assert.Equal(t, "att-42", msg.Attachments[0].ID)
	})

	t.Run("undecodable body degrades to empty", func(t *testing.T) {
		msg, err := c.FetchAndNormalize(context.Background(), model.MessageRef{ID: "broken"})
		require.NoError(t, err)
		assert.Empty(t, msg.BodyText)
		assert.Equal(t, model.NoSubject, msg.Subject)
		assert.False(t, msg.IsUnread)
	})

	t.Run("missing message", func(t *testing.T) {
		_, err := c.FetchAndNormalize(context.Background(), model.MessageRef{ID: "gone"})
		require.Error(t, err)
		assert.False(t, apperrors.IsRetryable(err))
	})
}

func TestAttachment(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/messages/{id}/attachments/{aid}", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("aid") {
		case "small":
			writeJSON(w, &gmail.MessagePartBody{Data: enc("%PDF-1.7"), Size: 8})
		case "huge":
			writeJSON(w, &gmail.MessagePartBody{Data: "", Size: MaxAttachmentSize + 1})
		}
	})
	c := newTestClient(t, mux)

	data, err := c.Attachment(context.Background(), "m1", "small")
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7", string(data))

	_, err = c.Attachment(context.Background(), "m1", "huge")
	assert.ErrorContains(t, err, "exceeds maximum size")

	_, err = c.Attachment(context.Background(), "", "small")
	assert.Error(t, err)
}

func TestBreakerIgnoresClientErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusNotFound)
	})
	c := newTestClient(t, mux)

	for i := 0; i < 10; i++ {
		_, err := c.FetchAndNormalize(context.Background(), model.MessageRef{ID: "missing"})
		require.Error(t, err)
	}
	assert.Equal(t, "closed", c.BreakerState())
}
