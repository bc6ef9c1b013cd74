package gmail

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gmail "google.golang.org/api/gmail/v1"
)

func enc(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

func textPart(mimeType, body string) *gmail.MessagePart {
	return &gmail.MessagePart{MimeType: mimeType, Body: &gmail.MessagePartBody{Data: enc(body), Size: int64(len(body))}}
}

func multipart(mimeType string, parts ...*gmail.MessagePart) *gmail.MessagePart {
	return &gmail.MessagePart{MimeType: mimeType, Body: &gmail.MessagePartBody{}, Parts: parts}
}

func TestExtractBody(t *testing.T) {
	tests := []struct {
		name    string
		payload *gmail.MessagePart
		want    string
		wantErr bool
	}{
		{
			name:    "single part plain",
			payload: textPart("text/plain", "Hello there"),
			want:    "Hello there",
		},
		{
			name:    "single part html is stripped",
			payload: textPart("text/html", "<p>Hello <b>there</b></p>"),
			want:    "Hello there",
		},
		{
			name: "plain preferred over earlier html",
			payload: multipart("multipart/alternative",
				textPart("text/html", "<p>HTML version</p>"),
				textPart("text/plain", "Plain version"),
			),
			want: "Plain version",
		},
		{
			name: "nested plain found depth first",
			payload: multipart("multipart/mixed",
				multipart("multipart/related",
					multipart("multipart/alternative",
						textPart("text/html", "<div>deep html</div>"),
						textPart("text/plain; charset=UTF-8", "deep plain"),
					),
				),
				textPart("text/plain", "later plain"),
			),
			want: "deep plain",
		},
		{
			name: "html fallback when no plain part",
			payload: multipart("multipart/alternative",
				textPart("text/html", "<html><head><style>p{color:red}</style></head><body><p>First</p><p>Second &amp; last</p></body></html>"),
			),
			want: "First\nSecond & last",
		},
		{
			name: "attachment named text part is not the body",
			payload: multipart("multipart/mixed",
				&gmail.MessagePart{MimeType: "text/plain", Filename: "notes.txt", Body: &gmail.MessagePartBody{Data: enc("attached")}},
				textPart("text/html", "<p>inline</p>"),
			),
			want: "inline",
		},
		{
			name:    "no body at all",
			payload: multipart("multipart/mixed"),
			want:    "",
		},
		{
			name:    "malformed base64",
			payload: &gmail.MessagePart{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: "***not base64***"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractBody(tt.payload)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeBase64URL(t *testing.T) {
	// Bytes chosen so that the encoding contains both '-' and '_'.
	raw := []byte{0xfb, 0xff, 0xbf, 0xfe, 'h', 'i'}

	tests := []struct {
		name    string
		input   string
		want    []byte
		wantErr bool
	}{
		{"padded url encoding", base64.URLEncoding.EncodeToString(raw), raw, false},
		{"unpadded url encoding", base64.RawURLEncoding.EncodeToString(raw), raw, false},
		{"standard alphabet", base64.StdEncoding.EncodeToString(raw), raw, false},
		{"utf-8 text", enc("Grüße aus Köln"), []byte("Grüße aus Köln"), false},
		{"empty", "", []byte{}, false},
		{"garbage", "!!!", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeBase64URL(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHTMLToText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"entities and inline tags", "<p>Fish&nbsp;&amp; <i>chips</i></p>", "Fish & chips"},
		{"script dropped", "<div>a</div><script>alert(1)</script><div>b</div>", "a\nb"},
		{"line breaks", "one<br>two<br/>three", "one\ntwo\nthree"},
		{"list items", "<ul><li>x</li><li>y</li></ul>", "x\ny"},
		{"plain text passes through", "just text", "just text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTMLToText(tt.in))
		})
	}
}

func TestDecodePart_Charset(t *testing.T) {
	part := &gmail.MessagePart{
		MimeType: "text/plain",
		Headers:  []*gmail.MessagePartHeader{{Name: "Content-Type", Value: `text/plain; charset="ISO-8859-1"`}},
		Body:     &gmail.MessagePartBody{Data: enc("caf\xe9")},
	}

	got, err := decodePart(part)
	require.NoError(t, err)
	assert.Equal(t, "café", got)
}

func TestCollectAttachments(t *testing.T) {
	payload := multipart("multipart/mixed",
		textPart("text/plain", "body"),
		&gmail.MessagePart{MimeType: "application/pdf", Filename: "invoice.pdf", Body: &gmail.MessagePartBody{AttachmentId: "att-1", Size: 2048}},
		multipart("multipart/related",
			&gmail.MessagePart{MimeType: "image/png", Filename: "logo.png", Body: &gmail.MessagePartBody{AttachmentId: "att-2", Size: 512}},
		),
	)

	refs := collectAttachments(payload)
	require.Len(t, refs, 2)
	assert.Equal(t, "att-1", refs[0].ID)
	assert.Equal(t, "invoice.pdf", refs[0].Filename)
	assert.Equal(t, int64(2048), refs[0].Size)
	assert.Equal(t, "att-2", refs[1].ID)
	assert.Equal(t, "image/png", refs[1].MimeType)
}
