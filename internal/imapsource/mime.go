package imapsource

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/teemow/inboxflow/internal/gmail"
	"github.com/teemow/inboxflow/internal/model"
)

type parsedMessage struct {
	Subject     string
	Body        string
	Attachments []model.AttachmentRef
}

// parseMessage reads an RFC 5322 message. The body is the first text/plain
// inline part, or the first text/html part stripped to text when there is
// no plain part. Attachment ids are their position among attachments.
func parseMessage(raw []byte) (parsedMessage, error) {
	var out parsedMessage

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return out, fmt.Errorf("parsing message: %w", err)
	}
	defer mr.Close()

	out.Subject, _ = mr.Header.Subject()

	var plain, html string
	var havePlain, haveHTML bool
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, fmt.Errorf("reading part: %w", err)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return out, fmt.Errorf("reading inline part: %w", err)
			}
			switch {
			case contentType == "text/plain" && !havePlain:
				plain, havePlain = string(body), true
			case contentType == "text/html" && !haveHTML:
				html, haveHTML = string(body), true
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			n, _ := io.Copy(io.Discard, part.Body)
			out.Attachments = append(out.Attachments, model.AttachmentRef{
				ID:       strconv.Itoa(len(out.Attachments)),
				Filename: filename,
				MimeType: contentType,
				Size:     n,
			})
		}
	}

	switch {
	case havePlain:
		out.Body = strings.TrimRight(plain, "\r\n")
	case haveHTML:
		out.Body = gmail.HTMLToText(html)
	}
	return out, nil
}
