package gmail

import (
	"context"
	"fmt"

	gmail "google.golang.org/api/gmail/v1"

	"github.com/teemow/inboxflow/internal/model"
)

// MaxAttachmentSize is the largest attachment Attachment will download (25MB).
const MaxAttachmentSize = 25 * 1024 * 1024

// collectAttachments lists every part below the root that carries an
// attachment id, however deeply nested. Nothing is downloaded.
func collectAttachments(payload *gmail.MessagePart) []model.AttachmentRef {
	if payload == nil {
		return nil
	}
	var refs []model.AttachmentRef
	for _, sub := range payload.Parts {
		walkParts(sub, func(p *gmail.MessagePart) bool {
			if p.Body != nil && p.Body.AttachmentId != "" {
				refs = append(refs, model.AttachmentRef{
					ID:       p.Body.AttachmentId,
					Filename: p.Filename,
					MimeType: p.MimeType,
					Size:     p.Body.Size,
				})
			}
			return true
		})
	}
	return refs
}

// Attachment downloads one attachment's bytes.
func (c *Client) Attachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	if messageID == "" {
		return nil, fmt.Errorf("messageID is required")
	}
	if attachmentID == "" {
		return nil, fmt.Errorf("attachmentID is required")
	}

	var body *gmail.MessagePartBody
	err := c.execute(ctx, "attachment", func(ctx context.Context) error {
		var err error
		body, err = c.svc.Messages.Attachments.Get(userID, messageID, attachmentID).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get attachment %s: %w", attachmentID, err)
	}

	if body.Size > MaxAttachmentSize {
		return nil, fmt.Errorf("attachment size %d exceeds maximum size %d", body.Size, MaxAttachmentSize)
	}

	data, err := DecodeBase64URL(body.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode attachment data: %w", err)
	}
	return data, nil
}
