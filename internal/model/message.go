package model

import "time"

// NoSubject is used when a message carries no Subject header.
const NoSubject = "(No Subject)"

// MessageRef identifies a candidate message before it is fetched.
type MessageRef struct {
	ID       string
	ThreadID string
}

// AttachmentRef describes an attachment without its content.
type AttachmentRef struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// NormalizedMessage is a provider message decoded into plain text.
// ID is the provider-assigned id and the idempotency key for the pipeline.
type NormalizedMessage struct {
	ID          string
	ThreadID    string
	Subject     string
	From        string
	To          string
	ReceivedAt  time.Time
	BodyText    string
	Snippet     string
	Labels      []string
	IsUnread    bool
	Attachments []AttachmentRef
}
