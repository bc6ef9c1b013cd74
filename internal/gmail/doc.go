// Package gmail reads candidate messages from Gmail and normalizes them for
// the pipeline.
//
// ListCandidates pages through users.messages.list lazily. FetchAndNormalize
// loads one message in full format and reduces its MIME tree to a single
// plain-text body:
//
//  1. the payload body, when the message is single-part
//  2. the first text/plain part, depth first
//  3. the first text/html part with markup stripped
//
// A body that fails to decode is logged and left empty so that one bad
// message never stops a batch. Attachments are listed but their bytes are
// only downloaded through Attachment.
//
// All API calls share a circuit breaker. Server-side failures (5xx, 429)
// count against it; client errors do not.
package gmail
