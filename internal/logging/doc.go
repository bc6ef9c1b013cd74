// Package logging provides structured logging helpers for inboxflow.
//
// Every stage logs through log/slog with a shared attribute vocabulary so
// that a single message can be followed across fetch, transform and write:
//
//	logger := logging.ForMessage(slog.Default(), "daily-digest", msgID)
//	logger.Info("stage completed",
//	    logging.Stage("transforming"),
//	    logging.Attempt(2))
//
// Mail addresses are hashed with AnonymizeEmail before they are logged and
// OAuth tokens are never logged; SanitizeToken renders a length marker when
// a token has to be mentioned at all.
package logging
