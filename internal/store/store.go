// Package store persists ExecutionRecords so that idempotency and retry
// state survive process restarts.
package store

import (
	"context"
	"errors"

	"github.com/teemow/inboxflow/internal/model"
)

// ErrNotFound is returned by Get when no record exists.
var ErrNotFound = errors.New("execution record not found")

// DefaultListLimit caps ListRecent when the caller passes no limit.
const DefaultListLimit = 50

// Store is the execution record persistence interface. Records are unique
// per (pipeline id, message id).
type Store interface {
	Get(ctx context.Context, pipelineID, messageID string) (*model.ExecutionRecord, error)
	Save(ctx context.Context, rec *model.ExecutionRecord) error
	ListByStatus(ctx context.Context, pipelineID string, statuses ...model.Status) ([]model.ExecutionRecord, error)
	ListRecent(ctx context.Context, pipelineID string, limit int) ([]model.ExecutionRecord, error)
	Close() error
}
