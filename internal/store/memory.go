package store

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/teemow/inboxflow/internal/model"
)

// MemoryStore keeps records in process memory. Used by tests and one-shot
// runs that do not need history.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]model.ExecutionRecord
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]model.ExecutionRecord)}
}

func key(pipelineID, messageID string) string {
	return pipelineID + "\x00" + messageID
}

func (s *MemoryStore) Get(_ context.Context, pipelineID, messageID string) (*model.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key(pipelineID, messageID)]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *MemoryStore) Save(_ context.Context, rec *model.ExecutionRecord) error {
	if rec.PipelineID == "" || rec.MessageID == "" {
		return fmt.Errorf("execution record needs a pipeline and message id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(rec.PipelineID, rec.MessageID)
	stored := *rec
	if existing, ok := s.records[k]; ok {
		stored.ExecutionID = existing.ExecutionID
		stored.StartedAt = existing.StartedAt
	}
	s.records[k] = stored
	return nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, pipelineID string, statuses ...model.Status) ([]model.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.ExecutionRecord
	for _, rec := range s.records {
		if rec.PipelineID == pipelineID && slices.Contains(statuses, rec.Status) {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b model.ExecutionRecord) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return out, nil
}

func (s *MemoryStore) ListRecent(_ context.Context, pipelineID string, limit int) ([]model.ExecutionRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.ExecutionRecord
	for _, rec := range s.records {
		if pipelineID == "" || rec.PipelineID == pipelineID {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b model.ExecutionRecord) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
