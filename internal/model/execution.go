package model

import "time"

// Stage is the step of the pipeline a message is in.
type Stage string

const (
	StagePending      Stage = "pending"
	StageFetching     Stage = "fetching"
	StageTransforming Stage = "transforming"
	StageWriting      Stage = "writing"
	StageDone         Stage = "done"
)

// Status is the outcome of the current stage.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRetrying  Status = "retrying"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// ExecutionRecord tracks one message through one pipeline.
// Retry state lives here so a restarted process can pick it up.
type ExecutionRecord struct {
	ExecutionID string `db:"execution_id"`
	PipelineID  string `db:"pipeline_id"`
	MessageID   string `db:"message_id"`
	Stage       Stage  `db:"stage"`
	Status      Status `db:"status"`

	// Attempts counts tries of the current Stage, including the first.
	Attempts      int        `db:"attempts"`
	Error         string     `db:"error"`
	DocumentID    string     `db:"document_id"`
	StartedAt     time.Time  `db:"started_at"`
	FinishedAt    *time.Time `db:"finished_at"`
	NextAttemptAt *time.Time `db:"next_attempt_at"`

	// WriteStartedAt is set while a document write is in flight. Found set
	// on a record that is not terminal, it means the process stopped
	// mid-write and a page may already exist.
	WriteStartedAt *time.Time `db:"write_started_at"`
}

// WriteInterrupted reports whether a write was started and its outcome
// never recorded.
func (r *ExecutionRecord) WriteInterrupted() bool {
	return r.WriteStartedAt != nil && !r.Terminal()
}

// Terminal reports whether the record will not change again.
func (r *ExecutionRecord) Terminal() bool {
	return r.Status == StatusSucceeded || r.Status == StatusFailed
}
