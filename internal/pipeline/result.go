package pipeline

import (
	"slices"
	"sync"
)

// BatchResult summarises one Run or Resume.
type BatchResult struct {
	mu sync.Mutex

	Succeeded []string
	Failed    []string
	// Skipped holds messages already processed by an earlier run and
	// duplicates within the batch.
	Skipped []string
	// Interrupted holds messages left non-terminal by cancellation.
	Interrupted []string
}

func (r *BatchResult) add(o outcome, messageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch o {
	case outcomeSucceeded:
		r.Succeeded = append(r.Succeeded, messageID)
	case outcomeFailed:
		r.Failed = append(r.Failed, messageID)
	case outcomeSkipped:
		r.Skipped = append(r.Skipped, messageID)
	case outcomeInterrupted:
		r.Interrupted = append(r.Interrupted, messageID)
	}
}

func (r *BatchResult) sort() {
	slices.Sort(r.Succeeded)
	slices.Sort(r.Failed)
	slices.Sort(r.Skipped)
	slices.Sort(r.Interrupted)
}

// Total is the number of messages the batch looked at.
func (r *BatchResult) Total() int {
	return len(r.Succeeded) + len(r.Failed) + len(r.Skipped) + len(r.Interrupted)
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeFailed
	outcomeSkipped
	outcomeInterrupted
)

func (o outcome) String() string {
	switch o {
	case outcomeSucceeded:
		return "succeeded"
	case outcomeFailed:
		return "failed"
	case outcomeSkipped:
		return "skipped"
	default:
		return "interrupted"
	}
}
