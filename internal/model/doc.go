// Package model defines the value objects passed between pipeline stages.
//
// Every type here is produced by exactly one stage and consumed by the next.
// Downstream stages never mutate what they receive; the orchestrator is the
// only owner of ExecutionRecord lifecycles.
package model
