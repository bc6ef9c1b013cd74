package model

import "strings"

// Priority is the urgency assigned by the transformation stage.
type Priority string

const (
	PriorityLow    Priority = "Low"
	PriorityMedium Priority = "Medium"
	PriorityHigh   Priority = "High"
)

// ParsePriority maps free text onto a Priority. Unknown values are Medium.
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	default:
		return PriorityMedium
	}
}

// TransformationResult is the structured output of the transformation stage.
type TransformationResult struct {
	Summary     string
	ActionItems []string
	Priority    Priority
	Tags        []string

	// Raw is the unparsed completion text.
	Raw string
}

// DefaultTransformationResult is used when the completion is not structured.
func DefaultTransformationResult(raw string) TransformationResult {
	return TransformationResult{
		Summary:     raw,
		ActionItems: []string{},
		Priority:    PriorityMedium,
		Tags:        []string{},
		Raw:         raw,
	}
}
