package transform

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cast"

	"github.com/teemow/inboxflow/internal/model"
)

// ParseResult interprets a completion. A JSON object fills the fields it
// carries and defaults the rest; anything else becomes the summary.
func ParseResult(raw string) model.TransformationResult {
	result, _ := parseResult(raw)
	return result
}

func parseResult(raw string) (model.TransformationResult, bool) {
	result := model.DefaultTransformationResult(raw)

	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil || fields == nil {
		return result, false
	}

	if s := cast.ToString(fields["summary"]); s != "" {
		result.Summary = s
	}

	items := fields["actionItems"]
	if items == nil {
		items = fields["action_items"]
	}
	result.ActionItems = stringList(items)

	if p := cast.ToString(fields["priority"]); p != "" {
		result.Priority = model.ParsePriority(p)
	}
	result.Tags = stringList(fields["tags"])

	return result, true
}

// stringList lifts a scalar to a singleton and drops empty entries.
func stringList(v any) []string {
	out := []string{}
	switch val := v.(type) {
	case nil:
	case []any:
		for _, item := range val {
			if item == nil {
				continue
			}
			if s := cast.ToString(item); s != "" {
				out = append(out, s)
			} else if _, ok := item.(map[string]any); ok {
				b, _ := json.Marshal(item)
				out = append(out, string(b))
			}
		}
	case string:
		if val != "" {
			out = append(out, val)
		}
	default:
		out = append(out, fmt.Sprint(val))
	}
	return out
}
