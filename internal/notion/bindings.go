package notion

import (
	"regexp"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/teemow/inboxflow/internal/model"
)

// DefaultPropertyTemplate maps the properties a freshly created database
// usually has. Properties missing from the schema are ignored.
var DefaultPropertyTemplate = map[string]string{
	"title":        "{{subject}}",
	"tags":         "{{tags}}",
	"priority":     "{{priority}}",
	"source":       "Gmail",
	"created_time": "{{date}}",
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_]+)\s*\}\}`)

// Variables returns the values a property template can reference.
func Variables(msg *model.NormalizedMessage, result model.TransformationResult) map[string]any {
	vars := map[string]any{
		"summary":      result.Summary,
		"action_items": result.ActionItems,
		"actionItems":  result.ActionItems,
		"priority":     string(result.Priority),
		"tags":         result.Tags,
	}
	if msg != nil {
		vars["subject"] = msg.Subject
		vars["email_subject"] = msg.Subject
		vars["from"] = msg.From
		vars["to"] = msg.To
		vars["body"] = msg.BodyText
		vars["snippet"] = msg.Snippet
		vars["message_id"] = msg.ID
		vars["thread_id"] = msg.ThreadID
		if !msg.ReceivedAt.IsZero() {
			vars["date"] = msg.ReceivedAt
		}
	}
	return vars
}

// Bindings renders a property template. A template that is exactly one
// placeholder binds the variable's typed value, so "{{tags}}" stays a list.
// Other templates are rendered as strings. A property whose only placeholder
// names an unknown or unset variable is left unbound.
func Bindings(template map[string]string, msg *model.NormalizedMessage, result model.TransformationResult) map[string]any {
	vars := Variables(msg, result)
	bindings := make(map[string]any, len(template))

	for property, tmpl := range template {
		if m := placeholderPattern.FindStringSubmatchIndex(tmpl); m != nil && m[0] == 0 && m[1] == len(tmpl) {
			if v, ok := vars[tmpl[m[2]:m[3]]]; ok {
				bindings[property] = v
			}
			continue
		}
		bindings[property] = RenderTemplate(tmpl, vars)
	}
	return bindings
}

// RenderTemplate substitutes every placeholder in tmpl with the string form
// of its variable. Unknown placeholders render empty.
func RenderTemplate(tmpl string, vars map[string]any) string {
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		return stringify(vars[name])
	})
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case []string:
		return strings.Join(val, ", ")
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return cast.ToString(val)
	}
}
