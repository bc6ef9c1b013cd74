package notion

import (
	"time"

	"github.com/teemow/inboxflow/internal/model"
)

// maxRichTextLength is the Notion limit for one rich text object.
const maxRichTextLength = 2000

type textContent struct {
	Content string `json:"content"`
}

type richText struct {
	Type string      `json:"type"`
	Text textContent `json:"text"`
}

type option struct {
	Name string `json:"name"`
}

type dateValue struct {
	Start string `json:"start"`
}

type blockBody struct {
	RichText []richText `json:"rich_text"`
}

type pageRequest struct {
	Parent     map[string]string `json:"parent"`
	Properties map[string]any    `json:"properties"`
	Children   []map[string]any  `json:"children,omitempty"`
}

func encodePage(doc model.SinkDocument) pageRequest {
	req := pageRequest{
		Parent:     map[string]string{"database_id": doc.DatabaseRef},
		Properties: make(map[string]any, len(doc.Properties)),
	}
	for name, value := range doc.Properties {
		if encoded, ok := encodeProperty(value); ok {
			req.Properties[name] = encoded
		}
	}
	for _, block := range doc.Blocks {
		req.Children = append(req.Children, map[string]any{
			"object":           "block",
			"type":             string(block.Type),
			string(block.Type): blockBody{RichText: textChunks(block.Text)},
		})
	}
	return req
}

func encodeProperty(v model.PropertyValue) (map[string]any, bool) {
	switch v.Type {
	case model.PropertyTitle, model.PropertyRichText:
		return map[string]any{string(v.Type): textChunks(v.Text)}, true
	case model.PropertyNumber:
		return map[string]any{"number": v.Number}, true
	case model.PropertySelect:
		return map[string]any{"select": option{Name: v.Text}}, true
	case model.PropertyMultiSelect:
		opts := make([]option, 0, len(v.Options))
		for _, name := range v.Options {
			opts = append(opts, option{Name: name})
		}
		return map[string]any{"multi_select": opts}, true
	case model.PropertyDate:
		return map[string]any{"date": dateValue{Start: v.Date.Format(time.RFC3339)}}, true
	case model.PropertyCheckbox:
		return map[string]any{"checkbox": v.Bool}, true
	default:
		return nil, false
	}
}

// textChunks splits s into rich text objects of at most maxRichTextLength
// runes each.
func textChunks(s string) []richText {
	runes := []rune(s)
	if len(runes) == 0 {
		return []richText{{Type: "text", Text: textContent{}}}
	}

	chunks := make([]richText, 0, len(runes)/maxRichTextLength+1)
	for len(runes) > 0 {
		n := min(len(runes), maxRichTextLength)
		chunks = append(chunks, richText{Type: "text", Text: textContent{Content: string(runes[:n])}})
		runes = runes[n:]
	}
	return chunks
}
