package notion

import (
	"strings"

	"github.com/teemow/inboxflow/internal/model"
)

// MaxBlocks is the most children Notion accepts in one page create call.
const MaxBlocks = 100

// FormatBlocks splits text on blank lines into content blocks. Paragraphs
// starting with "# ", "## " or "* " become headings and list items with the
// prefix stripped. Blocks past MaxBlocks are dropped.
func FormatBlocks(text string) []model.ContentBlock {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if strings.TrimSpace(text) == "" {
		return nil
	}

	paragraphs := strings.Split(text, "\n\n")
	blocks := make([]model.ContentBlock, 0, min(len(paragraphs), MaxBlocks))
	for _, p := range paragraphs {
		if len(blocks) == MaxBlocks {
			break
		}
		blocks = append(blocks, formatBlock(p))
	}
	return blocks
}

func formatBlock(p string) model.ContentBlock {
	switch {
	case strings.HasPrefix(p, "# "):
		return model.ContentBlock{Type: model.BlockHeading1, Text: p[2:]}
	case strings.HasPrefix(p, "## "):
		return model.ContentBlock{Type: model.BlockHeading2, Text: p[3:]}
	case strings.HasPrefix(p, "* "):
		return model.ContentBlock{Type: model.BlockBulletItem, Text: p[2:]}
	default:
		return model.ContentBlock{Type: model.BlockParagraph, Text: p}
	}
}

// RenderContent lays out a transformation result in the line-prefix
// convention understood by FormatBlocks.
func RenderContent(msg *model.NormalizedMessage, result model.TransformationResult) string {
	var parts []string

	parts = append(parts, "## Summary", result.Summary)

	if len(result.ActionItems) > 0 {
		parts = append(parts, "## Action Items")
		for _, item := range result.ActionItems {
			parts = append(parts, "* "+item)
		}
	}

	parts = append(parts, "## Priority", string(result.Priority))

	if len(result.Tags) > 0 {
		parts = append(parts, "## Tags", strings.Join(result.Tags, ", "))
	}

	if msg != nil {
		parts = append(parts, "## Source", "From: "+msg.From+"\nSubject: "+msg.Subject)
	}

	return strings.Join(parts, "\n\n")
}
