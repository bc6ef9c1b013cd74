package model

import "time"

// PropertyType is a document-store property kind.
type PropertyType string

const (
	PropertyTitle       PropertyType = "title"
	PropertyRichText    PropertyType = "rich_text"
	PropertyNumber      PropertyType = "number"
	PropertySelect      PropertyType = "select"
	PropertyMultiSelect PropertyType = "multi_select"
	PropertyDate        PropertyType = "date"
	PropertyCheckbox    PropertyType = "checkbox"
)

// PropertySchema maps property names to their declared types.
type PropertySchema map[string]PropertyType

// PropertyValue is a value already coerced to its declared type.
// Only the field matching Type is meaningful.
type PropertyValue struct {
	Type    PropertyType
	Text    string
	Number  float64
	Options []string
	Date    time.Time
	Bool    bool
}

// BlockType is the kind of a content block.
type BlockType string

const (
	BlockParagraph  BlockType = "paragraph"
	BlockHeading1   BlockType = "heading_1"
	BlockHeading2   BlockType = "heading_2"
	BlockBulletItem BlockType = "bulleted_list_item"
)

// ContentBlock is one block of page content.
type ContentBlock struct {
	Type BlockType
	Text string
}

// SinkDocument is a schema-typed document ready to be written.
type SinkDocument struct {
	DatabaseRef string
	Properties  map[string]PropertyValue
	Blocks      []ContentBlock
}

// DocumentRef identifies a document created in the store.
type DocumentRef struct {
	ID  string
	URL string
}
