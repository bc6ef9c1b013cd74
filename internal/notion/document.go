package notion

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/teemow/inboxflow/internal/model"
)

// BuildDocument coerces bindings to the types declared in schema.
// Unbound properties are omitted, unknown property types are skipped and
// values that cannot be coerced are dropped with a warning.
func BuildDocument(databaseRef string, schema model.PropertySchema, bindings map[string]any) model.SinkDocument {
	return buildDocument(slog.Default(), databaseRef, schema, bindings)
}

func buildDocument(logger *slog.Logger, databaseRef string, schema model.PropertySchema, bindings map[string]any) model.SinkDocument {
	doc := model.SinkDocument{
		DatabaseRef: databaseRef,
		Properties:  make(map[string]model.PropertyValue),
	}

	for name, propType := range schema {
		raw, ok := bindings[name]
		if !ok || raw == nil {
			continue
		}

		value, err := coerce(propType, raw)
		if err != nil {
			logger.Warn("dropping property that cannot be coerced",
				slog.String("property", name),
				slog.String("type", string(propType)),
				slog.String("error", err.Error()))
			continue
		}
		if value == nil {
			continue
		}
		doc.Properties[name] = *value
	}
	return doc
}

// coerce returns nil without error for property types that are skipped.
func coerce(propType model.PropertyType, raw any) (*model.PropertyValue, error) {
	v := &model.PropertyValue{Type: propType}

	switch propType {
	case model.PropertyTitle, model.PropertyRichText:
		v.Text = stringify(raw)

	case model.PropertyNumber:
		n, err := cast.ToFloat64E(raw)
		if err != nil {
			return nil, err
		}
		v.Number = n

	case model.PropertySelect:
		name := strings.TrimSpace(stringify(raw))
		if name == "" {
			return nil, fmt.Errorf("empty select option")
		}
		v.Text = name

	case model.PropertyMultiSelect:
		options, err := toOptions(raw)
		if err != nil {
			return nil, err
		}
		v.Options = options

	case model.PropertyDate:
		t, err := toTime(raw)
		if err != nil {
			return nil, err
		}
		v.Date = t

	case model.PropertyCheckbox:
		b, err := cast.ToBoolE(raw)
		if err != nil {
			return nil, err
		}
		v.Bool = b

	default:
		return nil, nil
	}
	return v, nil
}

// toOptions lifts a scalar to a singleton list.
func toOptions(raw any) ([]string, error) {
	var items []string
	switch val := raw.(type) {
	case string:
		items = []string{val}
	case []string:
		items = val
	case []any:
		s, err := cast.ToStringSliceE(val)
		if err != nil {
			return nil, err
		}
		items = s
	default:
		s, err := cast.ToStringE(val)
		if err != nil {
			return nil, err
		}
		items = []string{s}
	}

	options := make([]string, 0, len(items))
	for _, item := range items {
		// Notion rejects commas in option names.
		item = strings.TrimSpace(strings.ReplaceAll(item, ",", " "))
		if item != "" {
			options = append(options, item)
		}
	}
	return options, nil
}

func toTime(raw any) (time.Time, error) {
	if t, ok := raw.(time.Time); ok {
		if t.IsZero() {
			return time.Time{}, fmt.Errorf("zero time")
		}
		return t, nil
	}
	return cast.ToTimeE(raw)
}
