package transform

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/teemow/inboxflow/internal/logging"
	"github.com/teemow/inboxflow/internal/model"
)

// Model parameter defaults.
const (
	DefaultModel       = "gpt-3.5-turbo"
	DefaultMaxTokens   = 500
	DefaultTemperature = 0.7
)

// DefaultPrompt asks for the structured JSON result understood by ParseResult.
const DefaultPrompt = `Please analyze this email and provide a structured summary:

Email Subject: {subject}
From: {from}
Date: {date}

Email Content:
{body}

Please provide:
1. A concise summary (2-3 sentences)
2. Key action items (if any)
3. Priority level (High/Medium/Low)
4. Suggested tags (2-3 relevant keywords)

Format your response as JSON:
{
  "summary": "Brief summary here",
  "actionItems": ["item 1", "item 2"],
  "priority": "Medium",
  "tags": ["tag1", "tag2", "tag3"]
}`

// ModelParams are passed to the endpoint as-is. Empty fields take defaults;
// range checking is left to the endpoint. Temperature is a pointer because
// zero is a meaningful setting.
type ModelParams struct {
	Model       string   `mapstructure:"model"`
	MaxTokens   int      `mapstructure:"max_tokens"`
	Temperature *float64 `mapstructure:"temperature"`
}

// Temperature returns a pointer for ModelParams.Temperature.
func Temperature(v float64) *float64 {
	return &v
}

func (p ModelParams) withDefaults() ModelParams {
	if p.Model == "" {
		p.Model = DefaultModel
	}
	if p.MaxTokens == 0 {
		p.MaxTokens = DefaultMaxTokens
	}
	if p.Temperature == nil {
		p.Temperature = Temperature(DefaultTemperature)
	}
	return p
}

// Stage is the transformation stage of the pipeline.
type Stage struct {
	completer Completer
	logger    *slog.Logger
}

// NewStage creates a Stage backed by completer.
func NewStage(completer Completer, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{completer: completer, logger: logger}
}

// Summarize renders the prompt for msg, sends it and parses the answer.
// Only endpoint failures return an error; unstructured output degrades to
// a default result.
func (s *Stage) Summarize(ctx context.Context, msg *model.NormalizedMessage, promptTemplate string, params ModelParams) (model.TransformationResult, error) {
	prompt := RenderPrompt(promptTemplate, msg)

	raw, err := s.completer.Complete(ctx, CompletionRequest{Prompt: prompt, Params: params})
	if err != nil {
		return model.TransformationResult{}, err
	}

	result, structured := parseResult(raw)
	if !structured {
		s.logger.Debug("completion was not structured, using raw text as summary",
			logging.MessageID(msg.ID))
	}
	return result, nil
}

// RenderPrompt substitutes the message placeholders in tmpl. An empty
// template renders DefaultPrompt.
func RenderPrompt(tmpl string, msg *model.NormalizedMessage) string {
	if tmpl == "" {
		tmpl = DefaultPrompt
	}

	var date string
	if !msg.ReceivedAt.IsZero() {
		date = msg.ReceivedAt.Format(time.RFC1123Z)
	}

	return strings.NewReplacer(
		"{subject}", msg.Subject,
		"{body}", msg.BodyText,
		"{from}", msg.From,
		"{to}", msg.To,
		"{date}", date,
	).Replace(tmpl)
}
