package config

import (
	"github.com/teemow/inboxflow/internal/google"
	"github.com/teemow/inboxflow/internal/imapsource"
	"github.com/teemow/inboxflow/internal/instrumentation"
	"github.com/teemow/inboxflow/internal/notion"
	"github.com/teemow/inboxflow/internal/pipeline"
	"github.com/teemow/inboxflow/internal/transform"
)

// OAuth returns the Credential Manager config.
func (c *Config) OAuth() google.Config {
	return google.Config{
		ClientID:     c.Google.ClientID,
		ClientSecret: c.Google.ClientSecret,
		RedirectURL:  c.Google.RedirectURL,
		Scopes:       google.GmailScopes,
		SafetyMargin: c.Google.SafetyMargin,
	}
}

// IMAP returns the IMAP source config.
func (c *Config) IMAP() imapsource.Config {
	return imapsource.Config{
		Host:     c.Gmail.IMAP.Host,
		Port:     c.Gmail.IMAP.Port,
		Username: c.Gmail.IMAP.Username,
		Password: c.Gmail.IMAP.Password,
		TLS:      c.Gmail.IMAP.TLS,
		Mailbox:  c.Gmail.IMAP.Mailbox,
	}
}

// Completion returns the completion endpoint config.
func (c *Config) Completion() transform.HTTPConfig {
	return transform.HTTPConfig{
		BaseURL:           c.AI.BaseURL,
		APIKey:            c.AI.APIKey,
		RequestsPerSecond: c.AI.RequestsPerSecond,
		Timeout:           c.AI.Timeout,
	}
}

// NotionClient returns the Notion client config.
func (c *Config) NotionClient() notion.ClientConfig {
	return notion.ClientConfig{
		BaseURL: c.Notion.BaseURL,
		APIKey:  c.Notion.APIKey,
		Timeout: c.Notion.Timeout,
	}
}

// PipelineRun returns the orchestrator config.
func (c *Config) PipelineRun() pipeline.Config {
	return pipeline.Config{
		PipelineID:   c.Pipeline.ID,
		Query:        c.Gmail.Query,
		MaxResults:   c.Gmail.MaxResults,
		Concurrency:  c.Pipeline.Concurrency,
		MaxRetries:   c.Pipeline.MaxRetries,
		StageTimeout: c.Pipeline.StageTimeout,
		Backoff: pipeline.BackoffConfig{
			InitialInterval: c.Pipeline.Backoff.InitialInterval,
			MaxInterval:     c.Pipeline.Backoff.MaxInterval,
			Multiplier:      c.Pipeline.Backoff.Multiplier,
		},
		PromptTemplate: c.AI.PromptTemplate,
		ModelParams: transform.ModelParams{
			Model:       c.AI.Model,
			MaxTokens:   c.AI.MaxTokens,
			Temperature: transform.Temperature(c.AI.Temperature),
		},
		DatabaseRef:      c.Notion.DatabaseID,
		PropertyTemplate: c.Notion.PropertyTemplate(),
		ContentTemplate:  c.Notion.ContentTemplate,
		RetryFailed:      c.Pipeline.RetryFailed,
	}
}

// Instrumentation returns the telemetry provider config for this build.
func (c *Config) Instrumentation(version string) instrumentation.Config {
	return instrumentation.Config{
		ServiceName:       "inboxflow",
		ServiceVersion:    version,
		ServiceInstanceID: c.Telemetry.InstanceID,
		Enabled:           c.Telemetry.Enabled,
		MetricsExporter:   c.Telemetry.MetricsExporter,
		TracingExporter:   c.Telemetry.TracingExporter,
		OTLPEndpoint:      c.Telemetry.OTLPEndpoint,
		OTLPInsecure:      c.Telemetry.OTLPInsecure,
		TraceSamplingRate: c.Telemetry.SamplingRate,
		DetailedLabels:    c.Telemetry.DetailedLabels,
	}
}
