// Package config loads inboxflow settings from a YAML file and
// INBOXFLOW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/teemow/inboxflow/internal/apperrors"
)

// EnvPrefix prefixes every environment override, e.g.
// INBOXFLOW_NOTION_API_KEY for notion.api_key.
const EnvPrefix = "INBOXFLOW"

// Source kinds.
const (
	SourceGmail = "gmail"
	SourceIMAP  = "imap"
)

// Credential backends.
const (
	CredentialsKeyring = "keyring"
	CredentialsFile    = "file"
	CredentialsMemory  = "memory"
)

// Store drivers.
const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// GoogleConfig is the OAuth client registered in the Google Cloud console.
type GoogleConfig struct {
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	RedirectURL  string        `mapstructure:"redirect_url"`
	Account      string        `mapstructure:"account"`
	SafetyMargin time.Duration `mapstructure:"safety_margin"`
}

// IMAPConfig is used when gmail.source is "imap".
type IMAPConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	TLS      bool   `mapstructure:"tls"`
	Mailbox  string `mapstructure:"mailbox"`
}

// GmailConfig selects and filters candidate messages.
type GmailConfig struct {
	Source     string     `mapstructure:"source"`
	Query      string     `mapstructure:"query"`
	MaxResults int        `mapstructure:"max_results"`
	IMAP       IMAPConfig `mapstructure:"imap"`
}

// AIConfig points at an OpenAI-compatible completion endpoint.
type AIConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Model             string        `mapstructure:"model"`
	MaxTokens         int           `mapstructure:"max_tokens"`
	Temperature       float64       `mapstructure:"temperature"`
	PromptTemplate    string        `mapstructure:"prompt_template"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

// PropertyMapping binds one database property to a template.
// It is a list entry rather than a map key because viper lowercases keys
// and Notion property names are case sensitive.
type PropertyMapping struct {
	Property string `mapstructure:"property"`
	Template string `mapstructure:"template"`
}

// NotionConfig is the destination database and its field mapping.
type NotionConfig struct {
	BaseURL         string            `mapstructure:"base_url"`
	APIKey          string            `mapstructure:"api_key"`
	DatabaseID      string            `mapstructure:"database_id"`
	Properties      []PropertyMapping `mapstructure:"properties"`
	ContentTemplate string            `mapstructure:"content_template"`
	Timeout         time.Duration     `mapstructure:"timeout"`
}

// PropertyTemplate returns the mappings as a map, or nil when none are
// configured.
func (n NotionConfig) PropertyTemplate() map[string]string {
	if len(n.Properties) == 0 {
		return nil
	}
	out := make(map[string]string, len(n.Properties))
	for _, m := range n.Properties {
		out[m.Property] = m.Template
	}
	return out
}

// BackoffConfig shapes retry delays.
type BackoffConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
}

// PipelineConfig tunes the orchestrator.
type PipelineConfig struct {
	ID            string        `mapstructure:"id"`
	Concurrency   int           `mapstructure:"concurrency"`
	MaxRetries    int           `mapstructure:"max_retries"`
	StageTimeout  time.Duration `mapstructure:"stage_timeout"`
	Backoff       BackoffConfig `mapstructure:"backoff"`
	RetryFailed   bool          `mapstructure:"retry_failed"`
	WatchInterval time.Duration `mapstructure:"watch_interval"`
}

// StoreConfig selects where execution records live.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// CredentialsConfig selects where OAuth credentials live.
type CredentialsConfig struct {
	Backend     string `mapstructure:"backend"`
	Dir         string `mapstructure:"dir"`
	ServiceName string `mapstructure:"service_name"`

	// EncryptionKey is a base64 AES-256 key sealing file-backend credentials.
	EncryptionKey string `mapstructure:"encryption_key"`
}

// ServerConfig is the listener used by watch for /metrics and /healthz.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// TelemetryConfig selects metric and trace exporters.
type TelemetryConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	MetricsExporter string  `mapstructure:"metrics_exporter"`
	TracingExporter string  `mapstructure:"tracing_exporter"`
	OTLPEndpoint    string  `mapstructure:"otlp_endpoint"`
	OTLPInsecure    bool    `mapstructure:"otlp_insecure"`
	SamplingRate    float64 `mapstructure:"sampling_rate"`
	DetailedLabels  bool    `mapstructure:"detailed_labels"`
	InstanceID      string  `mapstructure:"instance_id"`
}

// Config is the top-level configuration.
type Config struct {
	Google      GoogleConfig      `mapstructure:"google"`
	Gmail       GmailConfig       `mapstructure:"gmail"`
	AI          AIConfig          `mapstructure:"ai"`
	Notion      NotionConfig      `mapstructure:"notion"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Store       StoreConfig       `mapstructure:"store"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Server      ServerConfig      `mapstructure:"server"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

// DefaultConfigPath returns ~/.config/inboxflow/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "inboxflow", "config.yaml")
}

// DefaultDataDir returns the directory for the execution database.
func DefaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(dir, "inboxflow")
}

// SetDefaults registers every key so environment overrides apply even
// when the file does not mention them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("google.client_id", "")
	v.SetDefault("google.client_secret", "")
	v.SetDefault("google.redirect_url", "http://localhost:8080/oauth/callback")
	v.SetDefault("google.account", "default")
	v.SetDefault("google.safety_margin", "60s")

	v.SetDefault("gmail.source", SourceGmail)
	v.SetDefault("gmail.query", "is:unread")
	v.SetDefault("gmail.max_results", 10)
	v.SetDefault("gmail.imap.host", "")
	v.SetDefault("gmail.imap.port", "993")
	v.SetDefault("gmail.imap.username", "")
	v.SetDefault("gmail.imap.password", "")
	v.SetDefault("gmail.imap.tls", true)
	v.SetDefault("gmail.imap.mailbox", "INBOX")

	v.SetDefault("ai.base_url", "https://api.openai.com/v1")
	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.model", "gpt-3.5-turbo")
	v.SetDefault("ai.max_tokens", 500)
	v.SetDefault("ai.temperature", 0.7)
	v.SetDefault("ai.prompt_template", "")
	v.SetDefault("ai.requests_per_second", 1.0)
	v.SetDefault("ai.timeout", "60s")

	v.SetDefault("notion.base_url", "https://api.notion.com/v1")
	v.SetDefault("notion.api_key", "")
	v.SetDefault("notion.database_id", "")
	v.SetDefault("notion.content_template", "")
	v.SetDefault("notion.timeout", "30s")

	v.SetDefault("pipeline.id", "gmail-to-notion")
	v.SetDefault("pipeline.concurrency", 4)
	v.SetDefault("pipeline.max_retries", 3)
	v.SetDefault("pipeline.stage_timeout", "60s")
	v.SetDefault("pipeline.backoff.initial_interval", "1s")
	v.SetDefault("pipeline.backoff.max_interval", "30s")
	v.SetDefault("pipeline.backoff.multiplier", 2.0)
	v.SetDefault("pipeline.retry_failed", false)
	v.SetDefault("pipeline.watch_interval", "5m")

	v.SetDefault("store.driver", StoreSQLite)
	v.SetDefault("store.path", filepath.Join(DefaultDataDir(), "executions.db"))

	v.SetDefault("credentials.backend", CredentialsKeyring)
	v.SetDefault("credentials.dir", "")
	v.SetDefault("credentials.service_name", "inboxflow")
	v.SetDefault("credentials.encryption_key", "")

	v.SetDefault("server.addr", ":8080")

	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.metrics_exporter", "prometheus")
	v.SetDefault("telemetry.tracing_exporter", "none")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.otlp_insecure", false)
	v.SetDefault("telemetry.sampling_rate", 0.1)
	v.SetDefault("telemetry.detailed_labels", false)
	v.SetDefault("telemetry.instance_id", "")
}

// otelEnv maps telemetry keys to the standard OpenTelemetry variables,
// consulted after the INBOXFLOW_ name.
var otelEnv = map[string]string{
	"telemetry.otlp_endpoint": "OTEL_EXPORTER_OTLP_ENDPOINT",
	"telemetry.otlp_insecure": "OTEL_EXPORTER_OTLP_INSECURE",
	"telemetry.sampling_rate": "OTEL_TRACES_SAMPLER_ARG",
}

// NewViper returns a viper instance with defaults and environment binding.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	for key, name := range otelEnv {
		_ = v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), name)
	}
	return v
}

// Load reads path, or only defaults and environment when the file is
// missing. An empty path means DefaultConfigPath.
func Load(path string) (*Config, error) {
	v := NewViper()
	if err := ReadFile(v, path); err != nil {
		return nil, err
	}
	return Unmarshal(v)
}

// ReadFile merges the YAML file at path into v. A missing file is not an
// error.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		path = DefaultConfigPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return apperrors.Config("config.load", fmt.Errorf("reading config %s: %w", path, err))
	}
	return nil
}

// Unmarshal decodes v into a Config.
func Unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.Config("config.load", fmt.Errorf("parsing config: %w", err))
	}
	return &cfg, nil
}
