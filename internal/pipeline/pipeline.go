package pipeline

import (
	"context"
	"iter"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/teemow/inboxflow/internal/apperrors"
	"github.com/teemow/inboxflow/internal/instrumentation"
	"github.com/teemow/inboxflow/internal/logging"
	"github.com/teemow/inboxflow/internal/model"
	"github.com/teemow/inboxflow/internal/transform"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultConcurrency  = 4
	DefaultMaxRetries   = 3
	DefaultStageTimeout = 60 * time.Second
)

// Source lists and loads messages.
type Source interface {
	ListCandidates(ctx context.Context, query string, maxResults int) iter.Seq2[model.MessageRef, error]
	FetchAndNormalize(ctx context.Context, ref model.MessageRef) (*model.NormalizedMessage, error)
}

// Transformer summarizes a message.
type Transformer interface {
	Summarize(ctx context.Context, msg *model.NormalizedMessage, promptTemplate string, params transform.ModelParams) (model.TransformationResult, error)
}

// Sink writes documents into a schema-typed store.
type Sink interface {
	ResolveSchema(ctx context.Context, databaseRef string) (model.PropertySchema, error)
	BuildDocument(databaseRef string, schema model.PropertySchema, bindings map[string]any) model.SinkDocument
	CreateDocument(ctx context.Context, doc model.SinkDocument) (model.DocumentRef, error)
}

// ExecutionStore persists ExecutionRecords.
type ExecutionStore interface {
	Get(ctx context.Context, pipelineID, messageID string) (*model.ExecutionRecord, error)
	Save(ctx context.Context, rec *model.ExecutionRecord) error
	ListByStatus(ctx context.Context, pipelineID string, statuses ...model.Status) ([]model.ExecutionRecord, error)
}

// BackoffConfig shapes the exponential delay between retries.
type BackoffConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
}

// Config describes one pipeline.
type Config struct {
	PipelineID string
	Query      string
	MaxResults int

	// Concurrency bounds how many messages are in flight at once.
	Concurrency int

	// MaxRetries is the number of retries per stage after the first attempt.
	// Zero uses DefaultMaxRetries; negative disables retries.
	MaxRetries int

	Backoff BackoffConfig

	// StageTimeout bounds every individual stage call.
	StageTimeout time.Duration

	PromptTemplate string
	ModelParams    transform.ModelParams

	DatabaseRef      string
	PropertyTemplate map[string]string

	// ContentTemplate renders page content from the same variables as
	// PropertyTemplate. Empty uses the built-in layout.
	ContentTemplate string

	// RetryFailed re-drives messages whose record already ended Failed.
	RetryFailed bool
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = DefaultStageTimeout
	}
	return c
}

// Validate reports missing required settings as a ConfigError.
func (c Config) Validate() error {
	if c.PipelineID == "" {
		return apperrors.Configf("pipeline.config", "pipeline id is required")
	}
	if c.DatabaseRef == "" {
		return apperrors.Configf("pipeline.config", "notion database id is required")
	}
	return nil
}

func (c Config) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if c.Backoff.InitialInterval > 0 {
		b.InitialInterval = c.Backoff.InitialInterval
	}
	if c.Backoff.MaxInterval > 0 {
		b.MaxInterval = c.Backoff.MaxInterval
	}
	if c.Backoff.Multiplier > 0 {
		b.Multiplier = c.Backoff.Multiplier
	}
	return b
}

// Orchestrator runs a pipeline.
type Orchestrator struct {
	cfg         Config
	source      Source
	transformer Transformer
	sink        Sink
	store       ExecutionStore

	logger     *slog.Logger
	metrics    *instrumentation.Metrics
	now        func() time.Time
	newBackOff func() backoff.BackOff
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

func WithMetrics(metrics *instrumentation.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = metrics }
}

// WithBackOff replaces the retry delay policy. Tests use a zero backoff.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(o *Orchestrator) { o.newBackOff = fn }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator. An invalid config is a ConfigError.
func New(cfg Config, source Source, transformer Transformer, sink Sink, store ExecutionStore, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	o := &Orchestrator{
		cfg:         cfg,
		source:      source,
		transformer: transformer,
		sink:        sink,
		store:       store,
		logger:      slog.Default(),
		now:         time.Now,
		newBackOff:  cfg.newBackOff,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = logging.WithPipeline(o.logger, cfg.PipelineID)
	return o, nil
}
