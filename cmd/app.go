package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/teemow/inboxflow/internal/apperrors"
	"github.com/teemow/inboxflow/internal/config"
	"github.com/teemow/inboxflow/internal/gmail"
	"github.com/teemow/inboxflow/internal/google"
	"github.com/teemow/inboxflow/internal/imapsource"
	"github.com/teemow/inboxflow/internal/instrumentation"
	"github.com/teemow/inboxflow/internal/logging"
	"github.com/teemow/inboxflow/internal/notion"
	"github.com/teemow/inboxflow/internal/pipeline"
	"github.com/teemow/inboxflow/internal/store"
	"github.com/teemow/inboxflow/internal/transform"
)

// app carries what every command shares: configuration, the logger and,
// once started, the instrumentation provider.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	provider *instrumentation.Provider
}

// loadApp sets up logging from the global flags and loads configuration.
func loadApp() (*app, error) {
	logger, err := logging.New(os.Stderr, logFormat, logLevel)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger}, nil
}

func (a *app) startInstrumentation(ctx context.Context) error {
	provider, err := instrumentation.NewProvider(ctx, a.cfg.Instrumentation(version))
	if err != nil {
		return apperrors.Config("telemetry", err)
	}
	a.provider = provider
	return nil
}

func (a *app) metrics() *instrumentation.Metrics {
	if a.provider == nil {
		return nil
	}
	return a.provider.Metrics()
}

func (a *app) shutdown(ctx context.Context) {
	if a.provider == nil {
		return
	}
	if err := a.provider.Shutdown(ctx); err != nil {
		a.logger.Warn("instrumentation shutdown failed", logging.Err(err))
	}
}

func (a *app) credentialStore() (google.CredentialStore, error) {
	c := a.cfg.Credentials
	switch c.Backend {
	case config.CredentialsMemory:
		return google.NewMemoryStore(), nil
	case config.CredentialsFile:
		dir := c.Dir
		if dir == "" {
			var err error
			if dir, err = google.DefaultFileStoreDir(); err != nil {
				return nil, err
			}
		}
		key, err := google.KeyFromBase64(c.EncryptionKey)
		if err != nil {
			return nil, apperrors.Config("credentials", err)
		}
		if key == nil {
			return google.NewFileStore(dir), nil
		}
		sealer, err := google.NewSealer(key)
		if err != nil {
			return nil, apperrors.Config("credentials", err)
		}
		return google.NewFileStore(dir, google.WithSealer(sealer)), nil
	default:
		ring, err := google.OpenKeyring(c.ServiceName, c.Dir)
		if err != nil {
			return nil, err
		}
		return google.NewKeyringStore(ring), nil
	}
}

// oauthManager builds the Credential Manager after checking the OAuth
// client settings.
func (a *app) oauthManager() (*google.Manager, error) {
	if err := a.cfg.ValidateAuth(); err != nil {
		return nil, err
	}
	creds, err := a.credentialStore()
	if err != nil {
		return nil, err
	}
	return google.NewManager(a.cfg.OAuth(), creds,
		google.WithLogger(a.logger),
		google.WithMetrics(a.metrics()),
	), nil
}

func (a *app) account() string {
	return a.cfg.Google.Account
}

// messageSource returns the configured source. The Gmail client is also
// returned so callers can watch its circuit breaker; it is nil for IMAP.
func (a *app) messageSource(ctx context.Context, manager *google.Manager) (pipeline.Source, *gmail.Client, error) {
	if a.cfg.Gmail.Source == config.SourceIMAP {
		src := imapsource.New(a.cfg.IMAP(),
			imapsource.WithLogger(a.logger),
			imapsource.WithMetrics(a.metrics()),
		)
		return src, nil, nil
	}

	if manager == nil {
		return nil, nil, errors.New("gmail source requires an OAuth manager")
	}
	client, err := gmail.NewClient(ctx, manager.TokenSource(ctx, a.account()),
		gmail.WithLogger(a.logger),
		gmail.WithMetrics(a.metrics()),
	)
	if err != nil {
		return nil, nil, err
	}
	return client, client, nil
}

func (a *app) executionStore() (store.Store, error) {
	if a.cfg.Store.Driver == config.StoreMemory {
		return store.NewMemoryStore(), nil
	}
	if err := os.MkdirAll(filepath.Dir(a.cfg.Store.Path), 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return store.NewSQLiteStore(a.cfg.Store.Path)
}

// orchestrator wires the transformation stage and the Notion sink around
// src and st.
func (a *app) orchestrator(src pipeline.Source, st store.Store) (*pipeline.Orchestrator, error) {
	completer, err := transform.NewHTTPCompleter(a.cfg.Completion(),
		transform.WithLogger(a.logger),
		transform.WithMetrics(a.metrics()),
	)
	if err != nil {
		return nil, err
	}
	client, err := notion.NewClient(a.cfg.NotionClient(),
		notion.WithLogger(a.logger),
		notion.WithMetrics(a.metrics()),
	)
	if err != nil {
		return nil, err
	}

	return pipeline.New(a.cfg.PipelineRun(), src,
		transform.NewStage(completer, a.logger),
		notion.NewSink(client, a.logger),
		st,
		pipeline.WithLogger(a.logger),
		pipeline.WithMetrics(a.metrics()),
	)
}

// pipelineDeps is everything a batch needs, built once per command.
type pipelineDeps struct {
	manager      *google.Manager
	gmail        *gmail.Client
	store        store.Store
	orchestrator *pipeline.Orchestrator
}

func (d *pipelineDeps) Close() error {
	if d.store == nil {
		return nil
	}
	return d.store.Close()
}

func (a *app) buildPipeline(ctx context.Context) (*pipelineDeps, error) {
	if err := a.cfg.Validate(); err != nil {
		return nil, err
	}

	deps := &pipelineDeps{}
	if a.cfg.Gmail.Source != config.SourceIMAP {
		manager, err := a.oauthManager()
		if err != nil {
			return nil, err
		}
		deps.manager = manager
	}

	src, gmailClient, err := a.messageSource(ctx, deps.manager)
	if err != nil {
		return nil, err
	}
	deps.gmail = gmailClient

	if deps.store, err = a.executionStore(); err != nil {
		return nil, err
	}
	if deps.orchestrator, err = a.orchestrator(src, deps.store); err != nil {
		_ = deps.Close()
		return nil, err
	}
	return deps, nil
}
