package notion

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/teemow/inboxflow/internal/model"
)

// SchemaCache holds resolved database schemas for the lifetime of one run.
// Readers run concurrently; each databaseRef is fetched at most once, with
// concurrent misses sharing a single request.
type SchemaCache struct {
	mu      sync.RWMutex
	schemas map[string]model.PropertySchema
	group   singleflight.Group
}

// NewSchemaCache creates an empty cache.
func NewSchemaCache() *SchemaCache {
	return &SchemaCache{schemas: make(map[string]model.PropertySchema)}
}

// Get returns the schema for databaseRef, calling fetch on a miss.
// Failed fetches are not cached.
func (c *SchemaCache) Get(ctx context.Context, databaseRef string, fetch func(context.Context, string) (model.PropertySchema, error)) (model.PropertySchema, error) {
	c.mu.RLock()
	schema, ok := c.schemas[databaseRef]
	c.mu.RUnlock()
	if ok {
		return schema, nil
	}

	v, err, _ := c.group.Do(databaseRef, func() (interface{}, error) {
		c.mu.RLock()
		schema, ok := c.schemas[databaseRef]
		c.mu.RUnlock()
		if ok {
			return schema, nil
		}

		schema, err := fetch(ctx, databaseRef)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.schemas[databaseRef] = schema
		c.mu.Unlock()
		return schema, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(model.PropertySchema), nil
}

// Clear drops every cached schema.
func (c *SchemaCache) Clear() {
	c.mu.Lock()
	c.schemas = make(map[string]model.PropertySchema)
	c.mu.Unlock()
}

// Sink is the document store side of the pipeline.
type Sink struct {
	client *Client
	cache  *SchemaCache
	logger *slog.Logger
}

// NewSink creates a sink with a fresh schema cache.
func NewSink(client *Client, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{client: client, cache: NewSchemaCache(), logger: logger}
}

// ResolveSchema returns the cached schema of databaseRef.
func (s *Sink) ResolveSchema(ctx context.Context, databaseRef string) (model.PropertySchema, error) {
	return s.cache.Get(ctx, databaseRef, s.client.RetrieveDatabase)
}

// BuildDocument is BuildDocument logging to the sink's logger.
func (s *Sink) BuildDocument(databaseRef string, schema model.PropertySchema, bindings map[string]any) model.SinkDocument {
	return buildDocument(s.logger, databaseRef, schema, bindings)
}

// CreateDocument writes doc as a new page.
func (s *Sink) CreateDocument(ctx context.Context, doc model.SinkDocument) (model.DocumentRef, error) {
	return s.client.CreatePage(ctx, doc)
}

// Reset drops cached schemas. Called at the start of each run.
func (s *Sink) Reset() {
	s.cache.Clear()
}
