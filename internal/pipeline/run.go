package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/teemow/inboxflow/internal/apperrors"
	"github.com/teemow/inboxflow/internal/instrumentation"
	"github.com/teemow/inboxflow/internal/logging"
	"github.com/teemow/inboxflow/internal/model"
	"github.com/teemow/inboxflow/internal/notion"
	"github.com/teemow/inboxflow/internal/store"
)

// resettable sinks drop cached state between runs.
type resettable interface {
	Reset()
}

// Run lists candidates and processes them. Messages already Succeeded are
// skipped. The returned error is set only when the batch itself could not
// complete: a ConfigError or AuthError, a store failure, a listing failure
// or cancellation of ctx. The result is valid in every case.
func (o *Orchestrator) Run(ctx context.Context) (*BatchResult, error) {
	o.resetSink()
	result := &BatchResult{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)

	claimed := make(map[string]bool)
	var listErr error

	for ref, err := range o.source.ListCandidates(gctx, o.cfg.Query, o.cfg.MaxResults) {
		if err != nil {
			listErr = err
			break
		}
		if gctx.Err() != nil {
			break
		}
		if claimed[ref.ID] {
			result.add(outcomeSkipped, ref.ID)
			continue
		}
		claimed[ref.ID] = true

		g.Go(func() error {
			return o.process(gctx, ref, nil, result)
		})
	}

	return o.finish(ctx, g, result, listErr)
}

// Resume re-drives records a previous process left Pending or Retrying.
// Retry waits recorded on the record are honoured.
func (o *Orchestrator) Resume(ctx context.Context) (*BatchResult, error) {
	recs, err := o.store.ListByStatus(ctx, o.cfg.PipelineID, model.StatusPending, model.StatusRetrying)
	if err != nil {
		return nil, fmt.Errorf("listing unfinished executions: %w", err)
	}

	o.resetSink()
	result := &BatchResult{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)

	for _, rec := range recs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return o.process(gctx, model.MessageRef{ID: rec.MessageID}, &rec, result)
		})
	}

	return o.finish(ctx, g, result, nil)
}

func (o *Orchestrator) finish(ctx context.Context, g *errgroup.Group, result *BatchResult, listErr error) (*BatchResult, error) {
	err := g.Wait()
	result.sort()

	o.logger.Info("batch finished",
		slog.Int("succeeded", len(result.Succeeded)),
		slog.Int("failed", len(result.Failed)),
		slog.Int("skipped", len(result.Skipped)),
		slog.Int("interrupted", len(result.Interrupted)))

	switch {
	case err != nil:
		return result, err
	case ctx.Err() != nil:
		return result, ctx.Err()
	case listErr != nil:
		if apperrors.IsFatal(listErr) {
			return result, listErr
		}
		return result, fmt.Errorf("listing candidates: %w", listErr)
	}
	return result, nil
}

func (o *Orchestrator) resetSink() {
	if r, ok := o.sink.(resettable); ok {
		r.Reset()
	}
}

// execution is the in-flight state of one message.
type execution struct {
	rec    *model.ExecutionRecord
	logger *slog.Logger

	// resume is set when the record was Retrying when picked up.
	resume *resumePoint
}

type resumePoint struct {
	stage         model.Stage
	attempts      int
	nextAttemptAt *time.Time
}

// process drives one message through every stage. It returns an error only
// when the whole batch must stop.
func (o *Orchestrator) process(ctx context.Context, ref model.MessageRef, rec *model.ExecutionRecord, result *BatchResult) error {
	if ctx.Err() != nil {
		result.add(outcomeInterrupted, ref.ID)
		return nil
	}

	if rec == nil {
		existing, err := o.store.Get(ctx, o.cfg.PipelineID, ref.ID)
		switch {
		case err == nil:
			rec = existing
		case errors.Is(err, store.ErrNotFound):
		default:
			return fmt.Errorf("loading execution record for %s: %w", ref.ID, err)
		}
	}

	if rec != nil && o.alreadyDone(rec) {
		o.logger.Debug("skipping processed message", logging.MessageID(ref.ID), logging.Status(string(rec.Status)))
		o.metrics.RecordExecution(ctx, o.cfg.PipelineID, outcomeSkipped.String())
		result.add(outcomeSkipped, ref.ID)
		return nil
	}

	if rec != nil && rec.WriteInterrupted() {
		return o.quarantine(ctx, rec, result)
	}

	x := &execution{rec: o.prepareRecord(ref, rec)}
	if rec != nil && rec.Status == model.StatusRetrying {
		x.resume = &resumePoint{stage: rec.Stage, attempts: rec.Attempts, nextAttemptAt: rec.NextAttemptAt}
	}
	x.logger = logging.ForMessage(o.logger, o.cfg.PipelineID, ref.ID).With(logging.ExecutionID(x.rec.ExecutionID))

	ctx, span := instrumentation.StartMessageSpan(ctx, o.cfg.PipelineID, ref.ID, x.rec.ExecutionID)
	err := o.drive(ctx, x, ref)
	instrumentation.EndSpan(span, err)

	var failed *failedError
	switch {
	case err == nil:
		result.add(outcomeSucceeded, ref.ID)
		o.metrics.RecordExecution(ctx, o.cfg.PipelineID, outcomeSucceeded.String())
		return nil
	case errors.As(err, &failed):
		result.add(outcomeFailed, ref.ID)
		o.metrics.RecordExecution(ctx, o.cfg.PipelineID, outcomeFailed.String())
		return nil
	case errors.Is(err, errInterrupted):
		x.logger.Info("message interrupted", logging.Stage(string(x.rec.Stage)))
		result.add(outcomeInterrupted, ref.ID)
		return nil
	default:
		result.add(outcomeInterrupted, ref.ID)
		return err
	}
}

func (o *Orchestrator) alreadyDone(rec *model.ExecutionRecord) bool {
	switch rec.Status {
	case model.StatusSucceeded:
		return true
	case model.StatusFailed:
		return !o.cfg.RetryFailed
	default:
		return false
	}
}

// prepareRecord returns the record to drive: a new one, the existing
// unfinished one, or a reset copy of a Failed one.
func (o *Orchestrator) prepareRecord(ref model.MessageRef, rec *model.ExecutionRecord) *model.ExecutionRecord {
	if rec == nil {
		return &model.ExecutionRecord{
			ExecutionID: uuid.NewString(),
			PipelineID:  o.cfg.PipelineID,
			MessageID:   ref.ID,
			Stage:       model.StagePending,
			Status:      model.StatusPending,
			StartedAt:   o.now(),
		}
	}

	next := *rec
	if next.Status == model.StatusFailed {
		next.Stage = model.StagePending
		next.Status = model.StatusPending
		next.Attempts = 0
		next.Error = ""
		next.FinishedAt = nil
		next.NextAttemptAt = nil
		next.WriteStartedAt = nil
	}
	return &next
}

// quarantine fails a record whose last write never reported back instead
// of writing a possible duplicate. Retrying it is left to RetryFailed.
func (o *Orchestrator) quarantine(ctx context.Context, rec *model.ExecutionRecord, result *BatchResult) error {
	next := *rec
	finished := o.now()
	next.Status = model.StatusFailed
	next.Error = ErrWriteInterrupted.Error()
	next.NextAttemptAt = nil
	next.FinishedAt = &finished

	x := &execution{rec: &next}
	if err := o.save(ctx, x); err != nil {
		return err
	}
	o.logger.Warn("document write was interrupted, reconcile before retrying",
		logging.MessageID(rec.MessageID),
		logging.ExecutionID(rec.ExecutionID),
		slog.Time("write_started_at", *rec.WriteStartedAt))
	o.metrics.RecordExecution(ctx, o.cfg.PipelineID, outcomeFailed.String())
	result.add(outcomeFailed, rec.MessageID)
	return nil
}

// drive runs Fetching, Transforming and Writing in order.
func (o *Orchestrator) drive(ctx context.Context, x *execution, ref model.MessageRef) error {
	var msg *model.NormalizedMessage
	err := o.runStage(ctx, x, model.StageFetching, func(ctx context.Context) error {
		var err error
		msg, err = o.source.FetchAndNormalize(ctx, ref)
		return err
	})
	if err != nil {
		return err
	}
	x.logger.Debug("message fetched",
		logging.UserHash(msg.From),
		slog.String("sender_domain", logging.ExtractDomain(msg.From)))

	var summary model.TransformationResult
	err = o.runStage(ctx, x, model.StageTransforming, func(ctx context.Context) error {
		var err error
		summary, err = o.transformer.Summarize(ctx, msg, o.cfg.PromptTemplate, o.cfg.ModelParams)
		return err
	})
	if err != nil {
		return err
	}

	var doc model.DocumentRef
	err = o.runStage(ctx, x, model.StageWriting, func(ctx context.Context) error {
		var err error
		doc, err = o.write(ctx, x, msg, summary)
		return err
	})
	if err != nil {
		return err
	}

	finished := o.now()
	x.rec.Stage = model.StageDone
	x.rec.Status = model.StatusSucceeded
	x.rec.DocumentID = doc.ID
	x.rec.Error = ""
	x.rec.NextAttemptAt = nil
	x.rec.FinishedAt = &finished
	if err := o.save(ctx, x); err != nil {
		return err
	}

	x.logger.Info("message processed", slog.String("document_id", doc.ID), slog.String("document_url", doc.URL))
	return nil
}

func (o *Orchestrator) write(ctx context.Context, x *execution, msg *model.NormalizedMessage, summary model.TransformationResult) (model.DocumentRef, error) {
	schema, err := o.sink.ResolveSchema(ctx, o.cfg.DatabaseRef)
	if err != nil {
		return model.DocumentRef{}, err
	}

	template := o.cfg.PropertyTemplate
	if len(template) == 0 {
		template = notion.DefaultPropertyTemplate
	}
	doc := o.sink.BuildDocument(o.cfg.DatabaseRef, schema, notion.Bindings(template, msg, summary))

	content := notion.RenderContent(msg, summary)
	if o.cfg.ContentTemplate != "" {
		content = notion.RenderTemplate(o.cfg.ContentTemplate, notion.Variables(msg, summary))
	}
	doc.Blocks = notion.FormatBlocks(content)

	// The sink has no idempotency key, so the marker is persisted before
	// the page is created and cleared once the call returns.
	started := o.now()
	x.rec.WriteStartedAt = &started
	if err := o.save(ctx, x); err != nil {
		x.rec.WriteStartedAt = nil
		return model.DocumentRef{}, err
	}
	ref, err := o.sink.CreateDocument(ctx, doc)
	x.rec.WriteStartedAt = nil
	return ref, err
}

// save persists the record even when ctx is cancelled, so a finished
// stage is never lost.
func (o *Orchestrator) save(ctx context.Context, x *execution) error {
	if err := o.store.Save(context.WithoutCancel(ctx), x.rec); err != nil {
		return fmt.Errorf("saving execution record for %s: %w", x.rec.MessageID, err)
	}
	return nil
}
