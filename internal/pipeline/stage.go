package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/teemow/inboxflow/internal/apperrors"
	"github.com/teemow/inboxflow/internal/instrumentation"
	"github.com/teemow/inboxflow/internal/logging"
	"github.com/teemow/inboxflow/internal/model"
)

// errInterrupted reports that ctx was cancelled at a checkpoint.
var errInterrupted = errors.New("execution interrupted")

// ErrWriteInterrupted is recorded on a message whose document write never
// reported back. A page may exist; check the database before retrying.
var ErrWriteInterrupted = errors.New("document write interrupted, page may already exist")

// failedError reports that the message ended Failed. The record has been
// saved.
type failedError struct {
	err error
}

func (e *failedError) Error() string { return e.err.Error() }
func (e *failedError) Unwrap() error { return e.err }

// runStage calls fn until it succeeds, fails terminally or runs out of
// retries. Every attempt runs to completion under StageTimeout even if ctx
// is cancelled meanwhile; cancellation is checked before each attempt and
// during retry waits.
func (o *Orchestrator) runStage(ctx context.Context, x *execution, stage model.Stage, fn func(context.Context) error) error {
	x.rec.Stage = stage
	x.rec.Attempts = 0

	if x.resume != nil && x.resume.stage == stage {
		x.rec.Attempts = x.resume.attempts
		if at := x.resume.nextAttemptAt; at != nil {
			if err := o.wait(ctx, at.Sub(o.now())); err != nil {
				return errInterrupted
			}
		}
		x.resume = nil
	}

	bo := o.newBackOff()
	logger := x.logger.With(logging.Stage(string(stage)))

	for {
		if ctx.Err() != nil {
			return errInterrupted
		}

		x.rec.Attempts++
		x.rec.Status = model.StatusPending
		x.rec.NextAttemptAt = nil
		if err := o.save(ctx, x); err != nil {
			return err
		}

		err := o.attempt(ctx, x, stage, fn)
		if err == nil {
			x.rec.Error = ""
			return nil
		}

		x.rec.Error = apperrors.Reason(err)

		if apperrors.IsFatal(err) {
			logger.Error("stage failed, aborting batch", logging.Err(err))
			if saveErr := o.save(ctx, x); saveErr != nil {
				logger.Warn("could not record fatal error", logging.Err(saveErr))
			}
			return err
		}

		if !apperrors.IsRetryable(err) || x.rec.Attempts > o.cfg.MaxRetries {
			return o.fail(ctx, x, logger, err)
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			return o.fail(ctx, x, logger, err)
		}

		next := o.now().Add(delay)
		x.rec.Status = model.StatusRetrying
		x.rec.NextAttemptAt = &next
		if err := o.save(ctx, x); err != nil {
			return err
		}
		o.metrics.RecordRetry(ctx, string(stage), string(apperrors.KindOf(err)))
		logger.Warn("stage failed, retrying",
			logging.Attempt(x.rec.Attempts),
			slog.Duration("delay", delay),
			logging.Err(err))

		if err := o.wait(ctx, delay); err != nil {
			return errInterrupted
		}
	}
}

func (o *Orchestrator) attempt(ctx context.Context, x *execution, stage model.Stage, fn func(context.Context) error) error {
	stageCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.StageTimeout)
	defer cancel()

	stageCtx, span := instrumentation.StartStageSpan(stageCtx, string(stage), x.rec.Attempts)
	start := time.Now()

	err := fn(stageCtx)

	instrumentation.EndSpan(span, err)
	o.metrics.RecordStage(ctx, o.cfg.PipelineID, string(stage), instrumentation.StatusFromError(err), time.Since(start))
	return err
}

func (o *Orchestrator) fail(ctx context.Context, x *execution, logger *slog.Logger, err error) error {
	finished := o.now()
	x.rec.Status = model.StatusFailed
	x.rec.NextAttemptAt = nil
	x.rec.FinishedAt = &finished
	if saveErr := o.save(ctx, x); saveErr != nil {
		return saveErr
	}

	logger.Warn("message failed",
		logging.Attempt(x.rec.Attempts),
		slog.String("kind", string(apperrors.KindOf(err))),
		logging.Err(err))
	return &failedError{err: err}
}

func (o *Orchestrator) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
