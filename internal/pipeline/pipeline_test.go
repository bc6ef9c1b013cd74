package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/inboxflow/internal/apperrors"
	"github.com/teemow/inboxflow/internal/model"
	"github.com/teemow/inboxflow/internal/notion"
	"github.com/teemow/inboxflow/internal/store"
	"github.com/teemow/inboxflow/internal/transform"
)

// events records stage calls in order across fakes.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(format string, args ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, fmt.Sprintf(format, args...))
}

func (e *events) indexOf(entry string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, v := range e.log {
		if v == entry {
			return i
		}
	}
	return -1
}

// errorQueue hands out queued errors per key, then nil.
type errorQueue struct {
	mu   sync.Mutex
	errs map[string][]error
	def  map[string]error
}

func newErrorQueue() *errorQueue {
	return &errorQueue{errs: map[string][]error{}, def: map[string]error{}}
}

func (q *errorQueue) push(key string, errs ...error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.errs[key] = append(q.errs[key], errs...)
}

func (q *errorQueue) always(key string, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.def[key] = err
}

func (q *errorQueue) next(key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if queued := q.errs[key]; len(queued) > 0 {
		q.errs[key] = queued[1:]
		return queued[0]
	}
	return q.def[key]
}

type fakeSource struct {
	refs     []model.MessageRef
	messages map[string]*model.NormalizedMessage
	listErr  error
	errs     *errorQueue
	ev       *events
	calls    atomic.Int32
}

func (s *fakeSource) ListCandidates(ctx context.Context, _ string, _ int) iter.Seq2[model.MessageRef, error] {
	return func(yield func(model.MessageRef, error) bool) {
		for _, ref := range s.refs {
			if !yield(ref, nil) {
				return
			}
		}
		if s.listErr != nil {
			yield(model.MessageRef{}, s.listErr)
		}
	}
}

func (s *fakeSource) FetchAndNormalize(_ context.Context, ref model.MessageRef) (*model.NormalizedMessage, error) {
	s.calls.Add(1)
	s.ev.add("fetch:%s", ref.ID)
	if err := s.errs.next(ref.ID); err != nil {
		return nil, err
	}
	return s.messages[ref.ID], nil
}

type fakeTransformer struct {
	errs  *errorQueue
	ev    *events
	calls atomic.Int32
	hook  func(ctx context.Context, msg *model.NormalizedMessage) error

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (t *fakeTransformer) Summarize(ctx context.Context, msg *model.NormalizedMessage, _ string, _ transform.ModelParams) (model.TransformationResult, error) {
	t.calls.Add(1)
	n := t.inFlight.Add(1)
	defer t.inFlight.Add(-1)
	for {
		cur := t.maxInFlight.Load()
		if n <= cur || t.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	t.ev.add("transform:%s", msg.ID)
	if t.hook != nil {
		if err := t.hook(ctx, msg); err != nil {
			return model.TransformationResult{}, err
		}
	}
	if err := t.errs.next(msg.ID); err != nil {
		return model.TransformationResult{}, err
	}
	return transform.ParseResult(fmt.Sprintf(`{"summary":"%s is due Friday","actionItems":["Pay"],"priority":"High","tags":["finance"]}`, msg.Subject)), nil
}

type fakeSink struct {
	schema model.PropertySchema
	errs   *errorQueue
	ev     *events

	mu    sync.Mutex
	docs  []model.SinkDocument
	calls atomic.Int32
}

func (s *fakeSink) ResolveSchema(context.Context, string) (model.PropertySchema, error) {
	return s.schema, nil
}

func (s *fakeSink) BuildDocument(ref string, schema model.PropertySchema, bindings map[string]any) model.SinkDocument {
	return notion.BuildDocument(ref, schema, bindings)
}

func (s *fakeSink) CreateDocument(_ context.Context, doc model.SinkDocument) (model.DocumentRef, error) {
	s.calls.Add(1)
	id := doc.Properties["Message"].Text
	s.ev.add("write:%s", id)
	if err := s.errs.next(id); err != nil {
		return model.DocumentRef{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = append(s.docs, doc)
	return model.DocumentRef{ID: "page-" + id}, nil
}

func (s *fakeSink) documents() []model.SinkDocument {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.SinkDocument(nil), s.docs...)
}

type harness struct {
	source      *fakeSource
	transformer *fakeTransformer
	sink        *fakeSink
	store       *store.MemoryStore
	ev          *events
	cfg         Config
}

func newHarness(ids ...string) *harness {
	ev := &events{}
	h := &harness{
		source:      &fakeSource{messages: map[string]*model.NormalizedMessage{}, errs: newErrorQueue(), ev: ev},
		transformer: &fakeTransformer{errs: newErrorQueue(), ev: ev},
		sink: &fakeSink{
			schema: model.PropertySchema{
				"Name":    model.PropertyTitle,
				"Message": model.PropertyRichText,
				"Tags":    model.PropertyMultiSelect,
			},
			errs: newErrorQueue(),
			ev:   ev,
		},
		store: store.NewMemoryStore(),
		ev:    ev,
		cfg: Config{
			PipelineID:  "gmail-to-notion",
			Query:       "is:unread",
			DatabaseRef: "db1",
			Concurrency: 4,
			MaxRetries:  2,
			PropertyTemplate: map[string]string{
				"Name":    "{{subject}}",
				"Message": "{{message_id}}",
				"Tags":    "{{tags}}",
			},
		},
	}
	for _, id := range ids {
		h.addMessage(id, "Subject "+id)
	}
	return h
}

func (h *harness) addMessage(id, subject string) {
	h.source.refs = append(h.source.refs, model.MessageRef{ID: id, ThreadID: "t-" + id})
	h.source.messages[id] = &model.NormalizedMessage{
		ID:       id,
		ThreadID: "t-" + id,
		Subject:  subject,
		From:     "a@b.com",
		BodyText: "body of " + id,
	}
}

func (h *harness) orchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := New(h.cfg, h.source, h.transformer, h.sink, h.store,
		WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }))
	require.NoError(t, err)
	return o
}

func (h *harness) record(t *testing.T, id string) *model.ExecutionRecord {
	t.Helper()
	rec, err := h.store.Get(context.Background(), h.cfg.PipelineID, id)
	require.NoError(t, err)
	return rec
}

func TestNew_InvalidConfig(t *testing.T) {
	h := newHarness()
	h.cfg.DatabaseRef = ""

	_, err := New(h.cfg, h.source, h.transformer, h.sink, h.store)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindConfig))
}

func TestRun_InvoiceScenario(t *testing.T) {
	h := newHarness()
	h.addMessage("m1", "Invoice #42")

	result, err := h.orchestrator(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, result.Succeeded)

	docs := h.sink.documents()
	require.Len(t, docs, 1)
	assert.Equal(t, "Invoice #42", docs[0].Properties["Name"].Text)
	assert.Equal(t, []string{"finance"}, docs[0].Properties["Tags"].Options)
	assert.Contains(t, docs[0].Blocks, model.ContentBlock{Type: model.BlockParagraph, Text: "Invoice #42 is due Friday"})

	rec := h.record(t, "m1")
	assert.Equal(t, model.StatusSucceeded, rec.Status)
	assert.Equal(t, model.StageDone, rec.Stage)
	assert.Equal(t, "page-m1", rec.DocumentID)
	assert.NotEmpty(t, rec.ExecutionID)
	assert.NotNil(t, rec.FinishedAt)
}

func TestRun_Idempotent(t *testing.T) {
	h := newHarness("m1", "m2")
	o := h.orchestrator(t)

	first, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, first.Succeeded)

	second, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, second.Succeeded)
	assert.Equal(t, []string{"m1", "m2"}, second.Skipped)

	assert.Len(t, h.sink.documents(), 2)
	assert.Equal(t, int32(2), h.source.calls.Load())
}

func TestRun_DuplicateWithinBatch(t *testing.T) {
	h := newHarness("m1")
	h.source.refs = append(h.source.refs, model.MessageRef{ID: "m1"})

	result, err := h.orchestrator(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, result.Succeeded)
	assert.Equal(t, []string{"m1"}, result.Skipped)
	assert.Len(t, h.sink.documents(), 1)
}

func TestRun_PermissionDeniedFailsWithoutRetry(t *testing.T) {
	h := newHarness("m1")
	h.sink.errs.always("m1", apperrors.Sink("notion.create", 403, errors.New("restricted_resource")))

	result, err := h.orchestrator(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, result.Failed)
	assert.Equal(t, int32(1), h.sink.calls.Load())

	rec := h.record(t, "m1")
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Equal(t, model.StageWriting, rec.Stage)
	assert.Equal(t, 1, rec.Attempts)
	assert.Contains(t, rec.Error, "403")
	assert.Nil(t, rec.NextAttemptAt)
}

func TestRun_TransientSinkErrorRetried(t *testing.T) {
	h := newHarness("m1")
	h.sink.errs.push("m1",
		apperrors.Sink("notion.create", 503, errors.New("unavailable")),
		apperrors.Sink("notion.create", 429, errors.New("rate limited")),
	)

	result, err := h.orchestrator(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, result.Succeeded)
	assert.Equal(t, int32(3), h.sink.calls.Load())
	assert.Equal(t, int32(1), h.transformer.calls.Load())

	rec := h.record(t, "m1")
	assert.Equal(t, model.StatusSucceeded, rec.Status)
	assert.Empty(t, rec.Error)
}

func TestRun_TransformRetriesExhausted(t *testing.T) {
	h := newHarness("m1")
	h.transformer.errs.always("m1", apperrors.Transform("transform.complete", 500, errors.New("boom")))

	result, err := h.orchestrator(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, result.Failed)
	assert.Equal(t, int32(3), h.transformer.calls.Load())
	assert.Zero(t, h.sink.calls.Load())

	rec := h.record(t, "m1")
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Equal(t, model.StageTransforming, rec.Stage)
	assert.Equal(t, 3, rec.Attempts)
	assert.Contains(t, rec.Error, "TransformError")
}

func TestRun_NoRetriesWhenDisabled(t *testing.T) {
	h := newHarness("m1")
	h.cfg.MaxRetries = -1
	h.transformer.errs.always("m1", apperrors.Transform("transform.complete", 500, errors.New("boom")))

	_, err := h.orchestrator(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), h.transformer.calls.Load())
}

func TestRun_FailureDoesNotAbortSiblings(t *testing.T) {
	h := newHarness("m1", "m2", "m3")
	h.source.errs.always("m2", errors.New("message not found"))

	result, err := h.orchestrator(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m3"}, result.Succeeded)
	assert.Equal(t, []string{"m2"}, result.Failed)
	assert.Equal(t, model.StageFetching, h.record(t, "m2").Stage)
}

func TestRun_AuthErrorAbortsBatch(t *testing.T) {
	h := newHarness("m1", "m2", "m3")
	h.cfg.Concurrency = 1
	h.source.errs.always("m1", apperrors.Auth("gmail.get", errors.New("invalid_grant")))

	result, err := h.orchestrator(t).Run(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindAuth))
	assert.Empty(t, result.Succeeded)
	assert.Empty(t, h.sink.documents())

	rec := h.record(t, "m1")
	assert.False(t, rec.Terminal())
	assert.Contains(t, rec.Error, "reconnect")
}

func TestRun_ListError(t *testing.T) {
	h := newHarness("m1")
	h.source.listErr = apperrors.Transient(errors.New("503 backend error"))

	result, err := h.orchestrator(t).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listing candidates")
	assert.Equal(t, []string{"m1"}, result.Succeeded)
}

func TestRun_StrictStageOrderAndBoundedParallelism(t *testing.T) {
	ids := []string{"m1", "m2", "m3", "m4", "m5", "m6"}
	h := newHarness(ids...)
	h.cfg.Concurrency = 2
	h.transformer.hook = func(context.Context, *model.NormalizedMessage) error {
		time.Sleep(10 * time.Millisecond)
		return nil
	}

	result, err := h.orchestrator(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ids, result.Succeeded)
	assert.LessOrEqual(t, h.transformer.maxInFlight.Load(), int32(2))

	for _, id := range ids {
		fetch := h.ev.indexOf("fetch:" + id)
		tr := h.ev.indexOf("transform:" + id)
		write := h.ev.indexOf("write:" + id)
		require.True(t, fetch >= 0 && tr >= 0 && write >= 0, id)
		assert.Less(t, fetch, tr, id)
		assert.Less(t, tr, write, id)
	}
}

func TestRun_StageTimeout(t *testing.T) {
	h := newHarness("m1")
	h.cfg.StageTimeout = 20 * time.Millisecond
	h.cfg.MaxRetries = -1
	h.transformer.hook = func(ctx context.Context, _ *model.NormalizedMessage) error {
		<-ctx.Done()
		return ctx.Err()
	}

	result, err := h.orchestrator(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, result.Failed)
	assert.Contains(t, h.record(t, "m1").Error, "deadline exceeded")
}

func TestRun_CancellationCompletesStage(t *testing.T) {
	h := newHarness("m1")
	h.cfg.Concurrency = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.transformer.hook = func(stageCtx context.Context, _ *model.NormalizedMessage) error {
		cancel()
		if stageCtx.Err() != nil {
			return errors.New("stage context was cancelled with the batch")
		}
		return nil
	}

	o := h.orchestrator(t)
	result, err := o.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"m1"}, result.Interrupted)
	assert.Empty(t, h.sink.documents())

	rec := h.record(t, "m1")
	assert.False(t, rec.Terminal())
	assert.Equal(t, model.StageTransforming, rec.Stage)
	assert.Empty(t, rec.Error)

	h.transformer.hook = nil
	resumed, err := o.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, resumed.Succeeded)
	assert.Len(t, h.sink.documents(), 1)
}

func TestResume_ContinuesRetryingRecord(t *testing.T) {
	h := newHarness("m1")
	past := time.Now().Add(-time.Second)
	require.NoError(t, h.store.Save(context.Background(), &model.ExecutionRecord{
		ExecutionID:   "exec-1",
		PipelineID:    h.cfg.PipelineID,
		MessageID:     "m1",
		Stage:         model.StageWriting,
		Status:        model.StatusRetrying,
		Attempts:      2,
		Error:         "SinkError (status 503)",
		StartedAt:     past,
		NextAttemptAt: &past,
	}))
	h.sink.errs.push("m1", apperrors.Sink("notion.create", 503, errors.New("still down")))

	result, err := h.orchestrator(t).Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, result.Failed)

	rec := h.record(t, "m1")
	assert.Equal(t, "exec-1", rec.ExecutionID)
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Equal(t, 3, rec.Attempts)
	assert.Equal(t, int32(1), h.sink.calls.Load())
}

func TestResume_IgnoresTerminalRecords(t *testing.T) {
	h := newHarness("m1")
	now := time.Now()
	require.NoError(t, h.store.Save(context.Background(), &model.ExecutionRecord{
		ExecutionID: "exec-1", PipelineID: h.cfg.PipelineID, MessageID: "m1",
		Stage: model.StageDone, Status: model.StatusSucceeded, StartedAt: now, FinishedAt: &now,
	}))

	result, err := h.orchestrator(t).Resume(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Total())
	assert.Zero(t, h.source.calls.Load())
}

func TestRun_RetryFailed(t *testing.T) {
	h := newHarness("m1")
	h.sink.errs.push("m1", apperrors.Sink("notion.create", 400, errors.New("validation_error")))

	o := h.orchestrator(t)
	first, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, first.Failed)

	second, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, second.Skipped)

	h.cfg.RetryFailed = true
	third, err := h.orchestrator(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, third.Succeeded)
	assert.Equal(t, model.StatusSucceeded, h.record(t, "m1").Status)
}

func TestResume_InterruptedWriteIsNotRepeated(t *testing.T) {
	h := newHarness("m1")
	past := time.Now().Add(-time.Minute)
	require.NoError(t, h.store.Save(context.Background(), &model.ExecutionRecord{
		ExecutionID:    "exec-1",
		PipelineID:     h.cfg.PipelineID,
		MessageID:      "m1",
		Stage:          model.StageWriting,
		Status:         model.StatusPending,
		Attempts:       1,
		StartedAt:      past,
		WriteStartedAt: &past,
	}))

	o := h.orchestrator(t)
	result, err := o.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, result.Failed)
	assert.Zero(t, h.sink.calls.Load())

	rec := h.record(t, "m1")
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Equal(t, ErrWriteInterrupted.Error(), rec.Error)
	assert.NotNil(t, rec.FinishedAt)

	again, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, again.Skipped)
	assert.Zero(t, h.sink.calls.Load())

	h.cfg.RetryFailed = true
	retried, err := h.orchestrator(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, retried.Succeeded)
	assert.Equal(t, int32(1), h.sink.calls.Load())
	assert.Nil(t, h.record(t, "m1").WriteStartedAt)
}

func TestRun_WriteMarkerClearedAfterWrite(t *testing.T) {
	h := newHarness("m1", "m2")
	h.sink.errs.push("m2", apperrors.Sink("notion.create", 400, errors.New("validation_error")))

	_, err := h.orchestrator(t).Run(context.Background())
	require.NoError(t, err)

	assert.Nil(t, h.record(t, "m1").WriteStartedAt)
	assert.Equal(t, model.StatusSucceeded, h.record(t, "m1").Status)
	assert.Nil(t, h.record(t, "m2").WriteStartedAt)
	assert.Equal(t, model.StatusFailed, h.record(t, "m2").Status)
}
