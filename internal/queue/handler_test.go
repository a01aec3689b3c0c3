package queue

import (
	"context"
	stderrors "errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/adverant/nexus/ocrpipe-worker/internal/batch"
	"github.com/adverant/nexus/ocrpipe-worker/internal/errors"
	"github.com/adverant/nexus/ocrpipe-worker/internal/logging"
	"github.com/adverant/nexus/ocrpipe-worker/internal/native/nativetest"
	"github.com/adverant/nexus/ocrpipe-worker/internal/pipeline"
	"github.com/adverant/nexus/ocrpipe-worker/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memoryStore struct {
	mu        sync.Mutex
	updates   []storage.JobUpdate
	items     map[string]*batch.BatchReport
	failItems error
}

func (s *memoryStore) UpdateJobStatus(_ context.Context, u *storage.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, *u)
	return nil
}

func (s *memoryStore) StoreItems(_ context.Context, jobID string, report *batch.BatchReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failItems != nil {
		return s.failItems
	}
	if s.items == nil {
		s.items = make(map[string]*batch.BatchReport)
	}
	s.items[jobID] = report
	return nil
}

func (s *memoryStore) statuses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.updates))
	for i, u := range s.updates {
		out[i] = u.Status
	}
	return out
}

func (s *memoryStore) last() storage.JobUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates[len(s.updates)-1]
}

func newHandler(t *testing.T, lib *nativetest.Library, store JobStore, timeoutMs int64) *Handler {
	t.Helper()
	h, err := NewHandler(HandlerConfig{
		Library:           lib,
		OutputDir:         "out",
		Store:             store,
		ProcessingTimeout: timeoutMs,
		Logger:            logging.NewLoggerTo(io.Discard, "Queue"),
	})
	require.NoError(t, err)
	return h
}

func newJob(inputs ...string) *BatchJob {
	return &BatchJob{JobID: uuid.New().String(), Inputs: inputs}
}

func TestHandleRunsDefaultPreset(t *testing.T) {
	lib := nativetest.New().FailPath("b.png", -30)
	store := &memoryStore{}
	h := newHandler(t, lib, store, 0)
	job := newJob("a.png", "b.png", "c.png")

	var events []Event
	report, err := h.Handle(context.Background(), job, func(ev Event) { events = append(events, ev) })

	require.NoError(t, err)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 0, lib.Live())
	assert.Equal(t, []string{"out/" + job.JobID + "/a.png", "out/" + job.JobID + "/c.png"}, lib.Saves())

	assert.Equal(t, []string{"processing", "completed"}, store.statuses())
	first := store.updates[0]
	assert.Equal(t, "standard", first.Pipeline)
	assert.Equal(t, []string{"skew-correct", "binarize", "noise-reduce"}, first.Steps)
	final := store.last()
	assert.Equal(t, 2, final.Succeeded)
	assert.Equal(t, 1, final.Failed)
	assert.Empty(t, final.ErrorCode)
	assert.Same(t, report, store.items[job.JobID])

	names := make([]string, len(events))
	for i, ev := range events {
		names[i] = ev.Event
	}
	assert.Equal(t, []string{"job:processing", "job:progress", "job:progress", "job:progress", "job:completed"}, names)
	assert.Equal(t, "b", events[2].InputID)
	assert.False(t, events[2].Succeeded)
	assert.Equal(t, 100.0, events[3].Percent)
}

func TestHandleUsesJobSteps(t *testing.T) {
	lib := nativetest.New()
	h := newHandler(t, lib, nil, 0)
	job := newJob("a.png")
	job.Steps = []pipeline.StepSpec{{Op: "binarize"}}
	job.OutputDir = "custom"

	report, err := h.Handle(context.Background(), job, nil)
	require.NoError(t, err)
	assert.Equal(t, job.JobID, report.Pipeline)
	assert.Equal(t, []string{"custom/a.png"}, lib.Saves())
}

func TestHandleRejectsInvalidJobs(t *testing.T) {
	store := &memoryStore{}
	h := newHandler(t, nativetest.New(), store, 0)

	_, err := h.Handle(context.Background(), &BatchJob{JobID: "not-a-uuid", Inputs: []string{"a.png"}}, nil)
	assert.ErrorIs(t, err, ErrInvalidJob)

	_, err = h.Handle(context.Background(), newJob(), nil)
	assert.ErrorIs(t, err, ErrInvalidJob)
	assert.Empty(t, store.updates, "jobs without identity are not recorded")

	job := newJob("a.png")
	job.Steps = []pipeline.StepSpec{{Op: "binarize", Method: "fixed"}}
	_, err = h.Handle(context.Background(), job, nil)
	assert.ErrorIs(t, err, ErrInvalidJob)
	assert.Equal(t, "failed", store.last().Status)
	assert.Equal(t, string(errors.KindInvalidParameters), store.last().ErrorCode)

	job = newJob("a.png")
	job.Preset = "ultra"
	_, err = h.Handle(context.Background(), job, nil)
	assert.ErrorIs(t, err, ErrInvalidJob)
}

func TestHandleTimeout(t *testing.T) {
	lib := nativetest.New()
	lib.FailCall = func(nativetest.Call, string) (int32, bool) {
		time.Sleep(20 * time.Millisecond)
		return 0, false
	}
	store := &memoryStore{}
	h := newHandler(t, lib, store, 5)

	report, err := h.Handle(context.Background(), newJob("a.png", "b.png", "c.png"), nil)

	require.Error(t, err)
	assert.Equal(t, errors.KindProcessingTimeout, errors.KindOf(err))
	assert.True(t, report.Cancelled)
	assert.Less(t, report.Attempted(), 3)
	assert.Equal(t, 0, lib.Live())
	assert.Equal(t, "failed", store.last().Status)
	assert.Equal(t, string(errors.KindProcessingTimeout), store.last().ErrorCode)
}

func TestHandleParentCancelIsNotTimeout(t *testing.T) {
	h := newHandler(t, nativetest.New(), nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := h.Handle(ctx, newJob("a.png"), nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindCancelled, errors.KindOf(err))
	assert.Equal(t, "cancelled", report.Status())
}

func TestHandleStorageFailure(t *testing.T) {
	store := &memoryStore{failItems: stderrors.New("connection refused")}
	h := newHandler(t, nativetest.New(), store, 0)

	_, err := h.Handle(context.Background(), newJob("a.png"), nil)
	assert.Equal(t, errors.KindStorageFailed, errors.KindOf(err))
	assert.Equal(t, "failed", store.last().Status)
}

func TestConcurrentJobsShareSessionLimit(t *testing.T) {
	lib := nativetest.New()
	var inflight, peak atomic.Int32
	lib.FailCall = func(nativetest.Call, string) (int32, bool) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inflight.Add(-1)
		return 0, false
	}
	h := newHandler(t, lib, nil, 0)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.Handle(context.Background(), newJob("a.png", "b.png"), nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load(), "at most one native call in flight with a session limit of one")
	assert.Len(t, lib.Saves(), 4)
	assert.Equal(t, 0, lib.Live())
}

func TestConcurrentJobsUseLargerSessionLimit(t *testing.T) {
	lib := nativetest.New()
	lib.Sessions = 2
	release := make(chan struct{})
	var started atomic.Int32
	lib.FailCall = func(nativetest.Call, string) (int32, bool) {
		if started.Add(1) == 2 {
			close(release)
		}
		<-release
		return 0, false
	}
	h := newHandler(t, lib, nil, 0)
	job := func() *BatchJob {
		j := newJob("a.png")
		j.Preset = "fast"
		return j
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.Handle(context.Background(), job(), nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(2), started.Load())
}

func TestHandleCancelledWhileWaitingForSession(t *testing.T) {
	lib := nativetest.New()
	h := newHandler(t, lib, nil, 0)
	require.NoError(t, h.sessions.Acquire(context.Background(), 1))
	defer h.sessions.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	report, err := h.Handle(ctx, newJob("a.png"), nil)

	require.Error(t, err)
	assert.Equal(t, errors.KindCancelled, errors.KindOf(err))
	assert.Equal(t, 0, report.Attempted())
	assert.Empty(t, lib.Calls())
}

func TestAsynqHandlerRetryPolicy(t *testing.T) {
	lib := nativetest.New()
	c := &Consumer{
		handler: newHandler(t, lib, nil, 0),
		config:  &ConsumerConfig{QueueName: "ocrpipe:test"},
		logger:  logging.Discard(),
	}

	err := c.handleProcessBatch(context.Background(), asynq.NewTask(TaskTypeProcessBatch, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	task, err := NewProcessBatchTask(newJob("a.png"), "ocrpipe:test")
	require.NoError(t, err)
	assert.Equal(t, TaskTypeProcessBatch, task.Type())
	assert.NoError(t, c.handleProcessBatch(context.Background(), task))
	assert.Len(t, lib.Saves(), 1)

	bad := newJob("a.png")
	bad.Preset = "ultra"
	task, err = NewProcessBatchTask(bad, "ocrpipe:test")
	require.NoError(t, err)
	assert.ErrorIs(t, c.handleProcessBatch(context.Background(), task), asynq.SkipRetry)

	_, err = NewProcessBatchTask(&BatchJob{}, "ocrpipe:test")
	assert.Error(t, err)
}

func TestRetryDelayBackoff(t *testing.T) {
	assert.Equal(t, 5*time.Second, retryDelay(0, nil, nil))
	assert.Equal(t, 20*time.Second, retryDelay(2, nil, nil))
	assert.Equal(t, 60*time.Second, retryDelay(6, nil, nil))
}
