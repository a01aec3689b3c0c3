/**
 * Batch job handling shared by the queue consumers
 *
 * Resolves the pipeline of a job, runs it over the job's inputs under the
 * processing timeout, and records status and item results.
 */

package queue

import (
	"context"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/adverant/nexus/ocrpipe-worker/internal/batch"
	"github.com/adverant/nexus/ocrpipe-worker/internal/errors"
	"github.com/adverant/nexus/ocrpipe-worker/internal/logging"
	"github.com/adverant/nexus/ocrpipe-worker/internal/native"
	"github.com/adverant/nexus/ocrpipe-worker/internal/pipeline"
	"github.com/adverant/nexus/ocrpipe-worker/internal/storage"
)

// BatchJob is the payload of a batch OCR job. Steps take precedence over
// Preset; with neither the handler's default preset is used.
type BatchJob struct {
	JobID     string                 `json:"jobId"`
	Preset    string                 `json:"preset,omitempty"`
	Steps     []pipeline.StepSpec    `json:"steps,omitempty"`
	Inputs    []string               `json:"inputs"`
	OutputDir string                 `json:"outputDir,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Validate checks the parts of a job that do not depend on the pipeline.
func (j *BatchJob) Validate() error {
	if j.JobID == "" {
		return fmt.Errorf("jobId is required")
	}
	if _, err := uuid.Parse(j.JobID); err != nil {
		return fmt.Errorf("jobId must be a UUID: %w", err)
	}
	if len(j.Inputs) == 0 {
		return fmt.Errorf("job %s has no inputs", j.JobID)
	}
	return nil
}

// JobStore persists job status and item results.
type JobStore interface {
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
	StoreItems(ctx context.Context, jobID string, report *batch.BatchReport) error
}

// Event is published for job state changes and after every batch item.
type Event struct {
	Event     string  `json:"event"`
	JobID     string  `json:"jobId"`
	Index     int     `json:"index,omitempty"`
	Total     int     `json:"total,omitempty"`
	InputID   string  `json:"inputId,omitempty"`
	Percent   float64 `json:"percent,omitempty"`
	Succeeded bool    `json:"succeeded,omitempty"`
	Timestamp string  `json:"timestamp"`
}

// EventFunc receives events for one job.
type EventFunc func(Event)

func newEvent(name, jobID string) Event {
	return Event{Event: name, JobID: jobID, Timestamp: time.Now().Format(time.RFC3339)}
}

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	Library         native.Library
	PipelineWorkers int
	OutputDir       string
	Save            native.SaveOptions
	DefaultPreset   string
	Store           JobStore // optional
	Recorder        batch.Recorder
	// ProcessingTimeout in milliseconds (default: 300000 = 5 minutes)
	ProcessingTimeout int64
	Logger            *logging.Logger
}

// Handler runs batch jobs. It is safe for concurrent use; concurrent jobs
// share the library's session limit, so with a limit of one they run one
// after the other.
type Handler struct {
	cfg      HandlerConfig
	logger   *logging.Logger
	sessions *semaphore.Weighted
}

// ErrInvalidJob marks jobs that will never succeed and must not be retried.
var ErrInvalidJob = stderrors.New("invalid job")

// NewHandler creates a batch job handler
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Library == nil {
		return nil, fmt.Errorf("Library is required")
	}
	if cfg.DefaultPreset == "" {
		cfg.DefaultPreset = "standard"
	}
	if _, err := pipeline.Preset(cfg.DefaultPreset); err != nil {
		return nil, err
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 300000
	}
	return &Handler{
		cfg:      cfg,
		logger:   logging.OrDefault(cfg.Logger, "Queue"),
		sessions: semaphore.NewWeighted(int64(native.MaxSessions(cfg.Library))),
	}, nil
}

// Timeout is the processing timeout applied to every job.
func (h *Handler) Timeout() time.Duration {
	return time.Duration(h.cfg.ProcessingTimeout) * time.Millisecond
}

// Pipeline resolves the pipeline a job asks for.
func (h *Handler) Pipeline(job *BatchJob) (*pipeline.Pipeline, error) {
	if len(job.Steps) > 0 {
		return pipeline.FromSpecs(job.JobID, job.Steps)
	}
	name := job.Preset
	if name == "" {
		name = h.cfg.DefaultPreset
	}
	return pipeline.Preset(name)
}

// Handle runs job to completion, the processing timeout, or the end of ctx.
// The returned error wraps ErrInvalidJob for jobs that cannot run at all.
func (h *Handler) Handle(ctx context.Context, job *BatchJob, onEvent EventFunc) (*batch.BatchReport, error) {
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	log := h.logger.With("job", job.JobID)
	startTime := time.Now()

	if err := job.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	p, err := h.Pipeline(job)
	if err != nil {
		h.updateStatus(ctx, log, &storage.JobUpdate{
			JobID:        job.JobID,
			Status:       "failed",
			Total:        len(job.Inputs),
			ErrorCode:    string(errors.KindOf(err)),
			ErrorMessage: err.Error(),
			Metadata:     job.Metadata,
		})
		onEvent(newEvent("job:failed", job.JobID))
		return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}

	h.updateStatus(ctx, log, &storage.JobUpdate{
		JobID:    job.JobID,
		Status:   "processing",
		Pipeline: p.Name(),
		Steps:    p.StepNames(),
		Total:    len(job.Inputs),
		Metadata: job.Metadata,
	})
	onEvent(newEvent("job:processing", job.JobID))

	outputDir := job.OutputDir
	if outputDir == "" && h.cfg.OutputDir != "" {
		outputDir = filepath.Join(h.cfg.OutputDir, job.JobID)
	}
	runner := batch.NewRunner(h.cfg.Library, batch.Options{
		Workers:   h.cfg.PipelineWorkers,
		OutputDir: outputDir,
		Save:      h.cfg.Save,
		Recorder:  h.cfg.Recorder,
		Logger:    log,
	})

	// Every worker of the batch holds one library session. The timeout starts
	// once the sessions are held.
	slots := int64(runner.Workers())
	if err := h.sessions.Acquire(ctx, slots); err != nil {
		log.Warn("Cancelled while waiting for a library session", "error", err)
	} else {
		defer h.sessions.Release(slots)
	}

	timeout := h.Timeout()
	log.Info("Processing batch", "pipeline", p.String(), "inputs", len(job.Inputs), "timeout", timeout)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	report := runner.Run(runCtx, batch.InputsFromPaths(job.Inputs), p, func(pr batch.Progress) {
		ev := newEvent("job:progress", job.JobID)
		ev.Index, ev.Total, ev.InputID = pr.Index, pr.Total, pr.InputID
		ev.Percent, ev.Succeeded = pr.Percent, pr.Succeeded
		onEvent(ev)
	})
	duration := time.Since(startTime)

	runErr := report.Err
	status := report.Status()
	if report.Cancelled && stderrors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		log.Warn("Processing timed out", "after", duration, "timeout", timeout, "attempted", report.Attempted())
		runErr = errors.NewProcessingTimeoutError(job.JobID, timeout, report.Err)
		status = "failed"
	}

	// Results are stored with the parent context so a timed out batch still
	// records what it attempted.
	storeCtx := context.WithoutCancel(ctx)
	if h.cfg.Store != nil {
		if err := h.cfg.Store.StoreItems(storeCtx, job.JobID, report); err != nil {
			log.Error("Failed to store item results", "error", err)
			if runErr == nil {
				runErr = errors.NewStorageFailedError(job.JobID, err)
				status = "failed"
			}
		}
	}

	update := &storage.JobUpdate{
		JobID:            job.JobID,
		BatchID:          report.BatchID.String(),
		Status:           status,
		Total:            report.Total,
		Succeeded:        report.Succeeded,
		Failed:           report.Failed,
		ProcessingTimeMs: duration.Milliseconds(),
		Metadata: map[string]interface{}{
			"attempted": report.Attempted(),
			"cancelled": report.Cancelled,
			"errors":    report.Errors,
		},
	}
	if runErr != nil {
		update.ErrorCode = string(errors.KindOf(runErr))
		update.ErrorMessage = runErr.Error()
	}
	h.updateStatus(storeCtx, log, update)
	onEvent(newEvent("job:"+status, job.JobID))

	log.Info("Batch job finished", "status", status, "succeeded", report.Succeeded, "failed", report.Failed, "duration", duration)
	return report, runErr
}

func (h *Handler) updateStatus(ctx context.Context, log *logging.Logger, update *storage.JobUpdate) {
	if h.cfg.Store == nil {
		return
	}
	if err := h.cfg.Store.UpdateJobStatus(ctx, update); err != nil {
		log.Warn("Failed to update job status", "status", update.Status, "error", err)
	}
}
