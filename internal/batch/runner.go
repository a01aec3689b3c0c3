// Package batch runs one pipeline over many inputs, in input order, with
// cooperative cancellation between items.
package batch

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/adverant/nexus/ocrpipe-worker/internal/errors"
	"github.com/adverant/nexus/ocrpipe-worker/internal/logging"
	"github.com/adverant/nexus/ocrpipe-worker/internal/native"
	"github.com/adverant/nexus/ocrpipe-worker/internal/pipeline"
)

// Input is one image to process. ID names the item in reports and output
// files; Path is handed to the library.
type Input struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

// InputsFromPaths derives IDs from file names. Duplicate names get a numeric
// suffix so output files never collide.
func InputsFromPaths(paths []string) []Input {
	seen := make(map[string]int)
	inputs := make([]Input, len(paths))
	for i, p := range paths {
		id := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
		seen[id]++
		if n := seen[id]; n > 1 {
			id = fmt.Sprintf("%s-%d", id, n)
		}
		inputs[i] = Input{ID: id, Path: p}
	}
	return inputs
}

// Progress is reported after every item, in input order.
type Progress struct {
	Index     int     `json:"index"`
	Total     int     `json:"total"`
	InputID   string  `json:"inputId"`
	Percent   float64 `json:"percent"`
	Succeeded bool    `json:"succeeded"`
}

// ProgressFunc receives progress updates on the control goroutine.
type ProgressFunc func(Progress)

// Recorder observes item and batch outcomes, e.g. for metrics.
type Recorder interface {
	ItemCompleted(succeeded bool, duration time.Duration)
	BatchCompleted(report *BatchReport)
}

// Options configures a Runner.
type Options struct {
	// Workers is the number of items processed concurrently. It is clamped
	// to the library's session limit; zero means one.
	Workers int
	// OutputDir receives <id><ext> for every successful item. When empty the
	// final images are extracted into memory instead.
	OutputDir string
	Save      native.SaveOptions
	Recorder  Recorder
	Logger    *logging.Logger
}

// Runner executes batches. A Runner may run several batches one after the
// other; concurrent Run calls share the library and need a session limit
// that allows it.
type Runner struct {
	exec     *pipeline.Executor
	workers  int
	opts     Options
	logger   *logging.Logger
	recorder Recorder
}

// NewRunner creates a runner over lib.
func NewRunner(lib native.Library, opts Options) *Runner {
	logger := logging.OrDefault(opts.Logger, "Batch")
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	if limit := native.MaxSessions(lib); workers > limit {
		logger.Warn("Clamping workers to library session limit", "requested", workers, "limit", limit)
		workers = limit
	}
	if opts.Save.Format == "" {
		opts.Save.Format = native.FormatPNG
	}
	return &Runner{
		exec:     pipeline.NewExecutor(lib, logger),
		workers:  workers,
		opts:     opts,
		logger:   logger,
		recorder: opts.Recorder,
	}
}

// Workers returns the effective concurrency.
func (r *Runner) Workers() int { return r.workers }

// OutputPath is where the final image of input goes, or "" when images are
// kept in memory.
func (r *Runner) OutputPath(in Input) string {
	if r.opts.OutputDir == "" {
		return ""
	}
	return filepath.Join(r.opts.OutputDir, in.ID+r.opts.Save.Format.Extension())
}

type job struct {
	index int
	input Input
}

type done struct {
	index int
	item  ItemResult
}

// Run processes inputs in order. Cancellation of ctx is checked before each
// item is started; items already running finish and free their handles, and
// the report then covers exactly the attempted items. A failing or panicking
// item is recorded and the batch continues.
func (r *Runner) Run(ctx context.Context, inputs []Input, p *pipeline.Pipeline, onProgress ProgressFunc) *BatchReport {
	report := newReport(p, len(inputs))
	log := r.logger.With("batch", report.BatchID.String())
	defer func() {
		report.EndedAt = time.Now()
		if r.recorder != nil {
			r.recorder.BatchCompleted(report)
		}
	}()

	if p == nil {
		report.Err = errors.NewInvalidPipelineError("no pipeline given")
		return report
	}
	if r.opts.OutputDir != "" {
		if err := r.opts.Save.Validate(); err != nil {
			report.Err = errors.NewInvalidParametersError("save", err.Error())
			return report
		}
	}
	log.Info("Starting batch", "pipeline", p.String(), "items", len(inputs), "workers", r.workers)

	jobs := make(chan job)
	results := make(chan done, r.workers)
	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				results <- done{index: j.index, item: r.runItem(j.input, p)}
			}
		}()
	}
	defer func() {
		close(jobs)
		wg.Wait()
	}()

	pending := make(map[int]ItemResult)
	dispatched, inflight, next := 0, 0, 0
	for next < len(inputs) {
		for !report.Cancelled && dispatched < len(inputs) && inflight < r.workers {
			if err := ctx.Err(); err != nil {
				report.Cancelled = true
				log.Warn("Batch cancelled", "attempted", dispatched, "total", len(inputs), "reason", err)
				break
			}
			jobs <- job{index: dispatched, input: inputs[dispatched]}
			dispatched++
			inflight++
		}
		if inflight == 0 {
			break
		}

		d := <-results
		inflight--
		pending[d.index] = d.item
		for {
			item, ready := pending[next]
			if !ready {
				break
			}
			delete(pending, next)
			report.record(next, item)
			notify(log, onProgress, Progress{
				Index:     next,
				Total:     len(inputs),
				InputID:   item.InputID,
				Percent:   float64(next+1) * 100 / float64(len(inputs)),
				Succeeded: item.Err == nil,
			})
			next++
		}
	}
	if report.Cancelled {
		report.Err = errors.NewCancelledError(report.Attempted(), len(inputs), ctx.Err())
	}

	log.Info("Batch finished", "succeeded", report.Succeeded, "failed", report.Failed, "cancelled", report.Cancelled)
	return report
}

// notify delivers one progress update. A panicking callback is logged and
// does not stop the batch.
func notify(log *logging.Logger, onProgress ProgressFunc, pr Progress) {
	if onProgress == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("Recovered panic in progress callback", "index", pr.Index, "input", pr.InputID, "panic", rec)
		}
	}()
	onProgress(pr)
}

// runItem runs one pipeline and turns every outcome, including a panic, into
// an ItemResult.
func (r *Runner) runItem(in Input, p *pipeline.Pipeline) (item ItemResult) {
	start := time.Now()
	item.InputID = in.ID
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Recovered panic while processing item", "input", in.ID, "panic", rec, "stack", string(debug.Stack()))
			item.Result = nil
			item.Err = errors.NewBatchItemFailedError(in.ID, fmt.Errorf("panic: %v", rec))
		}
		item.Duration = time.Since(start)
		if r.recorder != nil {
			r.recorder.ItemCompleted(item.Err == nil, item.Duration)
		}
	}()

	res := r.exec.Run(in.Path, p, pipeline.Target{OutputPath: r.OutputPath(in), Save: r.opts.Save})
	item.Result = res
	if !res.Succeeded {
		item.Err = errors.NewBatchItemFailedError(in.ID, res.Err)
	}
	return item
}
