package pipeline

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/adverant/nexus/ocrpipe-worker/internal/errors"
	"github.com/adverant/nexus/ocrpipe-worker/internal/logging"
	"github.com/adverant/nexus/ocrpipe-worker/internal/native"
)

// RunState is the lifecycle position of a pipeline run.
type RunState int

const (
	StatePending RunState = iota
	StateRunning
	StateSucceeded
	StateFailed
)

func (s RunState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Target says where the final image of a run goes. With an empty OutputPath
// the image is extracted into RunResult.Image instead of being written.
type Target struct {
	OutputPath string
	Save       native.SaveOptions
}

// FormatForPath picks the output format from a file extension, defaulting to PNG.
func FormatForPath(path string) native.Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff":
		return native.FormatTIFF
	case ".jpg", ".jpeg":
		return native.FormatJPEG
	case ".bmp":
		return native.FormatBMP
	default:
		return native.FormatPNG
	}
}

func (t Target) resolved() Target {
	if t.OutputPath != "" && t.Save.Format == "" {
		t.Save.Format = FormatForPath(t.OutputPath)
	}
	return t
}

// RunResult is the outcome of one pipeline run. Steps holds the result of
// every step that was attempted, in order; handles referenced there are
// already freed. FailedStep is -1 on success and len(Steps of the pipeline)
// when only the final save failed.
type RunResult struct {
	Input        string
	Pipeline     string
	State        RunState
	Steps        []native.OperationResult
	Recognitions []OCRResult
	OutputPath   string
	Image        *ImageResult
	Succeeded    bool
	FailedStep   int
	Err          error
	Duration     time.Duration
}

// Warnings collects the validation warnings of every recognition.
func (r *RunResult) Warnings() []string {
	var out []string
	for _, rec := range r.Recognitions {
		out = append(out, rec.Warnings...)
	}
	return out
}

// Executor runs pipelines against a library. It is safe for concurrent use
// only if the library is.
type Executor struct {
	lib    native.Library
	logger *logging.Logger
}

// NewExecutor creates an executor. A nil logger falls back to the default.
func NewExecutor(lib native.Library, logger *logging.Logger) *Executor {
	return &Executor{lib: lib, logger: logging.OrDefault(logger, "Pipeline")}
}

// Library returns the library calls go to.
func (e *Executor) Library() native.Library { return e.lib }

// Run executes p over the image at input. The first failing step stops the
// run. Image steps replace the current image and the previous image handle is
// freed once the step that consumed it returns. Recognition steps read the
// current image and their result handle is extracted and freed immediately.
// Every handle allocated during Run is freed before it returns or panics.
func (e *Executor) Run(input string, p *Pipeline, target Target) *RunResult {
	start := time.Now()
	res := &RunResult{
		Input:      input,
		Pipeline:   p.Name(),
		State:      StatePending,
		FailedStep: -1,
	}
	defer func() { res.Duration = time.Since(start) }()

	log := e.logger.With("input", input, "pipeline", p.Name())
	target = target.resolved()
	if target.OutputPath != "" {
		if err := target.Save.Validate(); err != nil {
			return e.fail(res, -1, errors.NewInvalidParametersError("save", err.Error()))
		}
	}

	var current *native.Handle
	defer func() {
		// Only reached with a live handle on panic or an early return.
		if err := current.Release(); err != nil {
			log.Warn("Failed to release image handle", "error", err)
		}
	}()

	res.State = StateRunning
	for i := 0; i < p.Len(); i++ {
		step := p.Step(i)
		src := native.PathSource(input)
		if current != nil {
			s, err := current.Source()
			if err != nil {
				return e.fail(res, i, errors.NewPipelineAbortedError(i, step.Op().String(), err))
			}
			src = s
		}

		log.Debug("Running step", "step", i, "op", describe(step))
		opRes := native.Invoke(e.lib, step.Op(), src, p.Block(i))
		res.Steps = append(res.Steps, opRes)
		if !opRes.OK {
			log.Warn("Step failed", "step", i, "op", step.Op(), "code", opRes.ErrorCode)
			return e.fail(res, i, errors.NewPipelineAbortedError(i, step.Op().String(), opRes.Err()))
		}

		if step.Op().ProducesImage() {
			prev := current
			current = opRes.Handle
			if err := prev.Release(); err != nil {
				log.Warn("Failed to free intermediate image", "step", i, "error", err)
			}
			continue
		}

		rec, err := native.Extract(opRes.Handle, decodeRecognition)
		if err != nil {
			return e.fail(res, i, errors.NewPipelineAbortedError(i, step.Op().String(), err))
		}
		res.Recognitions = append(res.Recognitions, buildOCRResult(i, step, rec))
	}

	if current != nil {
		final := current
		current = nil
		if err := e.finish(res, final, target); err != nil {
			return e.fail(res, p.Len(), errors.NewPipelineAbortedError(p.Len(), "output", err))
		}
	}

	res.State = StateSucceeded
	res.Succeeded = true
	log.Debug("Pipeline succeeded", "steps", p.Len(), "output", res.OutputPath)
	return res
}

// finish consumes the final image handle: save then free, or extract.
func (e *Executor) finish(res *RunResult, h *native.Handle, target Target) error {
	if target.OutputPath == "" {
		img, err := native.Extract(h, decodeImage)
		if err != nil {
			return err
		}
		res.Image = img
		return nil
	}

	saveErr := h.Save(target.OutputPath, target.Save)
	freeErr := h.Free()
	if saveErr != nil {
		code, msg := int32(0), saveErr.Error()
		if se, ok := saveErr.(*native.StatusError); ok {
			code, msg = se.Status.Code, se.Status.Message
		}
		return errors.NewNativeCallFailedError("save", code, msg)
	}
	if freeErr != nil {
		e.logger.Warn("Failed to free final image", "error", freeErr)
	}
	res.OutputPath = target.OutputPath
	return nil
}

func (e *Executor) fail(res *RunResult, step int, err error) *RunResult {
	res.State = StateFailed
	res.Succeeded = false
	res.FailedStep = step
	res.Err = err
	return res
}
