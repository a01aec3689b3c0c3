package batch

import (
	stderrors "errors"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus/ocrpipe-worker/internal/errors"
	"github.com/adverant/nexus/ocrpipe-worker/internal/pipeline"
)

// ItemResult is the outcome of one input. Err is a KindBatchItemFailed error
// whenever the item did not succeed.
type ItemResult struct {
	InputID  string
	Result   *pipeline.RunResult
	Err      error
	Duration time.Duration
}

// ItemError is the report entry for a failed item.
type ItemError struct {
	Index         int         `json:"index"`
	InputID       string      `json:"inputId"`
	Kind          errors.Kind `json:"kind"`
	Message       string      `json:"message"`
	Step          int         `json:"step"`
	NativeCode    int32       `json:"nativeCode,omitempty"`
	HasNativeCode bool        `json:"-"`
}

// BatchReport summarizes a run. Succeeded+Failed always equals Attempted,
// and Attempted is at most Total.
type BatchReport struct {
	BatchID   uuid.UUID    `json:"batchId"`
	Pipeline  string       `json:"pipeline"`
	Total     int          `json:"total"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Cancelled bool         `json:"cancelled"`
	Errors    []ItemError  `json:"errors,omitempty"`
	Items     []ItemResult `json:"-"`
	Err       error        `json:"-"`
	StartedAt time.Time    `json:"startedAt"`
	EndedAt   time.Time    `json:"endedAt"`
}

func newReport(p *pipeline.Pipeline, total int) *BatchReport {
	r := &BatchReport{
		BatchID:   uuid.New(),
		Total:     total,
		StartedAt: time.Now(),
	}
	if p != nil {
		r.Pipeline = p.Name()
	}
	return r
}

// Attempted is the number of items that were started.
func (r *BatchReport) Attempted() int { return r.Succeeded + r.Failed }

// Duration is the wall time of the run.
func (r *BatchReport) Duration() time.Duration { return r.EndedAt.Sub(r.StartedAt) }

// Status is the terminal job status stored for the batch.
func (r *BatchReport) Status() string {
	switch {
	case r.Cancelled:
		return "cancelled"
	case r.Err != nil:
		return "failed"
	default:
		return "completed"
	}
}

func (r *BatchReport) record(index int, item ItemResult) {
	r.Items = append(r.Items, item)
	if item.Err == nil {
		r.Succeeded++
		return
	}
	r.Failed++
	entry := ItemError{Index: index, InputID: item.InputID, Kind: errors.KindOf(item.Err), Message: item.Err.Error(), Step: -1}
	var pe *errors.ProcessingError
	if stderrors.As(item.Err, &pe) {
		entry.Step = pe.Step
	}
	if code, ok := errors.NativeCodeOf(item.Err); ok {
		entry.NativeCode = code
		entry.HasNativeCode = true
	}
	r.Errors = append(r.Errors, entry)
}
