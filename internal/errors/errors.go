package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Error taxonomy for the OCR pipeline worker
 *
 * Every public operation surfaces a *ProcessingError carrying a Kind.
 * Native status codes are kept verbatim next to the mapped Kind.
 */

// Kind classifies failures for programmatic handling
type Kind string

const (
	// Construction-time errors (programmer errors, no resource touched)
	KindInvalidParameters Kind = "INVALID_PARAMETERS"
	KindInvalidPipeline   Kind = "INVALID_PIPELINE"

	// Native boundary errors
	KindNativeCallFailed Kind = "NATIVE_CALL_FAILED"
	KindLockFailed       Kind = "LOCK_FAILED"
	KindExtractFailed    Kind = "EXTRACT_FAILED"

	// Orchestration errors
	KindPipelineAborted Kind = "PIPELINE_ABORTED"
	KindBatchItemFailed Kind = "BATCH_ITEM_FAILED"
	KindCancelled       Kind = "CANCELLED"

	// Worker errors
	KindProcessingTimeout Kind = "PROCESSING_TIMEOUT"
	KindStorageFailed     Kind = "STORAGE_FAILED"
)

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Kind          Kind
	Message       string
	NativeCode    int32
	HasNativeCode bool
	Step          int // -1 when not tied to a pipeline step
	InputID       string
	JobID         string
	Timestamp     time.Time
	Details       map[string]interface{}
	Cause         error
}

func (e *ProcessingError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.HasNativeCode {
		msg = fmt.Sprintf("%s (native code %d)", msg, e.NativeCode)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s (caused by: %v)", msg, e.Cause)
	}
	return msg
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Is matches another *ProcessingError by Kind so errors.Is(err, &ProcessingError{Kind: k}) works
func (e *ProcessingError) Is(target error) bool {
	t, ok := target.(*ProcessingError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == ""
}

func newError(kind Kind, msg string, cause error) *ProcessingError {
	return &ProcessingError{
		Kind:      kind,
		Message:   msg,
		Step:      -1,
		Timestamp: time.Now(),
		Details:   map[string]interface{}{},
		Cause:     cause,
	}
}

// Factory functions for common errors

func NewInvalidParametersError(operation string, reason string) *ProcessingError {
	e := newError(KindInvalidParameters, fmt.Sprintf("invalid %s parameters: %s", operation, reason), nil)
	e.Details["operation"] = operation
	return e
}

func NewInvalidPipelineError(reason string) *ProcessingError {
	return newError(KindInvalidPipeline, reason, nil)
}

func NewNativeCallFailedError(operation string, code int32, nativeMessage string) *ProcessingError {
	msg := fmt.Sprintf("%s failed", operation)
	if nativeMessage != "" {
		msg = fmt.Sprintf("%s: %s", msg, nativeMessage)
	}
	e := newError(KindNativeCallFailed, msg, nil)
	e.NativeCode = code
	e.HasNativeCode = true
	e.Details["operation"] = operation
	return e
}

func NewLockFailedError(handleID uint64, code int32, cause error) *ProcessingError {
	e := newError(KindLockFailed, fmt.Sprintf("could not lock handle %#x", handleID), cause)
	e.NativeCode = code
	e.HasNativeCode = code != 0
	e.Details["handle"] = handleID
	return e
}

func NewExtractFailedError(handleID uint64, cause error) *ProcessingError {
	e := newError(KindExtractFailed, fmt.Sprintf("could not decode handle %#x", handleID), cause)
	e.Details["handle"] = handleID
	return e
}

// NewPipelineAbortedError wraps the failure of step atStep. The native code of the cause is carried over.
func NewPipelineAbortedError(atStep int, operation string, cause error) *ProcessingError {
	e := newError(KindPipelineAborted, fmt.Sprintf("pipeline aborted at step %d (%s)", atStep, operation), cause)
	e.Step = atStep
	e.Details["operation"] = operation
	if code, ok := NativeCodeOf(cause); ok {
		e.NativeCode = code
		e.HasNativeCode = true
	}
	return e
}

func NewBatchItemFailedError(inputID string, cause error) *ProcessingError {
	e := newError(KindBatchItemFailed, fmt.Sprintf("batch item %s failed", inputID), cause)
	e.InputID = inputID
	if code, ok := NativeCodeOf(cause); ok {
		e.NativeCode = code
		e.HasNativeCode = true
	}
	var pe *ProcessingError
	if stderrors.As(cause, &pe) && pe.Step >= 0 {
		e.Step = pe.Step
	}
	return e
}

func NewCancelledError(attempted int, total int, cause error) *ProcessingError {
	e := newError(KindCancelled, fmt.Sprintf("batch cancelled after %d of %d items", attempted, total), cause)
	e.Details["attempted"] = attempted
	e.Details["total"] = total
	return e
}

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *ProcessingError {
	e := newError(KindProcessingTimeout, fmt.Sprintf("Processing timed out after %v", duration), cause)
	e.JobID = jobID
	e.Details["timeout_duration"] = duration.String()
	return e
}

func NewStorageFailedError(jobID string, cause error) *ProcessingError {
	e := newError(KindStorageFailed, "Failed to store processing results", cause)
	e.JobID = jobID
	return e
}

// KindOf returns the Kind of the outermost *ProcessingError in the chain, or "" if none
func KindOf(err error) Kind {
	var pe *ProcessingError
	if stderrors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsKind reports whether any *ProcessingError in the chain has kind k
func IsKind(err error, k Kind) bool {
	for err != nil {
		var pe *ProcessingError
		if !stderrors.As(err, &pe) {
			return false
		}
		if pe.Kind == k {
			return true
		}
		err = pe.Cause
	}
	return false
}

// NativeCodeOf returns the first native status code found in the chain
func NativeCodeOf(err error) (int32, bool) {
	for err != nil {
		var pe *ProcessingError
		if !stderrors.As(err, &pe) {
			return 0, false
		}
		if pe.HasNativeCode {
			return pe.NativeCode, true
		}
		err = pe.Cause
	}
	return 0, false
}

// ToMap converts error to map for database storage and queue events
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Kind),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.HasNativeCode {
		result["native_code"] = e.NativeCode
	}
	if e.Step >= 0 {
		result["step"] = e.Step
	}
	if e.InputID != "" {
		result["input_id"] = e.InputID
	}
	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
