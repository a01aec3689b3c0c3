package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNativeCodeSurvivesWrapping(t *testing.T) {
	native := NewNativeCallFailedError("binarize", -4, "bad threshold")
	aborted := NewPipelineAbortedError(1, "binarize", native)
	item := NewBatchItemFailedError("scan-3", aborted)
	wrapped := fmt.Errorf("worker: %w", item)

	code, ok := NativeCodeOf(wrapped)
	require.True(t, ok)
	assert.Equal(t, int32(-4), code)

	assert.Equal(t, KindBatchItemFailed, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindPipelineAborted))
	assert.True(t, IsKind(wrapped, KindNativeCallFailed))
	assert.False(t, IsKind(wrapped, KindLockFailed))

	assert.Equal(t, 1, item.Step)
	assert.Equal(t, "scan-3", item.InputID)
	assert.Contains(t, item.Error(), "native code -4")
}

func TestErrorsIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("wrap: %w", NewInvalidPipelineError("pipeline has no steps"))

	assert.True(t, stderrors.Is(err, &ProcessingError{Kind: KindInvalidPipeline}))
	assert.False(t, stderrors.Is(err, &ProcessingError{Kind: KindCancelled}))
}

func TestLockFailedWithoutNativeCode(t *testing.T) {
	err := NewLockFailedError(0x10, 0, stderrors.New("handle is freed"))

	_, ok := NativeCodeOf(err)
	assert.False(t, ok)
	assert.Equal(t, KindLockFailed, KindOf(err))
	assert.ErrorContains(t, err, "handle is freed")
}

func TestToMap(t *testing.T) {
	err := NewBatchItemFailedError("scan-1",
		NewPipelineAbortedError(0, "skew-correct", NewNativeCallFailedError("skew-correct", -2, "")))

	m := err.ToMap()
	assert.Equal(t, "BATCH_ITEM_FAILED", m["error_code"])
	assert.Equal(t, int32(-2), m["native_code"])
	assert.Equal(t, 0, m["step"])
	assert.Equal(t, "scan-1", m["input_id"])
	assert.Contains(t, m["cause"], "PIPELINE_ABORTED")
}
