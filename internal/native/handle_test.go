package native_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/ocrpipe-worker/internal/errors"
	"github.com/adverant/nexus/ocrpipe-worker/internal/native"
	"github.com/adverant/nexus/ocrpipe-worker/internal/native/nativetest"
)

func binarizeBlock(t *testing.T) *native.ParameterBlock {
	t.Helper()
	b, err := native.NewParameterBlock(native.ModeBinarize, native.OpBinarize)
	require.NoError(t, err)
	return b
}

func TestInvokeSuccessOwnsHandle(t *testing.T) {
	lib := nativetest.New()

	res := native.Invoke(lib, native.OpBinarize, native.PathSource("a.png"), binarizeBlock(t))

	require.True(t, res.OK)
	require.NotNil(t, res.Handle)
	assert.NoError(t, res.Err())
	assert.Equal(t, native.StateAllocated, res.Handle.State())
	assert.Equal(t, 1, lib.Live())

	require.NoError(t, res.Handle.Free())
	assert.Equal(t, native.StateFreed, res.Handle.State())
	assert.Equal(t, 0, lib.Live())
}

func TestInvokeFailureHasNoHandle(t *testing.T) {
	lib := nativetest.New().FailOp(native.OpBinarize, -12)

	res := native.Invoke(lib, native.OpBinarize, native.PathSource("a.png"), binarizeBlock(t))

	assert.False(t, res.OK)
	assert.Nil(t, res.Handle)
	assert.Equal(t, int32(-12), res.ErrorCode)
	assert.Equal(t, errors.KindNativeCallFailed, errors.KindOf(res.Err()))
	code, ok := errors.NativeCodeOf(res.Err())
	require.True(t, ok)
	assert.Equal(t, int32(-12), code)
	assert.Equal(t, 0, lib.Allocations())
}

type zeroIDLibrary struct{ *nativetest.Library }

func (zeroIDLibrary) Invoke(native.Opcode, native.Source, *native.ParameterBlock) (native.HandleID, native.Status) {
	return 0, native.Status{}
}

func TestInvokeSuccessWithoutHandleIsFailure(t *testing.T) {
	res := native.Invoke(zeroIDLibrary{nativetest.New()}, native.OpBinarize, native.PathSource("a.png"), binarizeBlock(t))

	assert.False(t, res.OK)
	assert.Nil(t, res.Handle)
	assert.Equal(t, native.CodeNoHandle, res.ErrorCode)
}

func TestDoubleFreeNeverReachesLibrary(t *testing.T) {
	lib := nativetest.New()
	h := native.Invoke(lib, native.OpBinarize, native.PathSource("a.png"), binarizeBlock(t)).Handle

	require.NoError(t, h.Free())
	err := h.Free()

	assert.ErrorIs(t, err, native.ErrHandleFreed)
	assert.Equal(t, 1, lib.Frees())
	assert.Empty(t, lib.Violations())
	assert.NoError(t, h.Release(), "Release tolerates an already freed handle")
}

func TestFreedHandleCannotBeReadOrReused(t *testing.T) {
	lib := nativetest.New()
	h := native.Invoke(lib, native.OpBinarize, native.PathSource("a.png"), binarizeBlock(t)).Handle
	require.NoError(t, h.Free())

	_, err := h.Lock()
	assert.ErrorIs(t, err, native.ErrHandleFreed)
	_, err = h.Source()
	assert.ErrorIs(t, err, native.ErrHandleFreed)
	assert.ErrorIs(t, h.Save("out.png", native.SaveOptions{Format: native.FormatPNG}), native.ErrHandleFreed)
	assert.ErrorIs(t, h.Unlock(), native.ErrHandleFreed)
	assert.Equal(t, 0, lib.Locks())
}

func TestLockStateMachine(t *testing.T) {
	lib := nativetest.New()
	h := native.Invoke(lib, native.OpBinarize, native.PathSource("a.png"), binarizeBlock(t)).Handle

	assert.ErrorIs(t, h.Unlock(), native.ErrHandleNotLocked)

	view, err := h.Lock()
	require.NoError(t, err)
	assert.Equal(t, native.ViewImage, view.Kind)
	assert.Equal(t, native.StateLocked, h.State())

	_, err = h.Lock()
	assert.ErrorIs(t, err, native.ErrHandleLocked)
	_, err = h.Source()
	assert.ErrorIs(t, err, native.ErrHandleLocked)

	require.NoError(t, h.Unlock())
	assert.Equal(t, native.StateAllocated, h.State())
	require.NoError(t, h.Free())
	assert.Empty(t, lib.Violations())
}

func TestFreeUnlocksFirst(t *testing.T) {
	lib := nativetest.New()
	h := native.Invoke(lib, native.OpBinarize, native.PathSource("a.png"), binarizeBlock(t)).Handle
	_, err := h.Lock()
	require.NoError(t, err)

	require.NoError(t, h.Free())

	assert.Equal(t, 1, lib.Unlocks())
	assert.Equal(t, 0, lib.Live())
	assert.Empty(t, lib.Violations())
}

func TestLockStatusError(t *testing.T) {
	lib := nativetest.New()
	lib.FailLock = func(native.Opcode, string) (int32, bool) { return -40, true }
	h := native.Invoke(lib, native.OpBinarize, native.PathSource("a.png"), binarizeBlock(t)).Handle
	defer h.Release()

	_, err := h.Lock()

	var se *native.StatusError
	require.True(t, stderrors.As(err, &se))
	assert.Equal(t, int32(-40), se.Status.Code)
	assert.Equal(t, native.StateAllocated, h.State())
}

func TestSaveOptionsValidate(t *testing.T) {
	tests := []struct {
		opts    native.SaveOptions
		wantErr bool
	}{
		{native.SaveOptions{Format: native.FormatTIFF, Compression: native.CompressionDeflate}, false},
		{native.SaveOptions{Format: native.FormatTIFF, Compression: native.CompressionBest}, true},
		{native.SaveOptions{Format: native.FormatPNG, Compression: native.CompressionBest}, false},
		{native.SaveOptions{Format: native.FormatPNG, Quality: 80}, true},
		{native.SaveOptions{Format: native.FormatJPEG, Quality: 85}, false},
		{native.SaveOptions{Format: native.FormatJPEG, Quality: 101}, true},
		{native.SaveOptions{Format: native.FormatBMP}, false},
		{native.SaveOptions{Format: "gif"}, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s/%d", tt.opts.Format, tt.opts.Compression, tt.opts.Quality), func(t *testing.T) {
			err := tt.opts.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMaxSessions(t *testing.T) {
	lib := nativetest.New()
	assert.Equal(t, 1, native.MaxSessions(lib))
	lib.Sessions = 4
	assert.Equal(t, 4, native.MaxSessions(lib))
}
