package native

import (
	stderrors "errors"
	"fmt"

	"github.com/adverant/nexus/ocrpipe-worker/internal/errors"
)

// Extract consumes h: lock, decode, unlock, free. Free runs exactly once on
// every path, including a failed lock, a failed decode and a panic inside
// decode. After Extract returns, h is Freed.
//
// A failed lock yields KindLockFailed; a decode or unlock failure yields
// KindExtractFailed. A failed free is reported only when everything else
// succeeded.
func Extract[T any](h *Handle, decode func(View) (T, error)) (value T, err error) {
	var zero T
	if h == nil {
		return zero, errors.NewExtractFailedError(0, fmt.Errorf("nil handle"))
	}
	id := uint64(h.ID())

	defer func() {
		freeErr := h.Free()
		if freeErr != nil && err == nil {
			value = zero
			err = errors.NewExtractFailedError(id, freeErr)
		}
	}()

	view, lockErr := h.Lock()
	if lockErr != nil {
		var se *StatusError
		var code int32
		if stderrors.As(lockErr, &se) {
			code = se.Status.Code
		}
		return zero, errors.NewLockFailedError(id, code, lockErr)
	}

	v, decodeErr := decode(view)
	unlockErr := h.Unlock()
	if decodeErr != nil {
		return zero, errors.NewExtractFailedError(id, decodeErr)
	}
	if unlockErr != nil {
		return zero, errors.NewExtractFailedError(id, unlockErr)
	}
	return v, nil
}
