package native

import (
	"github.com/adverant/nexus/ocrpipe-worker/internal/errors"
)

// CodeNoHandle is reported when a library claims success without returning a handle.
const CodeNoHandle int32 = -9000

// OperationResult is the outcome of one library call. OK implies Handle is
// non-nil and !OK implies Handle is nil; only Succeeded and Failed build one.
type OperationResult struct {
	Op        Opcode
	OK        bool
	Handle    *Handle
	ErrorCode int32
	Message   string
}

// Succeeded wraps a freshly owned handle.
func Succeeded(op Opcode, h *Handle) OperationResult {
	if h == nil {
		return Failed(op, CodeNoHandle, "success reported without a handle")
	}
	return OperationResult{Op: op, OK: true, Handle: h}
}

// Failed records a library failure. No handle is attached.
func Failed(op Opcode, code int32, message string) OperationResult {
	return OperationResult{Op: op, OK: false, ErrorCode: code, Message: message}
}

// Err maps a failed result to NativeCallFailed; it is nil for successes.
func (r OperationResult) Err() error {
	if r.OK {
		return nil
	}
	return errors.NewNativeCallFailedError(r.Op.String(), r.ErrorCode, r.Message)
}

// Invoke performs the call contract: run op, and on success wrap the returned
// id in a Handle owned by the caller. A status of success with a zero id is
// treated as a failure.
func Invoke(lib Library, op Opcode, src Source, block *ParameterBlock) OperationResult {
	id, st := lib.Invoke(op, src, block)
	if !st.OK() {
		return Failed(op, st.Code, st.Message)
	}
	if id == 0 {
		return Failed(op, CodeNoHandle, "success reported without a handle")
	}
	return Succeeded(op, newHandle(lib, id))
}
