package engine

import (
	"fmt"

	"github.com/adverant/nexus/ocrpipe-worker/internal/native"
)

// Status codes returned by Session. Zero is success.
const (
	CodeInvalidHandle         int32 = -1
	CodeHandleLocked          int32 = -2
	CodeHandleNotLocked       int32 = -3
	CodeWrongHandleKind       int32 = -4
	CodeLoadFailed            int32 = -10
	CodeUnsupportedFormat     int32 = -11
	CodeBadParameters         int32 = -20
	CodeRectOutOfBounds       int32 = -21
	CodeRecognizeFailed       int32 = -30
	CodeRecognizerUnavailable int32 = -31
	CodeDictionaryMissing     int32 = -32
	CodeSaveFailed            int32 = -40
	CodeInternal              int32 = -99
)

func fail(code int32, format string, args ...interface{}) native.Status {
	return native.Status{Code: code, Message: fmt.Sprintf(format, args...)}
}

var statusOK = native.Status{}
