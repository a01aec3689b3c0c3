// Package native is the boundary to the handle-based image/OCR library.
//
// The library itself is reached only through the Library interface. Every
// successful call hands back an opaque HandleID that must be locked to read,
// unlocked, and freed exactly once. Handle wraps that id with an ownership
// state machine, and Extract performs the lock/read/unlock/free sequence so
// callers never hold a live id after they have their typed result.
package native

import "fmt"

// HandleID is the opaque token the library uses to reference memory it owns.
// Zero is never a valid handle.
type HandleID uint64

// Opcode selects the library entry point.
type Opcode int

const (
	OpBinarize Opcode = iota + 1
	OpSkewCorrect
	OpNoiseReduce
	OpAreaOCR
	OpBarcodeOCR
)

func (o Opcode) String() string {
	switch o {
	case OpBinarize:
		return "binarize"
	case OpSkewCorrect:
		return "skew-correct"
	case OpNoiseReduce:
		return "noise-reduce"
	case OpAreaOCR:
		return "area-ocr"
	case OpBarcodeOCR:
		return "barcode-ocr"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// ProducesImage reports whether a successful call returns an image handle
// (as opposed to a recognition result handle).
func (o Opcode) ProducesImage() bool {
	return o == OpBinarize || o == OpSkewCorrect || o == OpNoiseReduce
}

// Status is the library's return status. Code zero means success.
type Status struct {
	Code    int32
	Message string
}

// OK reports whether the call succeeded.
func (s Status) OK() bool { return s.Code == StatusOK }

// StatusOK is the success code; every other code is a failure.
const StatusOK int32 = 0

// Source is the image input of a call: either a file path or a live image handle.
type Source struct {
	Path   string
	Handle HandleID
}

// PathSource returns a Source reading from a file.
func PathSource(path string) Source { return Source{Path: path} }

func (s Source) String() string {
	if s.Handle != 0 {
		return fmt.Sprintf("handle:%#x", uint64(s.Handle))
	}
	return s.Path
}

// ViewKind tells what a locked handle exposes.
type ViewKind int

const (
	ViewImage ViewKind = iota + 1
	ViewText
)

// View is the readable content of a locked handle. It is only valid between
// Lock and Unlock; Pixels must be copied if it is kept.
type View struct {
	Kind ViewKind

	// Image views (8-bit grayscale)
	Width  int
	Height int
	Stride int
	Pixels []byte

	// Text views
	Text       string
	Confidence float64
}

// Format is an output image container.
type Format string

const (
	FormatTIFF Format = "tiff"
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
	FormatBMP  Format = "bmp"
)

// Extension returns the file extension (with dot) for f.
func (f Format) Extension() string {
	switch f {
	case FormatTIFF:
		return ".tif"
	case FormatJPEG:
		return ".jpg"
	default:
		return "." + string(f)
	}
}

// Compression selects the encoder's compression scheme.
type Compression string

const (
	CompressionDefault Compression = ""
	CompressionNone    Compression = "none"
	CompressionDeflate Compression = "deflate"
	CompressionBest    Compression = "best"
	CompressionFast    Compression = "fast"
)

// SaveOptions controls how an image handle is written to disk.
type SaveOptions struct {
	Format      Format
	Quality     int // JPEG only, 1-100, 0 means encoder default
	Compression Compression
}

// Validate checks that the options make sense for the chosen format.
func (o SaveOptions) Validate() error {
	switch o.Format {
	case FormatTIFF:
		if o.Compression != CompressionDefault && o.Compression != CompressionNone && o.Compression != CompressionDeflate {
			return fmt.Errorf("tiff supports none or deflate compression, got %q", o.Compression)
		}
	case FormatPNG:
		switch o.Compression {
		case CompressionDefault, CompressionNone, CompressionBest, CompressionFast:
		default:
			return fmt.Errorf("png supports none, fast or best compression, got %q", o.Compression)
		}
	case FormatJPEG:
		if o.Quality < 0 || o.Quality > 100 {
			return fmt.Errorf("jpeg quality must be between 1 and 100, got %d", o.Quality)
		}
	case FormatBMP:
		if o.Compression != CompressionDefault && o.Compression != CompressionNone {
			return fmt.Errorf("bmp does not support compression %q", o.Compression)
		}
	default:
		return fmt.Errorf("unsupported output format %q", o.Format)
	}
	if o.Format != FormatJPEG && o.Quality != 0 {
		return fmt.Errorf("quality only applies to jpeg output")
	}
	return nil
}

// Library is the foreign call surface. Implementations are not required to be
// safe for concurrent use unless they also implement SessionLimiter with a
// limit greater than one.
type Library interface {
	// Invoke runs op against src. On success it returns a new handle that the
	// caller owns; on failure the HandleID is zero.
	Invoke(op Opcode, src Source, block *ParameterBlock) (HandleID, Status)
	Lock(id HandleID) (View, Status)
	Unlock(id HandleID) Status
	Free(id HandleID) Status
	// Save writes an image handle to path. The handle stays allocated.
	Save(id HandleID, path string, opts SaveOptions) Status
}

// SessionLimiter is implemented by libraries that document how many pipelines
// may run against them at once.
type SessionLimiter interface {
	MaxSessions() int
}

// MaxSessions returns the documented session limit of lib, or 1 when the
// library makes no promise.
func MaxSessions(lib Library) int {
	if sl, ok := lib.(SessionLimiter); ok && sl.MaxSessions() > 0 {
		return sl.MaxSessions()
	}
	return 1
}
