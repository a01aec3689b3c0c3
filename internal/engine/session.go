// Package engine is an in-process implementation of native.Library. It keeps
// decoded images and recognition results in a handle table and follows the
// same lock/unlock/free contract as the vendor library it stands in for.
package engine

import (
	"context"
	"image"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/adverant/nexus/ocrpipe-worker/internal/logging"
	"github.com/adverant/nexus/ocrpipe-worker/internal/native"
)

// Options configures a Session.
type Options struct {
	// Recognizer performs text recognition. Without one, OCR calls fail with
	// CodeRecognizerUnavailable and image calls still work.
	Recognizer Recognizer
	// Languages used when a step names none.
	Languages []string
	// DictionaryDir holds <name>.txt user-word lists for Japanese steps.
	DictionaryDir string
	// RecognizeTimeout bounds one recognition call. Zero means no limit.
	RecognizeTimeout time.Duration
	Logger           *logging.Logger
}

type object struct {
	op     native.Opcode
	img    *image.Gray
	text   string
	conf   float64
	locked bool
}

// Session owns one handle space. It is safe for concurrent use but declares
// a session limit of one, so callers run one pipeline at a time against it.
type Session struct {
	opts   Options
	logger *logging.Logger

	mu      sync.Mutex
	next    native.HandleID
	objects map[native.HandleID]*object
}

// NewSession creates an empty handle table.
func NewSession(opts Options) *Session {
	return &Session{
		opts:    opts,
		logger:  logging.OrDefault(opts.Logger, "Engine"),
		objects: make(map[native.HandleID]*object),
	}
}

// MaxSessions implements native.SessionLimiter.
func (s *Session) MaxSessions() int { return 1 }

// Live returns the number of handles that have not been freed.
func (s *Session) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

func (s *Session) store(obj *object) native.HandleID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.objects[s.next] = obj
	return s.next
}

// source resolves the input image. Handle sources must be unlocked images.
func (s *Session) source(src native.Source) (*image.Gray, native.Status) {
	if src.Handle == 0 {
		img, err := loadGray(src.Path)
		if err != nil {
			if isUnsupported(err) {
				return nil, fail(CodeUnsupportedFormat, "%s: %v", src.Path, err)
			}
			return nil, fail(CodeLoadFailed, "%s: %v", src.Path, err)
		}
		return img, statusOK
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, found := s.objects[src.Handle]
	switch {
	case !found:
		return nil, fail(CodeInvalidHandle, "unknown handle %#x", uint64(src.Handle))
	case obj.img == nil:
		return nil, fail(CodeWrongHandleKind, "handle %#x is not an image", uint64(src.Handle))
	case obj.locked:
		return nil, fail(CodeHandleLocked, "handle %#x is locked", uint64(src.Handle))
	}
	return obj.img, statusOK
}

// Invoke implements native.Library. Image operations never modify their
// source; they always produce a new image.
func (s *Session) Invoke(op native.Opcode, src native.Source, block *native.ParameterBlock) (id native.HandleID, st native.Status) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Recovered panic in engine call", "op", op, "panic", r, "stack", string(debug.Stack()))
			id, st = 0, fail(CodeInternal, "internal error in %s: %v", op, r)
		}
	}()

	if st := checkBlock(op, block); !st.OK() {
		return 0, st
	}
	img, st := s.source(src)
	if !st.OK() {
		return 0, st
	}

	start := time.Now()
	var obj *object
	switch op {
	case native.OpBinarize:
		obj, st = s.binarize(img, block)
	case native.OpSkewCorrect:
		obj, st = s.skewCorrect(img, block)
	case native.OpNoiseReduce:
		obj, st = s.noiseReduce(img, block)
	case native.OpAreaOCR, native.OpBarcodeOCR:
		obj, st = s.recognize(op, img, block)
	default:
		return 0, fail(CodeBadParameters, "unknown operation %d", int(op))
	}
	if !st.OK() {
		return 0, st
	}
	obj.op = op
	id = s.store(obj)
	s.logger.Debug("Engine call completed", "op", op, "source", src.String(), "handle", uint64(id), "duration", time.Since(start))
	return id, statusOK
}

func checkBlock(op native.Opcode, block *native.ParameterBlock) native.Status {
	if block == nil {
		return fail(CodeBadParameters, "nil parameter block")
	}
	if block.Opcode() != op {
		return fail(CodeBadParameters, "block is for %s, called as %s", block.Opcode(), op)
	}
	if block.ProcessType() != block.Mode().ProcessType() {
		return fail(CodeBadParameters, "process type %d does not match mode %s", block.ProcessType(), block.Mode())
	}
	return statusOK
}

// Lock implements native.Library. Image views alias the stored pixels and
// are only valid until Unlock.
func (s *Session) Lock(id native.HandleID) (native.View, native.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, found := s.objects[id]
	if !found {
		return native.View{}, fail(CodeInvalidHandle, "unknown handle %#x", uint64(id))
	}
	if obj.locked {
		return native.View{}, fail(CodeHandleLocked, "handle %#x is already locked", uint64(id))
	}
	obj.locked = true
	if obj.img != nil {
		b := obj.img.Bounds()
		return native.View{Kind: native.ViewImage, Width: b.Dx(), Height: b.Dy(), Stride: obj.img.Stride, Pixels: obj.img.Pix}, statusOK
	}
	return native.View{Kind: native.ViewText, Text: obj.text, Confidence: obj.conf}, statusOK
}

// Unlock implements native.Library.
func (s *Session) Unlock(id native.HandleID) native.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, found := s.objects[id]
	if !found {
		return fail(CodeInvalidHandle, "unknown handle %#x", uint64(id))
	}
	if !obj.locked {
		return fail(CodeHandleNotLocked, "handle %#x is not locked", uint64(id))
	}
	obj.locked = false
	return statusOK
}

// Free implements native.Library.
func (s *Session) Free(id native.HandleID) native.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, found := s.objects[id]; !found {
		return fail(CodeInvalidHandle, "unknown handle %#x", uint64(id))
	}
	delete(s.objects, id)
	return statusOK
}

// Save implements native.Library.
func (s *Session) Save(id native.HandleID, path string, opts native.SaveOptions) native.Status {
	s.mu.Lock()
	obj, found := s.objects[id]
	var img *image.Gray
	if found {
		img = obj.img
	}
	s.mu.Unlock()
	switch {
	case !found:
		return fail(CodeInvalidHandle, "unknown handle %#x", uint64(id))
	case img == nil:
		return fail(CodeWrongHandleKind, "handle %#x is not an image", uint64(id))
	}
	if err := opts.Validate(); err != nil {
		return fail(CodeBadParameters, "%v", err)
	}
	if err := saveImage(img, path, opts); err != nil {
		return fail(CodeSaveFailed, "%v", err)
	}
	return statusOK
}

func (s *Session) recognizeContext() (context.Context, context.CancelFunc) {
	if s.opts.RecognizeTimeout > 0 {
		return context.WithTimeout(context.Background(), s.opts.RecognizeTimeout)
	}
	return context.WithCancel(context.Background())
}

func (s *Session) dictionaryPath(name string) (string, native.Status) {
	if name == "" {
		return "", statusOK
	}
	if s.opts.DictionaryDir == "" {
		return "", fail(CodeDictionaryMissing, "dictionary %q requested but no dictionary directory is configured", name)
	}
	if filepath.Base(name) != name {
		return "", fail(CodeBadParameters, "dictionary name %q must not contain a path", name)
	}
	path := filepath.Join(s.opts.DictionaryDir, name+".txt")
	if !fileExists(path) {
		return "", fail(CodeDictionaryMissing, "dictionary %q not found in %s", name, s.opts.DictionaryDir)
	}
	return path, statusOK
}
