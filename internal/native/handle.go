package native

import (
	stderrors "errors"
	"fmt"
	"sync"
)

// State is the lifecycle position of a Handle.
type State int

const (
	StateAllocated State = iota + 1
	StateLocked
	StateFreed
)

func (s State) String() string {
	switch s {
	case StateAllocated:
		return "allocated"
	case StateLocked:
		return "locked"
	case StateFreed:
		return "freed"
	default:
		return "unknown"
	}
}

var (
	ErrHandleFreed     = stderrors.New("native: handle already freed")
	ErrHandleLocked    = stderrors.New("native: handle is locked")
	ErrHandleNotLocked = stderrors.New("native: handle is not locked")
)

// StatusError is a non-OK Status returned by a handle operation.
type StatusError struct {
	Op     string
	Status Status
}

func (e *StatusError) Error() string {
	if e.Status.Message != "" {
		return fmt.Sprintf("native %s: code %d: %s", e.Op, e.Status.Code, e.Status.Message)
	}
	return fmt.Sprintf("native %s: code %d", e.Op, e.Status.Code)
}

// Handle owns exactly one library resource until it is freed. A Handle must
// not be copied; pass the pointer and treat passing it as a transfer of
// ownership.
type Handle struct {
	mu    sync.Mutex
	lib   Library
	id    HandleID
	state State
}

func newHandle(lib Library, id HandleID) *Handle {
	return &Handle{lib: lib, id: id, state: StateAllocated}
}

// ID returns the raw token. It stays readable after Free for diagnostics only.
func (h *Handle) ID() HandleID { return h.id }

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Source returns a Source that feeds this handle into the next call.
func (h *Handle) Source() (Source, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case StateFreed:
		return Source{}, ErrHandleFreed
	case StateLocked:
		return Source{}, ErrHandleLocked
	}
	return Source{Handle: h.id}, nil
}

// Lock maps the resource for reading.
func (h *Handle) Lock() (View, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case StateFreed:
		return View{}, ErrHandleFreed
	case StateLocked:
		return View{}, ErrHandleLocked
	}
	view, st := h.lib.Lock(h.id)
	if !st.OK() {
		return View{}, &StatusError{Op: "lock", Status: st}
	}
	h.state = StateLocked
	return view, nil
}

// Unlock releases the read mapping taken by Lock.
func (h *Handle) Unlock() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateLocked {
		if h.state == StateFreed {
			return ErrHandleFreed
		}
		return ErrHandleNotLocked
	}
	st := h.lib.Unlock(h.id)
	h.state = StateAllocated
	if !st.OK() {
		return &StatusError{Op: "unlock", Status: st}
	}
	return nil
}

// Save writes the image behind the handle to path.
func (h *Handle) Save(path string, opts SaveOptions) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case StateFreed:
		return ErrHandleFreed
	case StateLocked:
		return ErrHandleLocked
	}
	if st := h.lib.Save(h.id, path, opts); !st.OK() {
		return &StatusError{Op: "save", Status: st}
	}
	return nil
}

// Free releases the resource. A locked handle is unlocked first. The library
// free runs at most once; later calls return ErrHandleFreed without touching
// the library. The handle is Freed afterwards even if the library reports an
// error.
func (h *Handle) Free() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateFreed {
		return ErrHandleFreed
	}
	var unlockErr error
	if h.state == StateLocked {
		if st := h.lib.Unlock(h.id); !st.OK() {
			unlockErr = &StatusError{Op: "unlock", Status: st}
		}
	}
	st := h.lib.Free(h.id)
	h.state = StateFreed
	if !st.OK() {
		return &StatusError{Op: "free", Status: st}
	}
	return unlockErr
}

// Release frees the handle if it is still live and ignores ErrHandleFreed.
// It is meant for deferred cleanup of a handle that may already have been
// consumed.
func (h *Handle) Release() error {
	if h == nil {
		return nil
	}
	if err := h.Free(); err != nil && !stderrors.Is(err, ErrHandleFreed) {
		return err
	}
	return nil
}
