// Package nativetest provides a counting in-memory native.Library for tests.
package nativetest

import (
	"fmt"
	"sync"

	"github.com/adverant/nexus/ocrpipe-worker/internal/native"
)

// Status codes returned by the fake.
const (
	CodeInvalidHandle int32 = -3
	CodeNotLocked     int32 = -7
	CodeAlreadyLocked int32 = -6
	CodeInjected      int32 = -99
)

// Call is one recorded Invoke.
type Call struct {
	Op     native.Opcode
	Source native.Source
	Block  *native.ParameterBlock
}

type object struct {
	op     native.Opcode
	path   string // originating path, followed through the chain
	locked bool
}

// Library is a fake native library that keeps a full ledger of handle traffic.
// The zero value is not usable; call New.
type Library struct {
	mu sync.Mutex

	next    native.HandleID
	live    map[native.HandleID]*object
	freed   map[native.HandleID]int
	calls   []Call
	saves   []string
	allocs  int
	frees   int
	locks   int
	unlocks int

	violations []string

	// Hooks, all optional. They are called with the fake's lock released.
	FailCall  func(c Call, path string) (code int32, fail bool)
	PanicCall func(c Call, path string) bool
	FailLock  func(op native.Opcode, path string) (code int32, fail bool)
	FailSave  func(path string) (code int32, fail bool)
	TextFor   func(op native.Opcode, path string) (string, float64)

	Sessions int
}

// New returns an empty fake.
func New() *Library {
	return &Library{
		live:  make(map[native.HandleID]*object),
		freed: make(map[native.HandleID]int),
	}
}

// FailOp makes every call of op fail with code.
func (l *Library) FailOp(op native.Opcode, code int32) *Library {
	l.FailCall = func(c Call, _ string) (int32, bool) {
		return code, c.Op == op
	}
	return l
}

// FailPath makes every call on an input originating from path fail with code.
func (l *Library) FailPath(path string, code int32) *Library {
	l.FailCall = func(_ Call, p string) (int32, bool) {
		return code, p == path
	}
	return l
}

// MaxSessions implements native.SessionLimiter.
func (l *Library) MaxSessions() int {
	if l.Sessions <= 0 {
		return 1
	}
	return l.Sessions
}

func (l *Library) originPath(src native.Source) (string, bool) {
	if src.Handle == 0 {
		return src.Path, true
	}
	obj, ok := l.live[src.Handle]
	if !ok {
		return "", false
	}
	return obj.path, true
}

// Invoke implements native.Library.
func (l *Library) Invoke(op native.Opcode, src native.Source, block *native.ParameterBlock) (native.HandleID, native.Status) {
	l.mu.Lock()
	path, ok := l.originPath(src)
	if !ok {
		l.violations = append(l.violations, fmt.Sprintf("%s called with dead handle %#x", op, uint64(src.Handle)))
		l.mu.Unlock()
		return 0, native.Status{Code: CodeInvalidHandle, Message: "invalid source handle"}
	}
	c := Call{Op: op, Source: src, Block: block}
	l.calls = append(l.calls, c)
	failCall, panicCall := l.FailCall, l.PanicCall
	l.mu.Unlock()

	if panicCall != nil && panicCall(c, path) {
		panic(fmt.Sprintf("nativetest: injected panic in %s for %s", op, path))
	}
	if failCall != nil {
		if code, fail := failCall(c, path); fail {
			return 0, native.Status{Code: code, Message: fmt.Sprintf("injected failure in %s", op)}
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	id := l.next
	l.live[id] = &object{op: op, path: path}
	l.allocs++
	return id, native.Status{}
}

// Lock implements native.Library.
func (l *Library) Lock(id native.HandleID) (native.View, native.Status) {
	l.mu.Lock()
	obj, ok := l.live[id]
	failLock, textFor := l.FailLock, l.TextFor
	l.mu.Unlock()
	if !ok {
		l.violate("lock of dead handle %#x", uint64(id))
		return native.View{}, native.Status{Code: CodeInvalidHandle, Message: "invalid handle"}
	}
	if failLock != nil {
		if code, fail := failLock(obj.op, obj.path); fail {
			return native.View{}, native.Status{Code: code, Message: "injected lock failure"}
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if obj.locked {
		return native.View{}, native.Status{Code: CodeAlreadyLocked, Message: "already locked"}
	}
	obj.locked = true
	l.locks++

	if obj.op.ProducesImage() {
		pixels := []byte{0, 255, 255, 0}
		return native.View{Kind: native.ViewImage, Width: 2, Height: 2, Stride: 2, Pixels: pixels}, native.Status{}
	}
	text, conf := "TEXT", 0.9
	if textFor != nil {
		text, conf = textFor(obj.op, obj.path)
	}
	return native.View{Kind: native.ViewText, Text: text, Confidence: conf}, native.Status{}
}

// Unlock implements native.Library.
func (l *Library) Unlock(id native.HandleID) native.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	obj, ok := l.live[id]
	if !ok {
		l.violations = append(l.violations, fmt.Sprintf("unlock of dead handle %#x", uint64(id)))
		return native.Status{Code: CodeInvalidHandle}
	}
	if !obj.locked {
		l.violations = append(l.violations, fmt.Sprintf("unlock of unlocked handle %#x", uint64(id)))
		return native.Status{Code: CodeNotLocked}
	}
	obj.locked = false
	l.unlocks++
	return native.Status{}
}

// Free implements native.Library.
func (l *Library) Free(id native.HandleID) native.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.freed[id]++
	if _, ok := l.live[id]; !ok {
		l.violations = append(l.violations, fmt.Sprintf("free of dead handle %#x (free #%d)", uint64(id), l.freed[id]))
		return native.Status{Code: CodeInvalidHandle}
	}
	delete(l.live, id)
	l.frees++
	return native.Status{}
}

// Save implements native.Library.
func (l *Library) Save(id native.HandleID, path string, _ native.SaveOptions) native.Status {
	l.mu.Lock()
	_, ok := l.live[id]
	failSave := l.FailSave
	l.mu.Unlock()
	if !ok {
		l.violate("save of dead handle %#x", uint64(id))
		return native.Status{Code: CodeInvalidHandle}
	}
	if failSave != nil {
		if code, fail := failSave(path); fail {
			return native.Status{Code: code, Message: "injected save failure"}
		}
	}
	l.mu.Lock()
	l.saves = append(l.saves, path)
	l.mu.Unlock()
	return native.Status{}
}

func (l *Library) violate(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.violations = append(l.violations, fmt.Sprintf(format, args...))
}

// Allocations is the number of handles ever handed out.
func (l *Library) Allocations() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allocs
}

// Frees is the number of successful frees.
func (l *Library) Frees() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.frees
}

// Live is the number of handles not yet freed.
func (l *Library) Live() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.live)
}

// Locks is the number of successful locks.
func (l *Library) Locks() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locks
}

// Unlocks is the number of successful unlocks.
func (l *Library) Unlocks() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unlocks
}

// Calls returns a copy of the recorded Invoke calls.
func (l *Library) Calls() []Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Call(nil), l.calls...)
}

// Ops returns the opcodes of the recorded calls in order.
func (l *Library) Ops() []native.Opcode {
	calls := l.Calls()
	ops := make([]native.Opcode, len(calls))
	for i, c := range calls {
		ops[i] = c.Op
	}
	return ops
}

// Saves returns the paths passed to successful Save calls.
func (l *Library) Saves() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.saves...)
}

// Violations lists every contract breach seen: double frees, use after free,
// unlock without lock.
func (l *Library) Violations() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.violations...)
}
