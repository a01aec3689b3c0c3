package native

import "time"

// Observer receives lifecycle events from an instrumented Library.
type Observer interface {
	HandleAllocated(op Opcode)
	HandleFreed()
	FreeFailed(code int32)
	CallCompleted(op Opcode, code int32, elapsed time.Duration)
	LockFailed(code int32)
}

type instrumented struct {
	Library
	obs Observer
}

// Instrument wraps lib so that every allocation, free, failed free and
// failed lock is reported to obs. A free the library refuses is not counted
// as freed. The session limit of lib is preserved.
func Instrument(lib Library, obs Observer) Library {
	if obs == nil {
		return lib
	}
	base := instrumented{Library: lib, obs: obs}
	if sl, ok := lib.(SessionLimiter); ok {
		return &limitedInstrumented{instrumented: base, limit: sl.MaxSessions()}
	}
	return &base
}

func (l *instrumented) Invoke(op Opcode, src Source, block *ParameterBlock) (HandleID, Status) {
	start := time.Now()
	id, st := l.Library.Invoke(op, src, block)
	l.obs.CallCompleted(op, st.Code, time.Since(start))
	if st.OK() && id != 0 {
		l.obs.HandleAllocated(op)
	}
	return id, st
}

func (l *instrumented) Lock(id HandleID) (View, Status) {
	v, st := l.Library.Lock(id)
	if !st.OK() {
		l.obs.LockFailed(st.Code)
	}
	return v, st
}

func (l *instrumented) Free(id HandleID) Status {
	st := l.Library.Free(id)
	if !st.OK() {
		l.obs.FreeFailed(st.Code)
		return st
	}
	l.obs.HandleFreed()
	return st
}

type limitedInstrumented struct {
	instrumented
	limit int
}

func (l *limitedInstrumented) MaxSessions() int { return l.limit }
