package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerWritesKeyValues(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo(&buf, "batch")

	l.Info("item done", "input", "scan-1", "ok", true)

	out := buf.String()
	assert.Contains(t, out, "[batch] ")
	assert.Contains(t, out, "[INFO] item done input=scan-1 ok=true")
}

func TestLoggerWithBindsFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo(&buf, "exec").With("batch", "b1")

	l.Warn("step failed", "step", 2)

	assert.Contains(t, buf.String(), "[WARN] step failed batch=b1 step=2")
}

func TestLoggerDropsDanglingKey(t *testing.T) {
	var buf bytes.Buffer
	NewLoggerTo(&buf, "x").Error("boom", "orphan")

	assert.Contains(t, buf.String(), "[ERROR] boom\n")
}

func TestDebugGate(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo(&buf, "x")

	SetDebug(false)
	l.Debug("hidden")
	assert.Empty(t, buf.String())

	SetDebug(true)
	defer SetDebug(false)
	l.Debug("shown")
	assert.Contains(t, buf.String(), "[DEBUG] shown")
}
