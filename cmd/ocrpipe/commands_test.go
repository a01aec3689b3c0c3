package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/ocrpipe-worker/internal/engine"
	"github.com/adverant/nexus/ocrpipe-worker/internal/native"
	"github.com/adverant/nexus/ocrpipe-worker/internal/native/nativetest"
)

func testEnvironment(lib *nativetest.Library) (*environment, *bytes.Buffer) {
	var out bytes.Buffer
	return &environment{
		newLibrary: func(engine.Options) native.Library { return lib },
		stdout:     &out,
		stderr:     &bytes.Buffer{},
	}, &out
}

func execute(env *environment, args ...string) error {
	root := RootCommand(env)
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

func TestRunPrintsReport(t *testing.T) {
	lib := nativetest.New()
	env, out := testEnvironment(lib)

	err := execute(env, "run", "--preset", "fast", "-o", "out", "scans/a.png", "scans/b.png")
	require.NoError(t, err)

	var got struct {
		Pipeline  string `json:"pipeline"`
		Status    string `json:"status"`
		Succeeded int    `json:"succeeded"`
		Items     []struct {
			InputID    string   `json:"inputId"`
			OutputPath string   `json:"outputPath"`
			Steps      []string `json:"steps"`
		} `json:"items"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, "fast", got.Pipeline)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, 2, got.Succeeded)
	require.Len(t, got.Items, 2)
	assert.Equal(t, "b", got.Items[1].InputID)
	assert.Equal(t, filepath.Join("out", "b.png"), got.Items[1].OutputPath)
	assert.Equal(t, []string{"binarize:ok"}, got.Items[0].Steps)
	assert.Equal(t, 0, lib.Live())
}

func TestRunReportsFailedImages(t *testing.T) {
	lib := nativetest.New().FailPath("bad.png", -12)
	env, out := testEnvironment(lib)

	err := execute(env, "run", "--preset", "fast", "good.png", "bad.png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 images failed")
	assert.Contains(t, out.String(), `"binarize:-12"`)
}

func TestRunRejectsUnknownPreset(t *testing.T) {
	env, out := testEnvironment(nativetest.New())
	assert.Error(t, execute(env, "run", "--preset", "ultra", "a.png"))
	assert.Empty(t, out.String())

	assert.Error(t, execute(env, "run", "-o", "out", "--format", "gif", "a.png"))
}

func TestRunWithPipelineFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clean.yaml")
	require.NoError(t, os.WriteFile(path, []byte("steps:\n  - op: denoise\n    filter: median\n    strength: 1\n"), 0o644))
	lib := nativetest.New()
	env, out := testEnvironment(lib)

	require.NoError(t, execute(env, "run", "--pipeline", path, "a.png"))
	assert.Contains(t, out.String(), `"pipeline": "clean"`)
	assert.Equal(t, []native.Opcode{native.OpNoiseReduce}, lib.Ops())
}

func TestPresetsCommand(t *testing.T) {
	env, out := testEnvironment(nativetest.New())
	require.NoError(t, execute(env, "presets"))
	assert.Contains(t, out.String(), "fast")
	assert.Contains(t, out.String(), "skew-correct -> binarize -> noise-reduce")

	out.Reset()
	require.NoError(t, execute(env, "presets", "--yaml"))
	assert.Contains(t, out.String(), "name: high-quality")
	assert.Contains(t, out.String(), "op: binarize")
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(good, []byte("preset: standard\n"), 0o644))
	require.NoError(t, os.WriteFile(bad, []byte("steps:\n  - op: binarize\n    method: fixed\n"), 0o644))

	env, out := testEnvironment(nativetest.New())
	require.NoError(t, execute(env, "validate", good))
	assert.Contains(t, out.String(), "good.yaml: ok")

	err := execute(env, "validate", good, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2")
}
