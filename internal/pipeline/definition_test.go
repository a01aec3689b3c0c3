package pipeline_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/ocrpipe-worker/internal/pipeline"
)

const receiptYAML = `
steps:
  - op: skew
    remove_border: true
  - op: binarize
    method: adaptive
  - op: ocr
    rect: {x: 10, y: 10, width: 200, height: 40}
    mode: japanese
    char_types: [digits, kanji]
    limited_charset: "0123456789円"
`

func TestLoadFileNamesPipelineAfterFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "receipt.yaml")
	require.NoError(t, os.WriteFile(path, []byte(receiptYAML), 0o644))

	p, err := pipeline.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "receipt", p.Name())
	assert.Equal(t, []string{"skew-correct", "binarize", "area-ocr"}, p.StepNames())
}

func TestDefinitionRoundTrip(t *testing.T) {
	p, err := pipeline.Preset("high-quality")
	require.NoError(t, err)

	data, err := pipeline.DefinitionOf(p).Marshal()
	require.NoError(t, err)
	d, err := pipeline.ParseDefinition(data)
	require.NoError(t, err)
	rebuilt, err := d.Build()
	require.NoError(t, err)

	assert.Equal(t, p.String(), rebuilt.String())
	for i := 0; i < p.Len(); i++ {
		assert.Equal(t, p.Block(i), rebuilt.Block(i))
	}
}

func TestDefinitionErrors(t *testing.T) {
	_, err := pipeline.ParseDefinition([]byte("steps:\n  - op: binarize\n    thresold: 3\n"))
	assert.Error(t, err, "misspelled keys are rejected")

	_, err = pipeline.Definition{Preset: "fast", Steps: []pipeline.StepSpec{{Op: "binarize"}}}.Build()
	assert.Error(t, err)

	_, err = pipeline.Definition{Name: "empty"}.Build()
	assert.Error(t, err)

	p, err := pipeline.Definition{Preset: "fast"}.Build()
	require.NoError(t, err)
	assert.Equal(t, "fast", p.Name())
}
