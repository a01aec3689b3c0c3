package pipeline_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/adverant/nexus/ocrpipe-worker/internal/errors"
	"github.com/adverant/nexus/ocrpipe-worker/internal/native"
	"github.com/adverant/nexus/ocrpipe-worker/internal/native/nativetest"
	"github.com/adverant/nexus/ocrpipe-worker/internal/pipeline"
)

const invoiceYAML = `
- op: skew-correct
  remove_border: true
- op: binarize
  method: otsu
- op: noise-reduce
  filter: median
  strength: 2
- op: area-ocr
  mode: japanese
  rect: {x: 40, y: 60, width: 400, height: 48}
  dictionary: address
  char_types: [kana, kanji, digits]
- op: barcode-ocr
  rect: {x: 0, y: 0, width: 200, height: 80}
  symbology: ean13
  direction: horizontal
`

func TestFromSpecsYAML(t *testing.T) {
	var specs []pipeline.StepSpec
	require.NoError(t, yaml.Unmarshal([]byte(invoiceYAML), &specs))

	p, err := pipeline.FromSpecs("invoice", specs)
	require.NoError(t, err)

	assert.Equal(t, []string{"skew-correct", "binarize", "noise-reduce", "area-ocr", "barcode-ocr"}, p.StepNames())
	assert.Equal(t, pipeline.Binarize{Method: pipeline.MethodOtsu, Threshold: pipeline.ThresholdAuto}, p.Step(1))
	ocr, ok := p.Step(3).(pipeline.AreaOCR)
	require.True(t, ok)
	assert.Equal(t, pipeline.ModeJapanese, ocr.Mode)
	assert.Equal(t, pipeline.CharKana|pipeline.CharKanji|pipeline.CharDigits, ocr.CharType)
	assert.Equal(t, "address", ocr.Dictionary)

	again, err := pipeline.FromSpecs("invoice", p.Specs())
	require.NoError(t, err)
	assert.Equal(t, p.Steps(), again.Steps())
}

func threshold(v int) *int { return &v }

func TestExplicitThresholdBounds(t *testing.T) {
	for _, v := range []int{0, 255} {
		p, err := pipeline.FromSpecs("x", []pipeline.StepSpec{{Op: "binarize", Method: "fixed", Threshold: threshold(v)}})
		require.NoError(t, err)
		assert.Equal(t, v, p.Step(0).(pipeline.Binarize).Threshold)
	}

	p, err := pipeline.FromSpecs("x", []pipeline.StepSpec{{Op: "binarize"}})
	require.NoError(t, err)
	assert.Equal(t, pipeline.ThresholdAuto, p.Step(0).(pipeline.Binarize).Threshold)
}

func TestFromSpecsErrors(t *testing.T) {
	tests := []struct {
		name  string
		specs []pipeline.StepSpec
		kind  errors.Kind
		step  int
	}{
		{"empty", nil, errors.KindInvalidPipeline, -1},
		{"unknown op", []pipeline.StepSpec{{Op: "sharpen"}}, errors.KindInvalidParameters, 0},
		{"bad method", []pipeline.StepSpec{{Op: "skew"}, {Op: "binarize", Method: "magic"}}, errors.KindInvalidParameters, 1},
		{"missing rect", []pipeline.StepSpec{{Op: "area-ocr"}}, errors.KindInvalidParameters, 0},
		{"bad range", []pipeline.StepSpec{{Op: "noise-reduce", Strength: 40}}, errors.KindInvalidParameters, 0},
		{"threshold equal to auto", []pipeline.StepSpec{{Op: "binarize", Method: "otsu", Threshold: threshold(pipeline.ThresholdAuto)}}, errors.KindInvalidParameters, 0},
		{"threshold above range", []pipeline.StepSpec{{Op: "skew"}, {Op: "binarize", Threshold: threshold(257)}}, errors.KindInvalidParameters, 1},
		{"negative threshold", []pipeline.StepSpec{{Op: "binarize", Method: "fixed", Threshold: threshold(-1)}}, errors.KindInvalidParameters, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := pipeline.FromSpecs("x", tt.specs)
			var pe *errors.ProcessingError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.kind, pe.Kind)
			assert.Equal(t, tt.step, pe.Step)
		})
	}
}

func TestPresets(t *testing.T) {
	assert.Equal(t, []string{"fast", "high-quality", "standard"}, pipeline.PresetNames())

	for _, name := range pipeline.PresetNames() {
		t.Run(name, func(t *testing.T) {
			p, err := pipeline.Preset(name)
			require.NoError(t, err)
			assert.True(t, p.ProducesImage())

			lib := nativetest.New()
			res := newExecutor(lib).Run("in/a.tif", p, pipeline.Target{OutputPath: "out/a.tif"})
			require.NoError(t, res.Err)
			assert.Equal(t, p.Len(), lib.Allocations())
			assertClean(t, lib)
		})
	}

	_, err := pipeline.Preset("nope")
	assert.Error(t, err)
}

func TestStandardPresetShape(t *testing.T) {
	p, err := pipeline.Preset("standard")
	require.NoError(t, err)
	ops := make([]native.Opcode, p.Len())
	for i, s := range p.Steps() {
		ops[i] = s.Op()
	}
	assert.Equal(t, []native.Opcode{native.OpSkewCorrect, native.OpBinarize, native.OpNoiseReduce}, ops)
	assert.Contains(t, p.String(), "binarize(otsu, auto)")
}
