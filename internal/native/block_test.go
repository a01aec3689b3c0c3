package native_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/ocrpipe-worker/internal/native"
)

func TestProcessTypeAlwaysInSlotSeven(t *testing.T) {
	tests := []struct {
		mode native.Mode
		op   native.Opcode
		want native.ProcessType
	}{
		{native.ModeBinarize, native.OpBinarize, native.ProcessImage},
		{native.ModeSkewCorrect, native.OpSkewCorrect, native.ProcessImage},
		{native.ModeNoiseReduce, native.OpNoiseReduce, native.ProcessImage},
		{native.ModeEnglishNumeric, native.OpAreaOCR, native.ProcessRecognize},
		{native.ModeJapanese, native.OpAreaOCR, native.ProcessRecognize},
		{native.ModeBarcode, native.OpBarcodeOCR, native.ProcessRecognize},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			b, err := native.NewParameterBlock(tt.mode, tt.op)
			require.NoError(t, err)

			v, ok := b.Int(native.SlotProcessType)
			require.True(t, ok)
			assert.Equal(t, int64(tt.want), v)
			assert.Equal(t, tt.op, b.Opcode())
			assert.Equal(t, tt.mode, b.Mode())
		})
	}
}

func TestModeSpecificSlots(t *testing.T) {
	jp, err := native.NewParameterBlock(native.ModeJapanese, native.OpAreaOCR)
	require.NoError(t, err)
	require.NoError(t, jp.SetString(native.SlotDictionary, "address"))
	require.NoError(t, jp.SetString(native.SlotLimitedCharset, "0123456789"))
	assert.Error(t, jp.SetInt(native.SlotSymbology, 1))

	en, err := native.NewParameterBlock(native.ModeEnglishNumeric, native.OpAreaOCR)
	require.NoError(t, err)
	assert.Error(t, en.SetString(native.SlotDictionary, "address"))
	assert.Error(t, en.SetString(native.SlotLimitedCharset, "abc"))

	bc, err := native.NewParameterBlock(native.ModeBarcode, native.OpBarcodeOCR)
	require.NoError(t, err)
	require.NoError(t, bc.SetInt(native.SlotSymbology, 2))
	require.NoError(t, bc.SetInt(native.SlotDirection, 1))
	assert.Error(t, bc.SetString(native.SlotDictionary, "x"))

	assert.Error(t, bc.SetInt(native.SlotProcessType, 9), "process type is owned by the block")
	assert.Error(t, bc.SetInt(native.BlockSize, 1))
}

func TestSlotAccessors(t *testing.T) {
	b, err := native.NewParameterBlock(native.ModeNoiseReduce, native.OpNoiseReduce)
	require.NoError(t, err)
	require.NoError(t, b.SetInt(native.SlotLevel, 3))

	v, ok := b.Int(native.SlotLevel)
	assert.True(t, ok)
	assert.Equal(t, int64(3), v)

	_, ok = b.Str(native.SlotLevel)
	assert.False(t, ok)

	_, ok = b.Int(native.SlotFilter)
	assert.False(t, ok, "unset slot")

	assert.Equal(t, native.Slot{}, b.Slot(-1))
	slots := b.Slots()
	assert.Equal(t, native.SlotInt, slots[native.SlotLevel].Kind)
}

func TestUnknownMode(t *testing.T) {
	_, err := native.NewParameterBlock(native.Mode(42), native.OpBinarize)
	assert.Error(t, err)
}
