package pipeline

import (
	"fmt"
	"sort"
)

var presets = map[string][]Step{
	"standard": {
		SkewCorrect{RemoveBorder: true},
		Binarize{Method: MethodOtsu, Threshold: ThresholdAuto},
		NoiseReduce{Filter: FilterMedian, Strength: 2},
	},
	"high-quality": {
		NoiseReduce{Filter: FilterGaussian, Strength: 1, PreserveDetail: true},
		SkewCorrect{RemoveBorder: true, ExtractArea: true, Enhance: true, MaxAngle: 15},
		Binarize{Method: MethodAdaptive, Threshold: ThresholdAuto, Denoise: true},
		NoiseReduce{Filter: FilterMedian, Strength: 1, PreserveDetail: true},
	},
	"fast": {
		Binarize{Method: MethodOtsu, Threshold: ThresholdAuto},
	},
}

// Preset returns a fresh pipeline for a named preset.
func Preset(name string) (*Pipeline, error) {
	steps, ok := presets[name]
	if !ok {
		return nil, fmt.Errorf("unknown preset %q", name)
	}
	return New(name, steps...)
}

// PresetNames lists the preset names in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for n := range presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
