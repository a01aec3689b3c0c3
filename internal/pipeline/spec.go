package pipeline

import (
	"fmt"
	"strings"

	"github.com/adverant/nexus/ocrpipe-worker/internal/errors"
)

// StepSpec is the serialized form of a Step as it appears in queue payloads
// and pipeline files. Only the fields relevant to Op are read.
type StepSpec struct {
	Op string `json:"op" yaml:"op"`

	// binarize
	Threshold *int   `json:"threshold,omitempty" yaml:"threshold,omitempty"` // nil means auto
	Method    string `json:"method,omitempty" yaml:"method,omitempty"`
	Denoise   bool   `json:"denoise,omitempty" yaml:"denoise,omitempty"`

	// skew-correct
	RemoveBorder bool `json:"remove_border,omitempty" yaml:"remove_border,omitempty"`
	ExtractArea  bool `json:"extract_area,omitempty" yaml:"extract_area,omitempty"`
	Enhance      bool `json:"enhance,omitempty" yaml:"enhance,omitempty"`
	MaxAngle     int  `json:"max_angle,omitempty" yaml:"max_angle,omitempty"`

	// noise-reduce
	Filter         string `json:"filter,omitempty" yaml:"filter,omitempty"`
	Strength       int    `json:"strength,omitempty" yaml:"strength,omitempty"`
	PreserveDetail bool   `json:"preserve_detail,omitempty" yaml:"preserve_detail,omitempty"`

	// area-ocr, barcode-ocr
	Rect           *Rect    `json:"rect,omitempty" yaml:"rect,omitempty"`
	Mode           string   `json:"mode,omitempty" yaml:"mode,omitempty"`
	CharTypes      []string `json:"char_types,omitempty" yaml:"char_types,omitempty"`
	Language       string   `json:"language,omitempty" yaml:"language,omitempty"`
	Dictionary     string   `json:"dictionary,omitempty" yaml:"dictionary,omitempty"`
	LimitedCharset string   `json:"limited_charset,omitempty" yaml:"limited_charset,omitempty"`
	Symbology      string   `json:"symbology,omitempty" yaml:"symbology,omitempty"`
	Direction      string   `json:"direction,omitempty" yaml:"direction,omitempty"`
}

// Step converts the descriptor into a typed step. It does not validate
// ranges; that happens when the step joins a pipeline.
func (s StepSpec) Step() (Step, error) {
	op := strings.ToLower(strings.TrimSpace(s.Op))
	switch op {
	case "binarize":
		method := MethodOtsu
		if s.Method != "" {
			m, err := ParseBinarizeMethod(s.Method)
			if err != nil {
				return nil, specError(op, err)
			}
			method = m
		}
		threshold := ThresholdAuto
		if s.Threshold != nil {
			// Auto is spelled by leaving the threshold out.
			if *s.Threshold < 0 || *s.Threshold > 255 {
				return nil, specError(op, fmt.Errorf("threshold must be in [0,255], got %d", *s.Threshold))
			}
			threshold = *s.Threshold
		}
		return Binarize{Threshold: threshold, Method: method, Denoise: s.Denoise}, nil

	case "skew-correct", "skew":
		return SkewCorrect{RemoveBorder: s.RemoveBorder, ExtractArea: s.ExtractArea, Enhance: s.Enhance, MaxAngle: s.MaxAngle}, nil

	case "noise-reduce", "denoise":
		filter := FilterMedian
		if s.Filter != "" {
			f, err := ParseNoiseFilter(s.Filter)
			if err != nil {
				return nil, specError(op, err)
			}
			filter = f
		}
		return NoiseReduce{Filter: filter, Strength: s.Strength, PreserveDetail: s.PreserveDetail}, nil

	case "area-ocr", "ocr":
		if s.Rect == nil {
			return nil, specError(op, fmt.Errorf("rect is required"))
		}
		step := AreaOCR{Rect: *s.Rect, Language: s.Language, Dictionary: s.Dictionary, LimitedCharset: s.LimitedCharset}
		var err error
		if s.Mode != "" {
			if step.Mode, err = ParseOCRMode(s.Mode); err != nil {
				return nil, specError(op, err)
			}
		}
		if step.CharType, err = ParseCharTypes(s.CharTypes); err != nil {
			return nil, specError(op, err)
		}
		if s.Symbology != "" {
			if step.Symbology, err = ParseSymbology(s.Symbology); err != nil {
				return nil, specError(op, err)
			}
		}
		return step, nil

	case "barcode-ocr", "barcode":
		if s.Rect == nil {
			return nil, specError(op, fmt.Errorf("rect is required"))
		}
		step := BarcodeOCR{Rect: *s.Rect}
		var err error
		if step.Symbology, err = ParseSymbology(s.Symbology); err != nil {
			return nil, specError(op, err)
		}
		if s.Direction != "" {
			if step.Direction, err = ParseDirection(s.Direction); err != nil {
				return nil, specError(op, err)
			}
		}
		return step, nil
	}
	return nil, errors.NewInvalidParametersError("step", fmt.Sprintf("unknown operation %q", s.Op))
}

func specError(op string, err error) error {
	return errors.NewInvalidParametersError(op, err.Error())
}

// FromSpecs builds a pipeline from descriptors. Errors carry the index of the
// offending step.
func FromSpecs(name string, specs []StepSpec) (*Pipeline, error) {
	steps := make([]Step, 0, len(specs))
	for i, s := range specs {
		step, err := s.Step()
		if err != nil {
			if pe, ok := err.(*errors.ProcessingError); ok {
				pe.Step = i
			}
			return nil, err
		}
		steps = append(steps, step)
	}
	return New(name, steps...)
}

// SpecOf is the inverse of StepSpec.Step.
func SpecOf(step Step) StepSpec {
	switch s := step.(type) {
	case Binarize:
		spec := StepSpec{Op: s.Op().String(), Method: s.Method.String(), Denoise: s.Denoise}
		if s.Threshold != ThresholdAuto {
			t := s.Threshold
			spec.Threshold = &t
		}
		return spec
	case SkewCorrect:
		return StepSpec{Op: s.Op().String(), RemoveBorder: s.RemoveBorder, ExtractArea: s.ExtractArea, Enhance: s.Enhance, MaxAngle: s.MaxAngle}
	case NoiseReduce:
		return StepSpec{Op: s.Op().String(), Filter: s.Filter.String(), Strength: s.Strength, PreserveDetail: s.PreserveDetail}
	case AreaOCR:
		r := s.Rect
		spec := StepSpec{
			Op:             s.Op().String(),
			Rect:           &r,
			Mode:           s.Mode.String(),
			CharTypes:      s.CharType.Names(),
			Language:       s.Language,
			Dictionary:     s.Dictionary,
			LimitedCharset: s.LimitedCharset,
		}
		if s.Symbology != SymbologyNone {
			spec.Symbology = s.Symbology.String()
		}
		return spec
	case BarcodeOCR:
		r := s.Rect
		return StepSpec{Op: s.Op().String(), Rect: &r, Symbology: s.Symbology.String(), Direction: s.Direction.String()}
	}
	return StepSpec{}
}

// Specs returns the descriptors of the pipeline's steps.
func (p *Pipeline) Specs() []StepSpec {
	specs := make([]StepSpec, len(p.steps))
	for i, s := range p.steps {
		specs[i] = SpecOf(s)
	}
	return specs
}
