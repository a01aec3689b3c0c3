package pipeline

import (
	"fmt"
	"unicode/utf8"

	"github.com/adverant/nexus/ocrpipe-worker/internal/errors"
	"github.com/adverant/nexus/ocrpipe-worker/internal/native"
)

// Step is one processing operation with its typed parameters. The concrete
// variants are Binarize, SkewCorrect, NoiseReduce, AreaOCR and BarcodeOCR.
type Step interface {
	Op() native.Opcode
	// Validate checks the parameters against the operation's own constraints.
	Validate() error
	// Block validates the step and serializes it to the positional layout.
	Block() (*native.ParameterBlock, error)
	isStep()
}

const (
	maxSkewAngle     = 45
	defaultSkewAngle = 5
	maxNoiseStrength = 10
	maxLimitedChars  = 512
)

// Binarize converts the image to black and white.
type Binarize struct {
	Threshold int // 0-255, or ThresholdAuto; only the fixed method reads it
	Method    BinarizeMethod
	Denoise   bool
}

// SkewCorrect straightens the page and optionally trims black borders.
type SkewCorrect struct {
	RemoveBorder bool
	ExtractArea  bool
	Enhance      bool
	MaxAngle     int // degrees searched either side of level; 0 means 5
}

// NoiseReduce removes speckle noise.
type NoiseReduce struct {
	Filter         NoiseFilter
	Strength       int // kernel radius, 1-10
	PreserveDetail bool
}

// AreaOCR recognizes text inside Rect.
type AreaOCR struct {
	Rect           Rect
	Mode           OCRMode
	CharType       CharType
	Language       string
	Dictionary     string    // Japanese mode only
	LimitedCharset string    // Japanese mode only
	Symbology      Symbology // barcode mode only
}

// BarcodeOCR decodes a barcode inside Rect.
type BarcodeOCR struct {
	Rect      Rect
	Symbology Symbology
	Direction Direction
}

func (Binarize) isStep()    {}
func (SkewCorrect) isStep() {}
func (NoiseReduce) isStep() {}
func (AreaOCR) isStep()     {}
func (BarcodeOCR) isStep()  {}

func (Binarize) Op() native.Opcode    { return native.OpBinarize }
func (SkewCorrect) Op() native.Opcode { return native.OpSkewCorrect }
func (NoiseReduce) Op() native.Opcode { return native.OpNoiseReduce }
func (AreaOCR) Op() native.Opcode     { return native.OpAreaOCR }
func (BarcodeOCR) Op() native.Opcode  { return native.OpBarcodeOCR }

func invalid(op native.Opcode, format string, args ...interface{}) error {
	return errors.NewInvalidParametersError(op.String(), fmt.Sprintf(format, args...))
}

func (s Binarize) Validate() error {
	if s.Threshold != ThresholdAuto && (s.Threshold < 0 || s.Threshold > 255) {
		return invalid(s.Op(), "threshold must be in [0,255] or auto, got %d", s.Threshold)
	}
	if _, ok := binarizeMethodNames[s.Method]; !ok {
		return invalid(s.Op(), "unknown method %d", int(s.Method))
	}
	if s.Method == MethodFixed && s.Threshold == ThresholdAuto {
		return invalid(s.Op(), "fixed method needs an explicit threshold")
	}
	return nil
}

func (s SkewCorrect) Validate() error {
	if s.MaxAngle < 0 || s.MaxAngle > maxSkewAngle {
		return invalid(s.Op(), "max angle must be in [0,%d] degrees, got %d", maxSkewAngle, s.MaxAngle)
	}
	return nil
}

func (s NoiseReduce) Validate() error {
	if _, ok := noiseFilterNames[s.Filter]; !ok {
		return invalid(s.Op(), "unknown filter %d", int(s.Filter))
	}
	if s.Strength < 1 || s.Strength > maxNoiseStrength {
		return invalid(s.Op(), "strength must be in [1,%d], got %d", maxNoiseStrength, s.Strength)
	}
	return nil
}

func (s AreaOCR) Validate() error {
	if err := s.Rect.validate(); err != nil {
		return invalid(s.Op(), "%v", err)
	}
	if _, ok := ocrModeNames[s.Mode]; !ok {
		return invalid(s.Op(), "unknown mode %d", int(s.Mode))
	}
	if s.CharType&^charTypeAll != 0 {
		return invalid(s.Op(), "unknown char type bits %#x", int(s.CharType&^charTypeAll))
	}
	if s.Mode != ModeJapanese {
		if s.Dictionary != "" {
			return invalid(s.Op(), "dictionary %q is only valid in japanese mode", s.Dictionary)
		}
		if s.LimitedCharset != "" {
			return invalid(s.Op(), "limited character set is only valid in japanese mode")
		}
	}
	switch s.Mode {
	case ModeEnglishNumeric:
		if s.CharType&(CharKana|CharKanji) != 0 {
			return invalid(s.Op(), "kana/kanji char types need japanese mode")
		}
	case ModeJapanese:
		if utf8.RuneCountInString(s.LimitedCharset) > maxLimitedChars {
			return invalid(s.Op(), "limited character set exceeds %d characters", maxLimitedChars)
		}
	case ModeBarcode:
		if s.CharType != 0 {
			return invalid(s.Op(), "char type does not apply in barcode mode")
		}
		if s.Language != "" {
			return invalid(s.Op(), "language does not apply in barcode mode")
		}
	}
	if s.Mode == ModeBarcode {
		if _, ok := symbologyNames[s.Symbology]; !ok || s.Symbology == SymbologyNone {
			return invalid(s.Op(), "barcode mode needs a symbology")
		}
	} else if s.Symbology != SymbologyNone {
		return invalid(s.Op(), "symbology %s is only valid in barcode mode", s.Symbology)
	}
	return nil
}

func (s BarcodeOCR) Validate() error {
	if err := s.Rect.validate(); err != nil {
		return invalid(s.Op(), "%v", err)
	}
	if _, ok := symbologyNames[s.Symbology]; !ok || s.Symbology == SymbologyNone {
		return invalid(s.Op(), "a symbology is required")
	}
	if _, ok := directionNames[s.Direction]; !ok {
		return invalid(s.Op(), "unknown direction %d", int(s.Direction))
	}
	return nil
}

// blockWriter collects slot writes and keeps the first error.
type blockWriter struct {
	op  native.Opcode
	b   *native.ParameterBlock
	err error
}

func newBlockWriter(mode native.Mode, op native.Opcode) *blockWriter {
	b, err := native.NewParameterBlock(mode, op)
	w := &blockWriter{op: op, b: b}
	if err != nil {
		w.err = invalid(op, "%v", err)
	}
	return w
}

func (w *blockWriter) int(slot int, v int64) {
	if w.err == nil {
		if err := w.b.SetInt(slot, v); err != nil {
			w.err = invalid(w.op, "%v", err)
		}
	}
}

func (w *blockWriter) str(slot int, v string) {
	if w.err == nil && v != "" {
		if err := w.b.SetString(slot, v); err != nil {
			w.err = invalid(w.op, "%v", err)
		}
	}
}

func (w *blockWriter) rect(r Rect) {
	w.int(native.SlotLeft, int64(r.X))
	w.int(native.SlotTop, int64(r.Y))
	w.int(native.SlotWidth, int64(r.Width))
	w.int(native.SlotHeight, int64(r.Height))
}

func (w *blockWriter) done() (*native.ParameterBlock, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.b, nil
}

func flag(bit int64, on bool) int64 {
	if on {
		return bit
	}
	return 0
}

func (s Binarize) Block() (*native.ParameterBlock, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	w := newBlockWriter(native.ModeBinarize, s.Op())
	w.int(native.SlotMethod, int64(s.Method))
	w.int(native.SlotLevel, int64(s.Threshold))
	w.int(native.SlotFlags, flag(native.FlagDenoise, s.Denoise))
	return w.done()
}

func (s SkewCorrect) Block() (*native.ParameterBlock, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	angle := s.MaxAngle
	if angle == 0 {
		angle = defaultSkewAngle
	}
	w := newBlockWriter(native.ModeSkewCorrect, s.Op())
	w.int(native.SlotLevel, int64(angle)*10)
	w.int(native.SlotFlags, flag(native.FlagRemoveBorder, s.RemoveBorder)|
		flag(native.FlagExtractArea, s.ExtractArea)|
		flag(native.FlagEnhance, s.Enhance))
	return w.done()
}

func (s NoiseReduce) Block() (*native.ParameterBlock, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	w := newBlockWriter(native.ModeNoiseReduce, s.Op())
	w.int(native.SlotFilter, int64(s.Filter))
	w.int(native.SlotLevel, int64(s.Strength))
	w.int(native.SlotFlags, flag(native.FlagPreserveDetail, s.PreserveDetail))
	return w.done()
}

func (s AreaOCR) Block() (*native.ParameterBlock, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	var w *blockWriter
	switch s.Mode {
	case ModeJapanese:
		w = newBlockWriter(native.ModeJapanese, s.Op())
		w.str(native.SlotDictionary, s.Dictionary)
		w.str(native.SlotLimitedCharset, s.LimitedCharset)
	case ModeBarcode:
		w = newBlockWriter(native.ModeBarcode, s.Op())
		w.int(native.SlotSymbology, int64(s.Symbology))
	default:
		w = newBlockWriter(native.ModeEnglishNumeric, s.Op())
	}
	w.rect(s.Rect)
	if s.Mode != ModeBarcode {
		w.int(native.SlotCharType, int64(s.CharType))
		w.str(native.SlotLanguage, s.Language)
	}
	return w.done()
}

func (s BarcodeOCR) Block() (*native.ParameterBlock, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	w := newBlockWriter(native.ModeBarcode, s.Op())
	w.rect(s.Rect)
	w.int(native.SlotSymbology, int64(s.Symbology))
	w.int(native.SlotDirection, int64(s.Direction))
	return w.done()
}

// DecodeStep re-derives the typed step from a block's documented slot
// layout. It is the inverse of Step.Block for every valid step; a block for
// SkewCorrect decodes with the effective MaxAngle.
func DecodeStep(b *native.ParameterBlock) (Step, error) {
	if b == nil {
		return nil, fmt.Errorf("nil parameter block")
	}
	geti := func(slot int) int { v, _ := b.Int(slot); return int(v) }
	gets := func(slot int) string { v, _ := b.Str(slot); return v }
	has := func(bit int64) bool { v, _ := b.Int(native.SlotFlags); return v&bit != 0 }
	rect := func() Rect {
		return Rect{X: geti(native.SlotLeft), Y: geti(native.SlotTop), Width: geti(native.SlotWidth), Height: geti(native.SlotHeight)}
	}

	var step Step
	switch b.Opcode() {
	case native.OpBinarize:
		step = Binarize{
			Threshold: geti(native.SlotLevel),
			Method:    BinarizeMethod(geti(native.SlotMethod)),
			Denoise:   has(native.FlagDenoise),
		}
	case native.OpSkewCorrect:
		step = SkewCorrect{
			RemoveBorder: has(native.FlagRemoveBorder),
			ExtractArea:  has(native.FlagExtractArea),
			Enhance:      has(native.FlagEnhance),
			MaxAngle:     geti(native.SlotLevel) / 10,
		}
	case native.OpNoiseReduce:
		step = NoiseReduce{
			Filter:         NoiseFilter(geti(native.SlotFilter)),
			Strength:       geti(native.SlotLevel),
			PreserveDetail: has(native.FlagPreserveDetail),
		}
	case native.OpAreaOCR:
		s := AreaOCR{Rect: rect()}
		switch b.Mode() {
		case native.ModeJapanese:
			s.Mode = ModeJapanese
			s.Dictionary = gets(native.SlotDictionary)
			s.LimitedCharset = gets(native.SlotLimitedCharset)
		case native.ModeBarcode:
			s.Mode = ModeBarcode
			s.Symbology = Symbology(geti(native.SlotSymbology))
		default:
			s.Mode = ModeEnglishNumeric
		}
		if s.Mode != ModeBarcode {
			s.CharType = CharType(geti(native.SlotCharType))
			s.Language = gets(native.SlotLanguage)
		}
		step = s
	case native.OpBarcodeOCR:
		step = BarcodeOCR{
			Rect:      rect(),
			Symbology: Symbology(geti(native.SlotSymbology)),
			Direction: Direction(geti(native.SlotDirection)),
		}
	default:
		return nil, fmt.Errorf("unknown operation %s in parameter block", b.Opcode())
	}
	if pt := b.ProcessType(); pt != b.Mode().ProcessType() {
		return nil, fmt.Errorf("process type %d does not match %s mode", pt, b.Mode())
	}
	return step, nil
}

// describe renders a step for logs.
func describe(s Step) string {
	switch v := s.(type) {
	case Binarize:
		if v.Threshold == ThresholdAuto {
			return fmt.Sprintf("binarize(%s, auto)", v.Method)
		}
		return fmt.Sprintf("binarize(%s, %d)", v.Method, v.Threshold)
	case SkewCorrect:
		return fmt.Sprintf("skew-correct(border=%t, area=%t, enhance=%t)", v.RemoveBorder, v.ExtractArea, v.Enhance)
	case NoiseReduce:
		return fmt.Sprintf("noise-reduce(%s, %d)", v.Filter, v.Strength)
	case AreaOCR:
		return fmt.Sprintf("area-ocr(%s, %dx%d@%d,%d)", v.Mode, v.Rect.Width, v.Rect.Height, v.Rect.X, v.Rect.Y)
	case BarcodeOCR:
		return fmt.Sprintf("barcode-ocr(%s, %dx%d@%d,%d)", v.Symbology, v.Rect.Width, v.Rect.Height, v.Rect.X, v.Rect.Y)
	default:
		return s.Op().String()
	}
}
