package pipeline

import (
	"fmt"
	"strings"
)

// ThresholdAuto asks the library to pick the binarization threshold.
const ThresholdAuto = 256

// Rect is a pixel rectangle in source image coordinates.
type Rect struct {
	X      int `json:"x" yaml:"x"`
	Y      int `json:"y" yaml:"y"`
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

func (r Rect) validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("rect must have positive width and height, got %dx%d", r.Width, r.Height)
	}
	if r.X < 0 || r.Y < 0 {
		return fmt.Errorf("rect origin must not be negative, got (%d,%d)", r.X, r.Y)
	}
	return nil
}

// BinarizeMethod selects how the threshold is found.
type BinarizeMethod int

const (
	MethodFixed BinarizeMethod = iota
	MethodOtsu
	MethodAdaptive
)

var binarizeMethodNames = map[BinarizeMethod]string{
	MethodFixed:    "fixed",
	MethodOtsu:     "otsu",
	MethodAdaptive: "adaptive",
}

func (m BinarizeMethod) String() string { return enumName(binarizeMethodNames, m) }

// NoiseFilter selects the noise reduction kernel.
type NoiseFilter int

const (
	FilterMedian NoiseFilter = iota
	FilterMean
	FilterGaussian
)

var noiseFilterNames = map[NoiseFilter]string{
	FilterMedian:   "median",
	FilterMean:     "mean",
	FilterGaussian: "gaussian",
}

func (f NoiseFilter) String() string { return enumName(noiseFilterNames, f) }

// OCRMode is the recognition mode of an area OCR step.
type OCRMode int

const (
	ModeEnglishNumeric OCRMode = iota
	ModeJapanese
	ModeBarcode
)

var ocrModeNames = map[OCRMode]string{
	ModeEnglishNumeric: "english-numeric",
	ModeJapanese:       "japanese",
	ModeBarcode:        "barcode",
}

func (m OCRMode) String() string { return enumName(ocrModeNames, m) }

// CharType restricts the characters the recognizer may produce. Zero means
// no restriction.
type CharType int

const (
	CharDigits CharType = 1 << iota
	CharUpper
	CharLower
	CharSymbols
	CharKana
	CharKanji
)

const charTypeAll = CharDigits | CharUpper | CharLower | CharSymbols | CharKana | CharKanji

var charTypeNames = map[CharType]string{
	CharDigits:  "digits",
	CharUpper:   "upper",
	CharLower:   "lower",
	CharSymbols: "symbols",
	CharKana:    "kana",
	CharKanji:   "kanji",
}

// Names lists the set bits in a stable order.
func (c CharType) Names() []string {
	var names []string
	for bit := CharDigits; bit <= CharKanji; bit <<= 1 {
		if c&bit != 0 {
			names = append(names, charTypeNames[bit])
		}
	}
	return names
}

// Symbology is a barcode symbology.
type Symbology int

const (
	SymbologyNone Symbology = iota
	SymbologyCode39
	SymbologyCode128
	SymbologyQR
	SymbologyEAN13
	SymbologyEAN8
	SymbologyITF
	SymbologyNW7
)

var symbologyNames = map[Symbology]string{
	SymbologyNone:    "none",
	SymbologyCode39:  "code39",
	SymbologyCode128: "code128",
	SymbologyQR:      "qr",
	SymbologyEAN13:   "ean13",
	SymbologyEAN8:    "ean8",
	SymbologyITF:     "itf",
	SymbologyNW7:     "nw7",
}

func (s Symbology) String() string { return enumName(symbologyNames, s) }

// Direction is the reading direction of a barcode.
type Direction int

const (
	DirectionAuto Direction = iota
	DirectionHorizontal
	DirectionVertical
)

var directionNames = map[Direction]string{
	DirectionAuto:       "auto",
	DirectionHorizontal: "horizontal",
	DirectionVertical:   "vertical",
}

func (d Direction) String() string { return enumName(directionNames, d) }

func enumName[E ~int](names map[E]string, v E) string {
	if n, ok := names[v]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", int(v))
}

func parseEnum[E ~int](kind string, names map[E]string, s string) (E, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for v, n := range names {
		if n == s {
			return v, nil
		}
	}
	var zero E
	return zero, fmt.Errorf("unknown %s %q", kind, s)
}

func ParseBinarizeMethod(s string) (BinarizeMethod, error) {
	return parseEnum("binarize method", binarizeMethodNames, s)
}

func ParseNoiseFilter(s string) (NoiseFilter, error) {
	return parseEnum("noise filter", noiseFilterNames, s)
}

func ParseOCRMode(s string) (OCRMode, error) {
	return parseEnum("ocr mode", ocrModeNames, s)
}

func ParseSymbology(s string) (Symbology, error) {
	return parseEnum("symbology", symbologyNames, s)
}

func ParseDirection(s string) (Direction, error) {
	return parseEnum("direction", directionNames, s)
}

// ParseCharTypes folds names like "digits", "upper" into a CharType mask.
func ParseCharTypes(names []string) (CharType, error) {
	var c CharType
	for _, n := range names {
		bit, err := parseEnum("char type", charTypeNames, n)
		if err != nil {
			return 0, err
		}
		c |= bit
	}
	return c, nil
}
