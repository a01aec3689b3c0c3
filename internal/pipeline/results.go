package pipeline

import (
	"fmt"
	"image"
	"strings"

	"github.com/adverant/nexus/ocrpipe-worker/internal/native"
)

// OCRResult is the owned outcome of an AreaOCR or BarcodeOCR step.
type OCRResult struct {
	Step       int           `json:"step"`
	Op         native.Opcode `json:"-"`
	Operation  string        `json:"operation"`
	Mode       OCRMode       `json:"-"`
	Text       string        `json:"text"`
	Confidence float64       `json:"confidence"`
	Symbology  Symbology     `json:"-"`
	Warnings   []string      `json:"warnings,omitempty"`
}

// ImageResult is an owned copy of an 8-bit grayscale image read out of a
// library handle.
type ImageResult struct {
	Width  int
	Height int
	Stride int
	Pixels []byte
}

// Gray exposes the buffer as an image.Gray without copying.
func (r *ImageResult) Gray() *image.Gray {
	return &image.Gray{Pix: r.Pixels, Stride: r.Stride, Rect: image.Rect(0, 0, r.Width, r.Height)}
}

type recognition struct {
	text       string
	confidence float64
}

func decodeRecognition(v native.View) (recognition, error) {
	if v.Kind != native.ViewText {
		return recognition{}, fmt.Errorf("expected a text view, got kind %d", int(v.Kind))
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		return recognition{}, fmt.Errorf("confidence %v out of range", v.Confidence)
	}
	return recognition{text: strings.TrimSpace(v.Text), confidence: v.Confidence}, nil
}

func decodeImage(v native.View) (*ImageResult, error) {
	if v.Kind != native.ViewImage {
		return nil, fmt.Errorf("expected an image view, got kind %d", int(v.Kind))
	}
	if v.Width <= 0 || v.Height <= 0 || v.Stride < v.Width {
		return nil, fmt.Errorf("bad image geometry %dx%d stride %d", v.Width, v.Height, v.Stride)
	}
	need := v.Stride*(v.Height-1) + v.Width
	if len(v.Pixels) < need {
		return nil, fmt.Errorf("pixel buffer has %d bytes, need %d", len(v.Pixels), need)
	}
	// The view is only valid while locked.
	pix := make([]byte, need)
	copy(pix, v.Pixels[:need])
	return &ImageResult{Width: v.Width, Height: v.Height, Stride: v.Stride, Pixels: pix}, nil
}

// buildOCRResult turns a recognition into an OCRResult and attaches the
// validation warnings that apply to the step's mode.
func buildOCRResult(index int, step Step, rec recognition) OCRResult {
	res := OCRResult{
		Step:       index,
		Op:         step.Op(),
		Operation:  step.Op().String(),
		Text:       rec.text,
		Confidence: rec.confidence,
	}
	switch s := step.(type) {
	case AreaOCR:
		res.Mode = s.Mode
		switch s.Mode {
		case ModeBarcode:
			res.Symbology = s.Symbology
			res.Warnings = ValidateBarcode(s.Symbology, res.Text)
		case ModeJapanese:
			res.Text = NormalizeJapanese(res.Text)
			res.Warnings = append(limitedCharsetWarnings(res.Text, s.LimitedCharset), charTypeWarnings(res.Text, s.CharType)...)
		default:
			res.Warnings = charTypeWarnings(res.Text, s.CharType)
		}
	case BarcodeOCR:
		res.Mode = ModeBarcode
		res.Symbology = s.Symbology
		res.Warnings = ValidateBarcode(s.Symbology, res.Text)
	}
	return res
}
