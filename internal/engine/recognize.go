package engine

import (
	"context"
	"errors"
	"image"

	"github.com/adverant/nexus/ocrpipe-worker/internal/native"
)

// ErrRecognizerUnavailable is returned by recognizers that cannot run in the
// current build or environment.
var ErrRecognizerUnavailable = errors.New("engine: text recognizer unavailable")

// Segmentation hints how the recognizer should lay out the crop.
type Segmentation int

const (
	SegmentBlock Segmentation = iota
	SegmentLine
)

// Request is one recognition job on an already cropped image.
type Request struct {
	Image         *image.Gray
	Languages     []string
	Whitelist     string // empty means unrestricted
	UserWordsFile string
	Segmentation  Segmentation
}

// Recognition is the recognizer's answer. Confidence is in [0,1].
type Recognition struct {
	Text       string
	Confidence float64
}

// Recognizer turns pixels into text.
type Recognizer interface {
	Recognize(ctx context.Context, req Request) (Recognition, error)
}

// Values of the char type, symbology and direction slots.
const (
	charDigits  = 1 << 0
	charUpper   = 1 << 1
	charLower   = 1 << 2
	charSymbols = 1 << 3
	charKana    = 1 << 4
	charKanji   = 1 << 5

	symCode39  = 1
	symCode128 = 2
	symQR      = 3
	symEAN13   = 4
	symEAN8    = 5
	symITF     = 6
	symNW7     = 7

	dirVertical = 2
)

const (
	digits  = "0123456789"
	upper   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	lower   = "abcdefghijklmnopqrstuvwxyz"
	symbols = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"
)

// charTypeWhitelist builds a character whitelist. Kana and kanji cannot be
// enumerated, so any mask that includes them is unrestricted.
func charTypeWhitelist(mask int64) string {
	if mask == 0 || mask&(charKana|charKanji) != 0 {
		return ""
	}
	var wl string
	if mask&charDigits != 0 {
		wl += digits
	}
	if mask&charUpper != 0 {
		wl += upper
	}
	if mask&charLower != 0 {
		wl += lower
	}
	if mask&charSymbols != 0 {
		wl += symbols
	}
	return wl
}

// symbologyWhitelist restricts recognition to the human-readable characters
// a symbology can encode.
func symbologyWhitelist(sym int64) (string, bool) {
	switch sym {
	case symCode39:
		return digits + upper + " -.$/+%*", true
	case symCode128:
		return digits + upper + lower + symbols + " ", true
	case symQR:
		return "", true
	case symEAN13, symEAN8, symITF:
		return digits, true
	case symNW7:
		return digits + "-$:/.+ABCD", true
	}
	return "", false
}

var defaultLanguages = map[native.Mode][]string{
	native.ModeEnglishNumeric: {"eng"},
	native.ModeJapanese:       {"jpn"},
	native.ModeBarcode:        {"eng"},
}

func (s *Session) recognize(op native.Opcode, img *image.Gray, block *native.ParameterBlock) (*object, native.Status) {
	if s.opts.Recognizer == nil {
		return nil, fail(CodeRecognizerUnavailable, "no recognizer configured")
	}
	rect, st := blockRect(img, block)
	if !st.OK() {
		return nil, st
	}
	mode := block.Mode()
	req := Request{Image: crop(img, rect), Segmentation: SegmentBlock}

	if lang, set := block.Str(native.SlotLanguage); set {
		req.Languages = []string{lang}
	} else if len(s.opts.Languages) > 0 && mode != native.ModeBarcode {
		req.Languages = s.opts.Languages
	} else {
		req.Languages = defaultLanguages[mode]
	}

	switch mode {
	case native.ModeEnglishNumeric, native.ModeJapanese:
		ct, _ := block.Int(native.SlotCharType)
		req.Whitelist = charTypeWhitelist(ct)
		if mode == native.ModeJapanese {
			dict, _ := block.Str(native.SlotDictionary)
			if req.UserWordsFile, st = s.dictionaryPath(dict); !st.OK() {
				return nil, st
			}
		}
	case native.ModeBarcode:
		sym, _ := block.Int(native.SlotSymbology)
		wl, known := symbologyWhitelist(sym)
		if !known {
			return nil, fail(CodeBadParameters, "unknown symbology %d", sym)
		}
		req.Whitelist = wl
		req.Segmentation = SegmentLine
		if dir, _ := block.Int(native.SlotDirection); dir == dirVertical {
			req.Image = rotate90(req.Image)
		}
	default:
		return nil, fail(CodeBadParameters, "%s cannot run in %s mode", op, mode)
	}

	ctx, cancel := s.recognizeContext()
	defer cancel()
	rec, err := s.opts.Recognizer.Recognize(ctx, req)
	if err != nil {
		if errors.Is(err, ErrRecognizerUnavailable) {
			return nil, fail(CodeRecognizerUnavailable, "%v", err)
		}
		return nil, fail(CodeRecognizeFailed, "%v", err)
	}
	return &object{text: rec.Text, conf: clampConfidence(rec.Confidence)}, statusOK
}

// blockRect reads the rectangle slots and checks them against the image.
func blockRect(img *image.Gray, block *native.ParameterBlock) (image.Rectangle, native.Status) {
	x, _ := block.Int(native.SlotLeft)
	y, _ := block.Int(native.SlotTop)
	w, _ := block.Int(native.SlotWidth)
	h, _ := block.Int(native.SlotHeight)
	if w <= 0 || h <= 0 {
		return image.Rectangle{}, fail(CodeBadParameters, "empty rectangle %dx%d", w, h)
	}
	r := image.Rect(int(x), int(y), int(x+w), int(y+h))
	bounds := image.Rect(0, 0, img.Bounds().Dx(), img.Bounds().Dy())
	if !r.In(bounds) {
		return image.Rectangle{}, fail(CodeRectOutOfBounds, "rectangle %v outside image %v", r, bounds)
	}
	return r, statusOK
}

// rotate90 turns img clockwise by a quarter so vertical text reads left to right.
func rotate90(img *image.Gray) *image.Gray {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	out := image.NewGray(image.Rect(0, 0, h, w))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out.Pix[x*out.Stride+(h-1-y)] = img.Pix[y*img.Stride+x]
		}
	}
	return out
}

func clampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}
