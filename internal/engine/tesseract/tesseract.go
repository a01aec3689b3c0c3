// Package tesseract implements engine.Recognizer with the Tesseract OCR
// library through gosseract.
package tesseract

import (
	"bytes"
	"context"
	"fmt"
	"image/png"

	"github.com/otiai10/gosseract/v2"

	"github.com/adverant/nexus/ocrpipe-worker/internal/engine"
)

// Config holds Tesseract configuration
type Config struct {
	// TessdataPrefix overrides TESSDATA_PREFIX when set.
	TessdataPrefix string
}

// Recognizer creates one gosseract client per request.
type Recognizer struct {
	cfg           Config
	clientFactory func() *gosseract.Client
}

// New creates a Tesseract-backed recognizer.
func New(cfg Config) *Recognizer {
	return &Recognizer{cfg: cfg, clientFactory: gosseract.NewClient}
}

type outcome struct {
	rec engine.Recognition
	err error
}

// Recognize implements engine.Recognizer. Tesseract calls cannot be
// interrupted; when ctx ends first the call finishes in the background and
// its client is closed there.
func (r *Recognizer) Recognize(ctx context.Context, req engine.Request) (engine.Recognition, error) {
	if err := ctx.Err(); err != nil {
		return engine.Recognition{}, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, req.Image); err != nil {
		return engine.Recognition{}, fmt.Errorf("encode crop: %w", err)
	}

	done := make(chan outcome, 1)
	go func() {
		c := r.clientFactory()
		defer c.Close()
		rec, err := r.run(c, buf.Bytes(), req)
		done <- outcome{rec, err}
	}()

	select {
	case out := <-done:
		return out.rec, out.err
	case <-ctx.Done():
		return engine.Recognition{}, fmt.Errorf("tesseract: %w", ctx.Err())
	}
}

func (r *Recognizer) run(c *gosseract.Client, img []byte, req engine.Request) (engine.Recognition, error) {
	if r.cfg.TessdataPrefix != "" {
		if err := c.SetTessdataPrefix(r.cfg.TessdataPrefix); err != nil {
			return engine.Recognition{}, fmt.Errorf("set tessdata prefix: %w", err)
		}
	}
	if len(req.Languages) > 0 {
		if err := c.SetLanguage(req.Languages...); err != nil {
			return engine.Recognition{}, fmt.Errorf("set languages: %w", err)
		}
	}
	if req.Whitelist != "" {
		if err := c.SetWhitelist(req.Whitelist); err != nil {
			return engine.Recognition{}, fmt.Errorf("set whitelist: %w", err)
		}
	}
	if req.UserWordsFile != "" {
		if err := c.SetVariable(gosseract.SettableVariable("user_words_file"), req.UserWordsFile); err != nil {
			return engine.Recognition{}, fmt.Errorf("set user words: %w", err)
		}
	}
	psm := gosseract.PSM_SINGLE_BLOCK
	if req.Segmentation == engine.SegmentLine {
		psm = gosseract.PSM_SINGLE_LINE
	}
	if err := c.SetPageSegMode(psm); err != nil {
		return engine.Recognition{}, fmt.Errorf("set page segmentation: %w", err)
	}
	if err := c.SetImageFromBytes(img); err != nil {
		return engine.Recognition{}, fmt.Errorf("set image: %w", err)
	}

	text, err := c.Text()
	if err != nil {
		return engine.Recognition{}, fmt.Errorf("tesseract OCR failed: %w", err)
	}
	return engine.Recognition{Text: text, Confidence: meanConfidence(c)}, nil
}

// meanConfidence averages word confidences, which Tesseract reports as 0-100.
func meanConfidence(c *gosseract.Client) float64 {
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return 0
	}
	var sum float64
	for _, b := range boxes {
		sum += b.Confidence
	}
	return sum / float64(len(boxes)) / 100
}
