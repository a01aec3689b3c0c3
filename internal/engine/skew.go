package engine

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/adverant/nexus/ocrpipe-worker/internal/native"
)

const (
	skewStep        = 0.25 // degrees between candidate angles
	skewSampleWidth = 800  // estimation runs on roughly this many columns
	borderDark      = 80   // mean row/column value treated as scanner border
	contentDark     = 128
	extractMargin   = 4
)

func (s *Session) skewCorrect(img *image.Gray, block *native.ParameterBlock) (*object, native.Status) {
	tenths, _ := block.Int(native.SlotLevel)
	flags, _ := block.Int(native.SlotFlags)
	if tenths < 0 || tenths > 450 {
		return nil, fail(CodeBadParameters, "max angle %d tenths of a degree out of range", tenths)
	}

	out := img
	if flags&native.FlagRemoveBorder != 0 {
		out = removeBorder(out)
	}
	if angle := estimateSkew(out, float64(tenths)/10); angle != 0 {
		out = rotate(out, -angle)
	}
	if flags&native.FlagExtractArea != 0 {
		out = extractContent(out)
	}
	if flags&native.FlagEnhance != 0 {
		out = stretchContrast(out)
	}
	if out == img {
		out = cloneGray(img)
	}
	return &object{img: out}, statusOK
}

// estimateSkew returns the angle in degrees, within [-maxAngle, maxAngle],
// whose horizontal projection of dark pixels has the sharpest profile.
func estimateSkew(img *image.Gray, maxAngle float64) float64 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxAngle <= 0 || w < 2 || h < 2 {
		return 0
	}
	step := 1
	if w > skewSampleWidth {
		step = w / skewSampleWidth
	}
	t := otsuThreshold(img)

	type point struct{ x, y float64 }
	var dark []point
	for y := 0; y < h; y += step {
		for x := 0; x < w; x += step {
			if img.Pix[y*img.Stride+x] <= t {
				dark = append(dark, point{float64(x), float64(y)})
			}
		}
	}
	if len(dark) == 0 {
		return 0
	}

	diag := int(math.Hypot(float64(w), float64(h))) + 1
	bins := make([]int, 2*diag+1)
	score := func(deg float64) float64 {
		for i := range bins {
			bins[i] = 0
		}
		sin, cos := math.Sincos(deg * math.Pi / 180)
		for _, p := range dark {
			row := int(math.Round(p.y*cos-p.x*sin)) + diag
			if row >= 0 && row < len(bins) {
				bins[row]++
			}
		}
		var sum float64
		for _, n := range bins {
			sum += float64(n) * float64(n)
		}
		return sum
	}

	best, bestScore := 0.0, score(0)
	for a := skewStep; a <= maxAngle+1e-9; a += skewStep {
		for _, cand := range []float64{a, -a} {
			if sc := score(cand); sc > bestScore {
				best, bestScore = cand, sc
			}
		}
	}
	return best
}

// rotate turns img by deg degrees about its centre, filling uncovered
// pixels with white.
func rotate(img *image.Gray, deg float64) *image.Gray {
	b := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), image.NewUniform(color.Gray{Y: 255}), image.Point{}, draw.Src)

	sin, cos := math.Sincos(deg * math.Pi / 180)
	cx, cy := float64(b.Dx())/2, float64(b.Dy())/2
	s2d := f64.Aff3{
		cos, -sin, cx - cos*cx + sin*cy,
		sin, cos, cy - sin*cx - cos*cy,
	}
	draw.BiLinear.Transform(out, s2d, img, b, draw.Src, nil)
	return out
}

// removeBorder whitens dark bands along the edges left by the scanner lid.
// At most a quarter of each dimension is treated as border.
func removeBorder(img *image.Gray) *image.Gray {
	out := cloneGray(img)
	w, h := out.Bounds().Dx(), out.Bounds().Dy()
	rowMean := func(y int) int {
		sum := 0
		for _, v := range out.Pix[y*out.Stride : y*out.Stride+w] {
			sum += int(v)
		}
		return sum / w
	}
	colMean := func(x int) int {
		sum := 0
		for y := 0; y < h; y++ {
			sum += int(out.Pix[y*out.Stride+x])
		}
		return sum / h
	}
	whiteRow := func(y int) {
		for x := 0; x < w; x++ {
			out.Pix[y*out.Stride+x] = 255
		}
	}
	whiteCol := func(x int) {
		for y := 0; y < h; y++ {
			out.Pix[y*out.Stride+x] = 255
		}
	}
	for y := 0; y < h/4 && rowMean(y) < borderDark; y++ {
		whiteRow(y)
	}
	for y := h - 1; y >= h-h/4 && rowMean(y) < borderDark; y-- {
		whiteRow(y)
	}
	for x := 0; x < w/4 && colMean(x) < borderDark; x++ {
		whiteCol(x)
	}
	for x := w - 1; x >= w-w/4 && colMean(x) < borderDark; x-- {
		whiteCol(x)
	}
	return out
}

// extractContent crops to the bounding box of dark pixels plus a margin.
func extractContent(img *image.Gray) *image.Gray {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	minX, minY, maxX, maxY := w, h, -1, -1
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if img.Pix[y*img.Stride+x] < contentDark {
				minX, maxX = min(minX, x), max(maxX, x)
				minY, maxY = min(minY, y), max(maxY, y)
			}
		}
	}
	if maxX < 0 {
		return img
	}
	r := image.Rect(minX-extractMargin, minY-extractMargin, maxX+extractMargin+1, maxY+extractMargin+1).Intersect(image.Rect(0, 0, w, h))
	return crop(img, r)
}

// stretchContrast maps the 1st..99th percentile range onto 0..255.
func stretchContrast(img *image.Gray) *image.Gray {
	h := histogram(img)
	b := img.Bounds()
	total := b.Dx() * b.Dy()
	lo, hi := percentile(h, total, 0.01), percentile(h, total, 0.99)
	out := cloneGray(img)
	if hi <= lo {
		return out
	}
	var lut [256]uint8
	for v := range lut {
		scaled := (v - lo) * 255 / (hi - lo)
		lut[v] = uint8(clamp(scaled, 0, 255))
	}
	for i, v := range out.Pix {
		out.Pix[i] = lut[v]
	}
	return out
}

func percentile(h [256]int, total int, p float64) int {
	target := int(float64(total) * p)
	count := 0
	for v, n := range h {
		count += n
		if count > target {
			return v
		}
	}
	return 255
}

func cloneGray(img *image.Gray) *image.Gray {
	b := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		copy(out.Pix[y*out.Stride:y*out.Stride+b.Dx()], img.Pix[y*img.Stride:y*img.Stride+b.Dx()])
	}
	return out
}

// crop copies r (in img's zero-based coordinates) into a new image.
func crop(img *image.Gray, r image.Rectangle) *image.Gray {
	out := image.NewGray(image.Rect(0, 0, r.Dx(), r.Dy()))
	for y := 0; y < r.Dy(); y++ {
		src := (r.Min.Y+y)*img.Stride + r.Min.X
		copy(out.Pix[y*out.Stride:y*out.Stride+r.Dx()], img.Pix[src:src+r.Dx()])
	}
	return out
}
