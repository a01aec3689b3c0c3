package engine

import (
	"image"

	"github.com/adverant/nexus/ocrpipe-worker/internal/native"
)

// Values of the method slot.
const (
	methodFixed    = 0
	methodOtsu     = 1
	methodAdaptive = 2

	adaptiveRadius = 7
	adaptiveBias   = 7
)

func (s *Session) binarize(img *image.Gray, block *native.ParameterBlock) (*object, native.Status) {
	method, _ := block.Int(native.SlotMethod)
	level, _ := block.Int(native.SlotLevel)
	flags, _ := block.Int(native.SlotFlags)

	var out *image.Gray
	switch method {
	case methodFixed:
		if level < 0 || level > 255 {
			return nil, fail(CodeBadParameters, "fixed threshold %d out of range", level)
		}
		out = threshold(img, uint8(level))
	case methodOtsu:
		out = threshold(img, otsuThreshold(img))
	case methodAdaptive:
		out = adaptiveThreshold(img, adaptiveRadius, adaptiveBias)
	default:
		return nil, fail(CodeBadParameters, "unknown binarize method %d", method)
	}
	if flags&native.FlagDenoise != 0 {
		out = removeSpeckles(out)
	}
	return &object{img: out}, statusOK
}

func histogram(img *image.Gray) [256]int {
	var h [256]int
	b := img.Bounds()
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+b.Dx()]
		for _, v := range row {
			h[v]++
		}
	}
	return h
}

// otsuThreshold picks the level that maximizes between-class variance.
func otsuThreshold(img *image.Gray) uint8 {
	h := histogram(img)
	total := 0
	sum := 0.0
	for i, n := range h {
		total += n
		sum += float64(i * n)
	}
	if total == 0 {
		return 128
	}

	var sumB float64
	var wB int
	best, bestVar := 0, -1.0
	for t := 0; t < 256; t++ {
		wB += h[t]
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(t * h[t])
		mB := sumB / float64(wB)
		mF := (sum - sumB) / float64(wF)
		between := float64(wB) * float64(wF) * (mB - mF) * (mB - mF)
		if between > bestVar {
			bestVar = between
			best = t
		}
	}
	return uint8(best)
}

// threshold maps pixels above t to white and the rest to black.
func threshold(img *image.Gray, t uint8) *image.Gray {
	b := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		src := img.Pix[y*img.Stride : y*img.Stride+b.Dx()]
		dst := out.Pix[y*out.Stride : y*out.Stride+b.Dx()]
		for x, v := range src {
			if v > t {
				dst[x] = 255
			}
		}
	}
	return out
}

// integral returns the summed-area table of img with a zero top row and left
// column, so the sum over [x0,x1)x[y0,y1) is
// I[y1][x1] - I[y0][x1] - I[y1][x0] + I[y0][x0].
func integral(img *image.Gray) ([]int64, int) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	stride := w + 1
	sat := make([]int64, stride*(h+1))
	for y := 0; y < h; y++ {
		var rowSum int64
		for x := 0; x < w; x++ {
			rowSum += int64(img.Pix[y*img.Stride+x])
			sat[(y+1)*stride+x+1] = sat[y*stride+x+1] + rowSum
		}
	}
	return sat, stride
}

func boxSum(sat []int64, stride, x0, y0, x1, y1 int) int64 {
	return sat[y1*stride+x1] - sat[y0*stride+x1] - sat[y1*stride+x0] + sat[y0*stride+x0]
}

// adaptiveThreshold compares every pixel with the mean of its neighbourhood.
func adaptiveThreshold(img *image.Gray, radius, bias int) *image.Gray {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	sat, stride := integral(img)
	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		y0, y1 := clamp(y-radius, 0, h), clamp(y+radius+1, 0, h)
		for x := 0; x < w; x++ {
			x0, x1 := clamp(x-radius, 0, w), clamp(x+radius+1, 0, w)
			n := int64((x1 - x0) * (y1 - y0))
			mean := boxSum(sat, stride, x0, y0, x1, y1) / n
			if int64(img.Pix[y*img.Stride+x]) > mean-int64(bias) {
				out.Pix[y*out.Stride+x] = 255
			}
		}
	}
	return out
}

// removeSpeckles whitens black pixels with at most one black 8-neighbour.
func removeSpeckles(img *image.Gray) *image.Gray {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewGray(image.Rect(0, 0, w, h))
	copy(out.Pix, img.Pix)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if img.Pix[y*img.Stride+x] != 0 {
				continue
			}
			black := 0
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if (dx == 0 && dy == 0) || nx < 0 || ny < 0 || nx >= w || ny >= h {
						continue
					}
					if img.Pix[ny*img.Stride+nx] == 0 {
						black++
					}
				}
			}
			if black <= 1 {
				out.Pix[y*out.Stride+x] = 255
			}
		}
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
