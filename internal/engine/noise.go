package engine

import (
	"image"
	"math"

	"github.com/adverant/nexus/ocrpipe-worker/internal/native"
)

// Values of the filter slot.
const (
	filterMedian   = 0
	filterMean     = 1
	filterGaussian = 2

	maxStrength = 10
	// Gradient magnitude above which PreserveDetail keeps the original pixel.
	edgeThreshold = 64
)

func (s *Session) noiseReduce(img *image.Gray, block *native.ParameterBlock) (*object, native.Status) {
	filter, _ := block.Int(native.SlotFilter)
	strength, _ := block.Int(native.SlotLevel)
	flags, _ := block.Int(native.SlotFlags)
	if strength < 1 || strength > maxStrength {
		return nil, fail(CodeBadParameters, "strength %d out of range", strength)
	}
	r := int(strength)

	var out *image.Gray
	switch filter {
	case filterMedian:
		out = medianFilter(img, r)
	case filterMean:
		out = meanFilter(img, r)
	case filterGaussian:
		out = gaussianFilter(img, r)
	default:
		return nil, fail(CodeBadParameters, "unknown noise filter %d", filter)
	}
	if flags&native.FlagPreserveDetail != 0 {
		keepEdges(img, out)
	}
	return &object{img: out}, statusOK
}

// medianFilter uses a sliding histogram along each row so the cost per pixel
// grows with the radius rather than its square.
func medianFilter(img *image.Gray, r int) *image.Gray {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewGray(image.Rect(0, 0, w, h))
	at := func(x, y int) uint8 {
		return img.Pix[clamp(y, 0, h-1)*img.Stride+clamp(x, 0, w-1)]
	}
	side := 2*r + 1
	half := side * side / 2

	for y := 0; y < h; y++ {
		var hist [256]int
		for dy := -r; dy <= r; dy++ {
			for dx := -r; dx <= r; dx++ {
				hist[at(dx, y+dy)]++
			}
		}
		for x := 0; x < w; x++ {
			if x > 0 {
				for dy := -r; dy <= r; dy++ {
					hist[at(x-r-1, y+dy)]--
					hist[at(x+r, y+dy)]++
				}
			}
			count := 0
			for v := 0; v < 256; v++ {
				count += hist[v]
				if count > half {
					out.Pix[y*out.Stride+x] = uint8(v)
					break
				}
			}
		}
	}
	return out
}

func meanFilter(img *image.Gray, r int) *image.Gray {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	sat, stride := integral(img)
	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		y0, y1 := clamp(y-r, 0, h), clamp(y+r+1, 0, h)
		for x := 0; x < w; x++ {
			x0, x1 := clamp(x-r, 0, w), clamp(x+r+1, 0, w)
			n := int64((x1 - x0) * (y1 - y0))
			out.Pix[y*out.Stride+x] = uint8(boxSum(sat, stride, x0, y0, x1, y1) / n)
		}
	}
	return out
}

// gaussianFilter is a separable blur with sigma = radius/2.
func gaussianFilter(img *image.Gray, r int) *image.Gray {
	sigma := math.Max(float64(r)/2, 0.5)
	kernel := make([]float64, 2*r+1)
	var sum float64
	for i := -r; i <= r; i++ {
		v := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		kernel[i+r] = v
		sum += v
	}
	for i := range kernel {
		kernel[i] /= sum
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	tmp := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc float64
			for k := -r; k <= r; k++ {
				acc += kernel[k+r] * float64(img.Pix[y*img.Stride+clamp(x+k, 0, w-1)])
			}
			tmp[y*w+x] = acc
		}
	}
	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc float64
			for k := -r; k <= r; k++ {
				acc += kernel[k+r] * tmp[clamp(y+k, 0, h-1)*w+x]
			}
			out.Pix[y*out.Stride+x] = uint8(math.Round(math.Min(acc, 255)))
		}
	}
	return out
}

// keepEdges restores original pixels wherever the source has a strong
// horizontal or vertical gradient.
func keepEdges(src, dst *image.Gray) {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			gx := int(src.Pix[y*src.Stride+x+1]) - int(src.Pix[y*src.Stride+x-1])
			gy := int(src.Pix[(y+1)*src.Stride+x]) - int(src.Pix[(y-1)*src.Stride+x])
			if abs(gx)+abs(gy) > edgeThreshold {
				dst.Pix[y*dst.Stride+x] = src.Pix[y*src.Stride+x]
			}
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
