package engine

import (
	"bufio"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/adverant/nexus/ocrpipe-worker/internal/native"
)

func loadGray(path string) (*image.Gray, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(bufio.NewReader(f))
	if err != nil {
		return nil, err
	}
	return toGray(img), nil
}

func isUnsupported(err error) bool {
	return errors.Is(err, image.ErrFormat)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// toGray converts any image to 8-bit grayscale with its origin at (0,0).
func toGray(img image.Image) *image.Gray {
	b := img.Bounds()
	if g, isGray := img.(*image.Gray); isGray && b.Min == (image.Point{}) {
		return g
	}
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// saveImage writes img to a temporary file next to path and renames it into
// place so readers never see a partial file.
func saveImage(img *image.Gray, path string, opts native.SaveOptions) (err error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".ocrpipe-*"+filepath.Ext(path))
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	w := bufio.NewWriter(tmp)
	if err = encode(w, img, opts); err != nil {
		return fmt.Errorf("encode %s: %w", opts.Format, err)
	}
	if err = w.Flush(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func encode(w *bufio.Writer, img *image.Gray, opts native.SaveOptions) error {
	switch opts.Format {
	case native.FormatPNG:
		enc := png.Encoder{CompressionLevel: png.DefaultCompression}
		switch opts.Compression {
		case native.CompressionNone:
			enc.CompressionLevel = png.NoCompression
		case native.CompressionFast:
			enc.CompressionLevel = png.BestSpeed
		case native.CompressionBest:
			enc.CompressionLevel = png.BestCompression
		}
		return enc.Encode(w, img)
	case native.FormatJPEG:
		q := opts.Quality
		if q == 0 {
			q = jpeg.DefaultQuality
		}
		return jpeg.Encode(w, img, &jpeg.Options{Quality: q})
	case native.FormatTIFF:
		c := tiff.Deflate
		if opts.Compression == native.CompressionNone {
			c = tiff.Uncompressed
		}
		return tiff.Encode(w, img, &tiff.Options{Compression: c})
	case native.FormatBMP:
		return bmp.Encode(w, img)
	default:
		return fmt.Errorf("unsupported format %q", opts.Format)
	}
}
