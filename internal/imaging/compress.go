package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"github.com/disintegration/imaging"
)

const (
	// DefaultBudget is the target maximum output size: 512 KiB.
	DefaultBudget = 512 * 1024

	// MaxDimension is the largest working width or height. Images above
	// this are downscaled before the quality search.
	MaxDimension = 1024

	minJPEGQuality = 30
	maxJPEGQuality = 95
)

// Result is a re-encoded image that fits (best-effort) within a byte budget.
type Result struct {
	// Data is the final encoded image.
	Data []byte

	// MimeType is "image/png" or "image/jpeg".
	MimeType string

	// Quality is the JPEG quality chosen by the search, or 0 for
	// lossless PNG output. Diagnostic only.
	Quality int
}

// Compress re-encodes raw image bytes so the output stays within budget
// while preserving as much visual fidelity as possible.
//
// Inputs already within budget are re-encoded losslessly as PNG. Larger
// inputs are downscaled to MaxDimension if needed, then either encoded as
// PNG (transparent images) or JPEG with a binary search for the highest
// quality that fits (opaque images). A transparent image whose PNG still
// exceeds budget is flattened onto a white background and sent through the
// JPEG path.
//
// The budget is advisory: when even the minimum JPEG quality cannot fit,
// the minimum-quality encoding is returned oversized rather than failing.
func Compress(raw []byte, budget int) (*Result, error) {
	if budget <= 0 {
		budget = DefaultBudget
	}

	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	if len(raw) <= budget {
		data, err := encodePNG(img)
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, MimeType: "image/png"}, nil
	}

	bounds := img.Bounds()
	if w, h := fitWithin(bounds.Dx(), bounds.Dy(), MaxDimension); w != bounds.Dx() || h != bounds.Dy() {
		img = imaging.Resize(img, w, h, imaging.Lanczos)
	}

	if !isOpaque(img) {
		data, err := encodePNG(img)
		if err != nil {
			return nil, err
		}
		if len(data) <= budget {
			return &Result{Data: data, MimeType: "image/png"}, nil
		}
		// PNG too large: flatten onto white and fall through to JPEG.
		img = flattenOnWhite(img)
	}

	data, quality, err := searchJPEGQuality(img, budget)
	if err != nil {
		return nil, err
	}
	return &Result{Data: data, MimeType: "image/jpeg", Quality: quality}, nil
}

// fitWithin scales (w, h) down so both sides are at most max, preserving
// aspect ratio. The scaled dimension rounds down. Dimensions already within
// max are returned unchanged.
func fitWithin(w, h, max int) (int, int) {
	if w <= max && h <= max {
		return w, h
	}
	if w >= h {
		nh := h * max / w
		if nh < 1 {
			nh = 1
		}
		return max, nh
	}
	nw := w * max / h
	if nw < 1 {
		nw = 1
	}
	return nw, max
}

// isOpaque reports whether the image carries no transparency. Decoded images
// expose Opaque(); anything else is scanned pixel by pixel.
func isOpaque(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return o.Opaque()
	}
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a != 0xffff {
				return false
			}
		}
	}
	return true
}

// flattenOnWhite alpha-composites the image onto an opaque white background,
// using the image's own alpha channel as the mask.
func flattenOnWhite(img image.Image) *image.NRGBA {
	bounds := img.Bounds()
	background := imaging.New(bounds.Dx(), bounds.Dy(), color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	return imaging.Overlay(background, img, image.Point{}, 1.0)
}

// searchJPEGQuality binary-searches quality in [minJPEGQuality, maxJPEGQuality]
// for the highest value whose encoding fits the budget. When no quality fits,
// it falls back to a single minimum-quality encode and accepts the oversized
// result.
func searchJPEGQuality(img image.Image, budget int) ([]byte, int, error) {
	low, high := minJPEGQuality, maxJPEGQuality

	var best []byte
	bestQuality := high

	for low <= high {
		mid := (low + high) / 2
		data, err := encodeJPEG(img, mid)
		if err != nil {
			return nil, 0, err
		}
		if len(data) <= budget {
			best = data
			bestQuality = mid
			low = mid + 1
		} else {
			high = mid - 1
		}
	}

	if best == nil {
		data, err := encodeJPEG(img, minJPEGQuality)
		if err != nil {
			return nil, 0, err
		}
		return data, minJPEGQuality, nil
	}
	return best, bestQuality, nil
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	err := imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression))
	if err != nil {
		return nil, fmt.Errorf("failed to encode PNG: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality))
	if err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}
	return buf.Bytes(), nil
}
