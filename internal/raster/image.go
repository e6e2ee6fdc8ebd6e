package raster

import (
	"bytes"
	"image"
	_ "image/jpeg"
	"image/png"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
)

// Page is one rasterized page, encoded and ready for a Detector
type Page struct {
	Index  int // 0-based page index
	Data   []byte
	Width  int
	Height int
	// Scale is encoded size over source size; 1 when the page was not
	// downscaled. Zero is treated as 1.
	Scale float64
}

// scaleOf returns the factor Normalize applied to a source w pixels wide
func scaleOf(w int, scaled image.Image) float64 {
	if w <= 0 {
		return 1
	}
	return float64(scaled.Bounds().Dx()) / float64(w)
}

// Format names an encoding for page images
type Format string

const (
	FormatPNG  Format = "png"
	FormatTIFF Format = "tiff"
)

// ParseFormat defaults to PNG
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "png":
		return FormatPNG, nil
	case "tiff", "tif":
		return FormatTIFF, nil
	}
	return "", errors.Errorf("unsupported raster format %q", s)
}

// Normalize scales img down so neither side exceeds maxDimension.
// maxDimension <= 0 disables scaling.
func Normalize(img image.Image, maxDimension int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxDimension <= 0 || (w <= maxDimension && h <= maxDimension) {
		return img
	}

	longest := max(w, h)
	nw := max(1, w*maxDimension/longest)
	nh := max(1, h*maxDimension/longest)

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// Encode writes img in the given format
func Encode(img image.Image, format Format) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case FormatTIFF:
		if err := tiff.Encode(&buf, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
			return nil, errors.Wrap(err, "failed to encode tiff")
		}
	default:
		if err := png.Encode(&buf, img); err != nil {
			return nil, errors.Wrap(err, "failed to encode png")
		}
	}
	return buf.Bytes(), nil
}

// PrepareImage returns a single uploaded image as a Page. The original bytes
// pass through untouched unless the image exceeds maxDimension.
func PrepareImage(data []byte, maxDimension int, format Format) (*Page, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read image header")
	}

	if maxDimension <= 0 || (cfg.Width <= maxDimension && cfg.Height <= maxDimension) {
		return &Page{Index: 0, Data: data, Width: cfg.Width, Height: cfg.Height, Scale: 1}, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode image")
	}

	scaled := Normalize(img, maxDimension)
	encoded, err := Encode(scaled, format)
	if err != nil {
		return nil, err
	}

	return &Page{
		Index:  0,
		Data:   encoded,
		Width:  scaled.Bounds().Dx(),
		Height: scaled.Bounds().Dy(),
		Scale:  scaleOf(cfg.Width, scaled),
	}, nil
}
