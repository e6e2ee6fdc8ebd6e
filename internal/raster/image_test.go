package raster

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestNormalizeKeepsSmallImages(t *testing.T) {
	img := testImage(40, 30)
	assert.Same(t, img, Normalize(img, 100))
	assert.Same(t, img, Normalize(img, 0))
}

func TestNormalizeScalesLongestSide(t *testing.T) {
	out := Normalize(testImage(400, 100), 200)
	assert.Equal(t, 200, out.Bounds().Dx())
	assert.Equal(t, 50, out.Bounds().Dy())

	out = Normalize(testImage(100, 400), 200)
	assert.Equal(t, 50, out.Bounds().Dx())
	assert.Equal(t, 200, out.Bounds().Dy())
}

func TestEncodeFormats(t *testing.T) {
	img := testImage(8, 8)

	pngData, err := Encode(img, FormatPNG)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(pngData, []byte{0x89, 'P', 'N', 'G'}))

	tiffData, err := Encode(img, FormatTIFF)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(tiffData, []byte("II*\x00")) || bytes.HasPrefix(tiffData, []byte("MM\x00*")))
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatPNG, f)

	f, err = ParseFormat("tif")
	require.NoError(t, err)
	assert.Equal(t, FormatTIFF, f)

	_, err = ParseFormat("bmp")
	assert.Error(t, err)
}

func TestPrepareImagePassThrough(t *testing.T) {
	data := encodePNG(t, testImage(20, 10))

	page, err := PrepareImage(data, 100, FormatPNG)
	require.NoError(t, err)
	assert.Equal(t, data, page.Data)
	assert.Equal(t, 0, page.Index)
	assert.Equal(t, 20, page.Width)
	assert.Equal(t, 10, page.Height)
	assert.Equal(t, 1.0, page.Scale)
}

func TestPrepareImageDownscales(t *testing.T) {
	data := encodePNG(t, testImage(300, 150))

	page, err := PrepareImage(data, 100, FormatPNG)
	require.NoError(t, err)
	assert.Equal(t, 100, page.Width)
	assert.Equal(t, 50, page.Height)
	assert.InDelta(t, 1.0/3, page.Scale, 1e-9)

	cfg, err := png.DecodeConfig(bytes.NewReader(page.Data))
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Width)
}

func TestPrepareImageRejectsGarbage(t *testing.T) {
	_, err := PrepareImage([]byte("definitely not an image"), 100, FormatPNG)
	assert.Error(t, err)
}
