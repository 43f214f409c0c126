package render_test

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-variant/pkg/simplevariant"
	"github.com/tendant/simple-variant/pkg/simplevariant/render"
)

// pngBytes builds a small gradient image so resize output is not a flat
// color.
func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestRenderProducesExactDimensions(t *testing.T) {
	src := pngBytes(t, 400, 300)
	r := render.New()

	tests := []struct {
		name       string
		format     simplevariant.Format
		wantFormat string
	}{
		{name: "png", format: simplevariant.FormatPNG, wantFormat: "png"},
		{name: "jpeg", format: simplevariant.FormatJPEG, wantFormat: "jpeg"},
		{name: "webp", format: simplevariant.FormatWebP, wantFormat: "webp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := r.Render(src, 200, 100, tt.format)
			require.NoError(t, err)
			require.NotEmpty(t, out)

			img, format, err := image.Decode(bytes.NewReader(out))
			require.NoError(t, err)
			assert.Equal(t, tt.wantFormat, format)
			assert.Equal(t, 200, img.Bounds().Dx())
			assert.Equal(t, 100, img.Bounds().Dy())
		})
	}
}

func TestRenderUpscalesSmallSources(t *testing.T) {
	src := pngBytes(t, 100, 80)

	out, err := render.New().Render(src, 300, 200, simplevariant.FormatPNG)
	require.NoError(t, err)

	img, _, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 300, img.Bounds().Dx())
	assert.Equal(t, 200, img.Bounds().Dy())
}

func TestRenderCoverFitCropsOverflow(t *testing.T) {
	// A tall source into a wide target must crop, not letterbox: the output
	// carries no padding rows, so its bounds are exactly the target.
	src := pngBytes(t, 100, 400)

	out, err := render.New().Render(src, 200, 100, simplevariant.FormatPNG)
	require.NoError(t, err)

	img, _, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 200, img.Bounds().Dx())
	assert.Equal(t, 100, img.Bounds().Dy())
}

func TestRenderRejectsGarbage(t *testing.T) {
	_, err := render.New().Render([]byte("not an image"), 10, 10, simplevariant.FormatPNG)
	assert.ErrorIs(t, err, simplevariant.ErrRenderFailed)
}

func TestRenderRejectsUnknownFormat(t *testing.T) {
	src := pngBytes(t, 10, 10)
	_, err := render.New().Render(src, 5, 5, simplevariant.Format("gif"))
	assert.ErrorIs(t, err, simplevariant.ErrRenderFailed)
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "image/png", render.ContentType(simplevariant.FormatPNG))
	assert.Equal(t, "image/jpeg", render.ContentType(simplevariant.FormatJPEG))
	assert.Equal(t, "image/webp", render.ContentType(simplevariant.FormatWebP))
	assert.Equal(t, "application/octet-stream", render.ContentType(simplevariant.Format("tiff")))
}
