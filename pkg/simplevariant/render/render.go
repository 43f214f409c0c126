// Package render turns original image bytes into rendition bytes: decode,
// cover-fit resize to the exact target dimensions, re-encode in the target
// format.
package render

import (
	"bytes"
	"fmt"
	"image"

	// Register decoders for the formats originals may arrive in. The webp
	// import also provides the encoder used below.
	_ "image/gif"
	"image/jpeg"
	"image/png"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"

	"github.com/tendant/simple-variant/pkg/simplevariant"
)

// jpegQuality and webpQuality are the fixed encoder settings for lossy
// renditions.
const (
	jpegQuality = 90
	webpQuality = 90
)

// Renderer produces renditions from original image bytes.
type Renderer struct{}

// New creates a Renderer.
func New() *Renderer { return &Renderer{} }

// Render decodes src, resizes it to exactly width x height using cover-fit
// (scale to fill, center crop of the overflow), and encodes the result in
// the requested format. The output always has the exact target dimensions
// regardless of the source aspect ratio.
func (Renderer) Render(src []byte, width, height int, format simplevariant.Format) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", simplevariant.ErrRenderFailed, err)
	}

	resized := imaging.Fill(img, width, height, imaging.Center, imaging.Lanczos)

	var buf bytes.Buffer
	switch format {
	case simplevariant.FormatPNG:
		err = png.Encode(&buf, resized)
	case simplevariant.FormatJPEG:
		err = jpeg.Encode(&buf, resized, &jpeg.Options{Quality: jpegQuality})
	case simplevariant.FormatWebP:
		err = webp.Encode(&buf, resized, &webp.Options{Quality: webpQuality})
	default:
		return nil, fmt.Errorf("%w: unsupported format %q", simplevariant.ErrRenderFailed, format)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s: %v", simplevariant.ErrRenderFailed, format, err)
	}

	return buf.Bytes(), nil
}

// ContentType returns the MIME type for a rendition format.
func ContentType(format simplevariant.Format) string {
	switch format {
	case simplevariant.FormatPNG:
		return "image/png"
	case simplevariant.FormatJPEG:
		return "image/jpeg"
	case simplevariant.FormatWebP:
		return "image/webp"
	}
	return "application/octet-stream"
}
