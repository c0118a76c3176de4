// Package thumbnail renders small JPEG previews of uploaded images.
package thumbnail

import (
	"bytes"
	"fmt"
	"io"

	"github.com/disintegration/imaging"
)

// ContentType of every generated thumbnail.
const ContentType = "image/jpeg"

// Options bounds the generated image.
type Options struct {
	Width   int
	Height  int
	Quality int
}

// Generate decodes an image and scales it to fit within the configured box,
// keeping its aspect ratio. EXIF orientation is applied first.
func Generate(r io.Reader, opts Options) ([]byte, error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("thumbnail size %dx%d", opts.Width, opts.Height)
	}
	src, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	img := imaging.Fit(src, opts.Width, opts.Height, imaging.Lanczos)

	quality := opts.Quality
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
