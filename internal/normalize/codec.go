package normalize

import (
	"bytes"
	"errors"
	"image"
	"image/jpeg"
	"math"
)

// Codec is the encoder capability the quality search runs against.
// Implementations must produce monotonically larger output for higher
// quality on typical photographic input; the search tolerates local
// non-monotonicity but converges on the assumption.
type Codec interface {
	// Format returns the short format tag (e.g. "jpeg").
	Format() string
	// MIME returns the media type of the encoded output.
	MIME() string
	// EncodeQuality encodes img at quality in (0,1].
	EncodeQuality(img image.Image, quality float64) ([]byte, error)
}

// JPEGCodec encodes via the standard library JPEG encoder. JPEG is the
// universal fallback format: every runtime can decode it, and it is the
// only lossy format with a pure-Go encoder. Higher-compression codecs can
// be registered ahead of it when the platform provides an encoder.
type JPEGCodec struct{}

func (JPEGCodec) Format() string { return "jpeg" }
func (JPEGCodec) MIME() string   { return "image/jpeg" }

func (JPEGCodec) EncodeQuality(img image.Image, quality float64) ([]byte, error) {
	if img == nil {
		return nil, errors.New("nil image")
	}
	q := int(math.Round(quality * 100))
	if q < 1 {
		q = 1
	}
	if q > 100 {
		q = 100
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DefaultCodecs returns the codec preference order for this runtime.
// Index 0 is the preferred output format.
func DefaultCodecs() []Codec {
	return []Codec{JPEGCodec{}}
}
