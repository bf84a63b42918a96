// Package normalize turns raw photo uploads into canonical, size-bounded
// encoded images: EXIF-aware reorientation, aspect-preserving downscale and
// a binary search over encoder quality targeting a fixed byte-size band.
package normalize

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// SupportedMediaTypes is the upload whitelist.
var SupportedMediaTypes = []string{"image/jpeg", "image/png", "image/webp"}

// Config holds the normalization targets.
type Config struct {
	MaxFileBytes   int64   // upload ceiling
	MaxEdge        int     // longest output edge
	TargetMinBytes int     // lower bound of the size band
	TargetMaxBytes int     // upper bound of the size band
	QualityLow     float64 // encoder quality search lower bound
	QualityHigh    float64 // encoder quality search upper bound
	MaxIterations  int     // binary search iteration cap
	MidTolerance   int     // early-exit distance from the band midpoint
	ThumbnailEdge  int     // longest edge for thumbnails
	ThumbnailQual  float64 // thumbnail encoder quality
}

// DefaultConfig returns the production targets: 1280px edge, 200-300KB band.
func DefaultConfig() Config {
	return Config{
		MaxFileBytes:   10 * 1024 * 1024,
		MaxEdge:        1280,
		TargetMinBytes: 200 * 1024,
		TargetMaxBytes: 300 * 1024,
		QualityLow:     0.60,
		QualityHigh:    0.92,
		MaxIterations:  8,
		MidTolerance:   20 * 1024,
		ThumbnailEdge:  150,
		ThumbnailQual:  0.70,
	}
}

// EncodedImage is the normalizer output: a canonical upright raster in a
// self-describing data URI. Longest edge is at most Config.MaxEdge; Size is
// within the target band whenever the quality search converged.
type EncodedImage struct {
	DataURI      string `json:"data_uri"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	Size         int    `json:"size"`
	Format       string `json:"format"`
	OriginalSize int64  `json:"original_size"`
}

// Normalizer validates, reorients, resizes and re-encodes uploads.
type Normalizer struct {
	cfg    Config
	codecs []Codec
}

// New creates a Normalizer. codecs sets the output format preference order;
// nil selects DefaultCodecs.
func New(cfg Config, codecs ...Codec) *Normalizer {
	if len(codecs) == 0 {
		codecs = DefaultCodecs()
	}
	return &Normalizer{cfg: cfg, codecs: codecs}
}

// IsSupportedMediaType reports whether mediaType is on the upload whitelist.
func IsSupportedMediaType(mediaType string) bool {
	mt := strings.ToLower(strings.TrimSpace(mediaType))
	for _, s := range SupportedMediaTypes {
		if mt == s {
			return true
		}
	}
	return false
}

// Process normalizes a raw upload. mediaType is the declared type of the
// upload; the payload itself must decode as an image.
func (n *Normalizer) Process(data []byte, mediaType string) (*EncodedImage, error) {
	if !IsSupportedMediaType(mediaType) {
		return nil, newError(KindUnsupportedFormat, "validate",
			fmt.Errorf("media type %q not in %v", mediaType, SupportedMediaTypes))
	}
	if int64(len(data)) > n.cfg.MaxFileBytes {
		return nil, newError(KindFileTooLarge, "validate",
			fmt.Errorf("%d bytes exceeds limit of %d", len(data), n.cfg.MaxFileBytes))
	}

	orientation := readOrientation(data)

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, newError(KindDecodeError, "decode", err)
	}
	img = applyOrientation(img, orientation)
	img = n.fitToMaxEdge(img)

	codec := n.codecs[0]

	bounds := img.Bounds()
	out := EncodedImage{
		Width:        bounds.Dx(),
		Height:       bounds.Dy(),
		Format:       codec.Format(),
		OriginalSize: int64(len(data)),
	}

	needsSearch := int64(len(data)) > int64(n.cfg.TargetMaxBytes)
	if b := maxEdge(bounds); b > n.cfg.MaxEdge {
		needsSearch = true
	}

	var encoded []byte
	if needsSearch {
		res, err := n.searchQuality(func(q float64) ([]byte, error) {
			return codec.EncodeQuality(img, q)
		})
		if err != nil {
			return nil, newError(KindCompressionFailed, "encode", err)
		}
		encoded = res.data
	} else {
		// Small inputs skip the search but still pass through the codec so
		// every output is canonical and upright.
		encoded, err = codec.EncodeQuality(img, n.cfg.QualityHigh)
		if err != nil {
			return nil, newError(KindCompressionFailed, "encode", err)
		}
	}

	out.Size = len(encoded)
	out.DataURI = EncodeDataURI(codec.MIME(), encoded)
	return &out, nil
}

// Thumbnail produces a small JPEG data URI for list display from a
// normalized image's data URI.
func (n *Normalizer) Thumbnail(dataURI string) (string, error) {
	_, data, err := ParseDataURI(dataURI)
	if err != nil {
		return "", newError(KindDecodeError, "thumbnail", err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", newError(KindDecodeError, "thumbnail", err)
	}
	thumb := imaging.Fit(img, n.cfg.ThumbnailEdge, n.cfg.ThumbnailEdge, imaging.Lanczos)
	codec := JPEGCodec{}
	encoded, err := codec.EncodeQuality(thumb, n.cfg.ThumbnailQual)
	if err != nil {
		return "", newError(KindCompressionFailed, "thumbnail", err)
	}
	return EncodeDataURI(codec.MIME(), encoded), nil
}

// fitToMaxEdge scales img down so its longest edge equals MaxEdge,
// preserving aspect ratio. Images at or below the limit pass through.
func (n *Normalizer) fitToMaxEdge(img image.Image) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	longest := w
	if h > longest {
		longest = h
	}
	if longest <= n.cfg.MaxEdge {
		return img
	}
	ratio := float64(n.cfg.MaxEdge) / float64(longest)
	nw := int(float64(w) * ratio)
	nh := int(float64(h) * ratio)
	if w >= h {
		nw = n.cfg.MaxEdge
	} else {
		nh = n.cfg.MaxEdge
	}
	return imaging.Resize(img, nw, nh, imaging.Lanczos)
}

func maxEdge(b image.Rectangle) int {
	if b.Dx() > b.Dy() {
		return b.Dx()
	}
	return b.Dy()
}

// EncodeDataURI builds a base64 data URI for the given media type.
func EncodeDataURI(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// ParseDataURI splits a base64 data URI into media type and payload bytes.
func ParseDataURI(uri string) (string, []byte, error) {
	if !strings.HasPrefix(uri, "data:") {
		return "", nil, errors.New("not a data URI")
	}
	rest := uri[len("data:"):]
	sep := strings.Index(rest, ";base64,")
	if sep < 0 {
		return "", nil, errors.New("data URI is not base64-encoded")
	}
	mime := rest[:sep]
	data, err := base64.StdEncoding.DecodeString(rest[sep+len(";base64,"):])
	if err != nil {
		return "", nil, fmt.Errorf("decode payload: %w", err)
	}
	return mime, data, nil
}
