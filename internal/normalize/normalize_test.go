package normalize

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noisyImage builds an RGBA image with random pixel data so JPEG output
// size responds to the quality parameter.
func noisyImage(t *testing.T, w, h int) image.Image {
	t.Helper()
	rng := rand.New(rand.NewSource(42))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(rng.Intn(256)),
				G: uint8(rng.Intn(256)),
				B: uint8(rng.Intn(256)),
				A: 255,
			})
		}
	}
	return img
}

func encodeJPEG(t *testing.T, img image.Image, quality int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}))
	return buf.Bytes()
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestIsSupportedMediaType(t *testing.T) {
	assert.True(t, IsSupportedMediaType("image/jpeg"))
	assert.True(t, IsSupportedMediaType("image/png"))
	assert.True(t, IsSupportedMediaType("image/webp"))
	assert.True(t, IsSupportedMediaType("IMAGE/JPEG"))
	assert.True(t, IsSupportedMediaType("  image/png "))
	assert.False(t, IsSupportedMediaType("image/gif"))
	assert.False(t, IsSupportedMediaType("application/pdf"))
	assert.False(t, IsSupportedMediaType(""))
}

func TestProcessRejectsUnsupportedType(t *testing.T) {
	n := New(DefaultConfig())
	_, err := n.Process([]byte("not an image"), "image/gif")
	require.Error(t, err)

	var nerr *Error
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, KindUnsupportedFormat, nerr.Kind)
}

func TestProcessRejectsOversizedUpload(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFileBytes = 100
	n := New(cfg)

	_, err := n.Process(make([]byte, 101), "image/jpeg")
	require.Error(t, err)

	var nerr *Error
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, KindFileTooLarge, nerr.Kind)
}

func TestProcessRejectsUndecodablePayload(t *testing.T) {
	n := New(DefaultConfig())
	_, err := n.Process([]byte("definitely not image bytes"), "image/jpeg")
	require.Error(t, err)

	var nerr *Error
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, KindDecodeError, nerr.Kind)
}

func TestProcessSmallImagePassesThrough(t *testing.T) {
	n := New(DefaultConfig())
	data := encodeJPEG(t, noisyImage(t, 320, 240), 80)

	out, err := n.Process(data, "image/jpeg")
	require.NoError(t, err)

	assert.Equal(t, 320, out.Width)
	assert.Equal(t, 240, out.Height)
	assert.Equal(t, "jpeg", out.Format)
	assert.Equal(t, int64(len(data)), out.OriginalSize)
	assert.Positive(t, out.Size)

	mime, payload, err := ParseDataURI(out.DataURI)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", mime)
	assert.Len(t, payload, out.Size)
}

func TestProcessDownscalesLargeImage(t *testing.T) {
	cfg := DefaultConfig()
	n := New(cfg)
	data := encodeJPEG(t, noisyImage(t, 2000, 1500), 90)

	out, err := n.Process(data, "image/jpeg")
	require.NoError(t, err)

	assert.Equal(t, cfg.MaxEdge, out.Width)
	assert.LessOrEqual(t, out.Height, cfg.MaxEdge)
	// Aspect ratio preserved within a pixel of rounding.
	assert.InDelta(t, 2000.0/1500.0, float64(out.Width)/float64(out.Height), 0.01)
}

func TestProcessPortraitKeepsAspect(t *testing.T) {
	cfg := DefaultConfig()
	n := New(cfg)
	data := encodePNG(t, noisyImage(t, 1000, 2600))

	out, err := n.Process(data, "image/png")
	require.NoError(t, err)

	assert.Equal(t, cfg.MaxEdge, out.Height)
	assert.Equal(t, 500, out.Width)
	assert.Equal(t, "jpeg", out.Format, "output is re-encoded in the preferred codec")
}

func TestApplyOrientationDimensions(t *testing.T) {
	// 8x4 source: orientations 5-8 must swap dimensions, 1-4 must not.
	src := noisyImage(t, 8, 4)
	for o := 1; o <= 8; o++ {
		got := applyOrientation(src, o)
		b := got.Bounds()
		if o >= 5 {
			assert.Equal(t, 4, b.Dx(), "orientation %d width", o)
			assert.Equal(t, 8, b.Dy(), "orientation %d height", o)
		} else {
			assert.Equal(t, 8, b.Dx(), "orientation %d width", o)
			assert.Equal(t, 4, b.Dy(), "orientation %d height", o)
		}
	}
}

func TestApplyOrientationRoundTrips(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 3, 2))
	src.Set(0, 0, color.RGBA{R: 255, A: 255})
	src.Set(2, 1, color.RGBA{B: 255, A: 255})

	// Rotating 90 then 270 restores the original pixels.
	rotated := applyOrientation(src, 8)
	restored := applyOrientation(rotated, 6)
	b := restored.Bounds()
	require.Equal(t, 3, b.Dx())
	require.Equal(t, 2, b.Dy())
	r, _, _, _ := restored.At(0, 0).RGBA()
	assert.Equal(t, uint32(0xffff), r)
}

func TestReadOrientationGarbageDefaultsToIdentity(t *testing.T) {
	assert.Equal(t, 1, readOrientation([]byte("no exif here")))
	assert.Equal(t, 1, readOrientation(nil))
}

// sizeModel is a deterministic encoder stand-in where output size grows
// linearly with quality.
func sizeModel(bytesAtLow, bytesAtHigh int) encodeAt {
	return func(q float64) ([]byte, error) {
		frac := (q - 0.60) / (0.92 - 0.60)
		size := bytesAtLow + int(frac*float64(bytesAtHigh-bytesAtLow))
		if size < 0 {
			size = 0
		}
		return make([]byte, size), nil
	}
}

func TestSearchQualityConvergesToBand(t *testing.T) {
	cfg := DefaultConfig()
	n := New(cfg)

	// Quality 0.60 → 120KB, 0.92 → 900KB: the band is reachable.
	res, err := n.searchQuality(sizeModel(120*1024, 900*1024))
	require.NoError(t, err)

	assert.GreaterOrEqual(t, res.size, cfg.TargetMinBytes)
	assert.LessOrEqual(t, res.size, cfg.TargetMaxBytes)
	assert.GreaterOrEqual(t, res.quality, cfg.QualityLow)
	assert.LessOrEqual(t, res.quality, cfg.QualityHigh)
}

func TestSearchQualityUnreachableBandPicksClosest(t *testing.T) {
	cfg := DefaultConfig()
	n := New(cfg)

	// Even the lowest quality produces 500KB: band unreachable, the search
	// must settle near the low end rather than fail.
	res, err := n.searchQuality(sizeModel(500*1024, 2000*1024))
	require.NoError(t, err)
	assert.InDelta(t, cfg.QualityLow, res.quality, 0.01)
	assert.Less(t, res.size, 550*1024)
}

func TestSearchQualityIterationBound(t *testing.T) {
	cfg := DefaultConfig()
	n := New(cfg)

	calls := 0
	_, err := n.searchQuality(func(q float64) ([]byte, error) {
		calls++
		return make([]byte, 1024*1024), nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, calls, cfg.MaxIterations+1, "at most one extra encode past the iteration cap")
}

func TestSearchQualityEarlyExitNearMidpoint(t *testing.T) {
	cfg := DefaultConfig()
	n := New(cfg)
	mid := (cfg.TargetMinBytes + cfg.TargetMaxBytes) / 2

	calls := 0
	res, err := n.searchQuality(func(q float64) ([]byte, error) {
		calls++
		return make([]byte, mid+1000), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "first in-tolerance hit stops the search")
	assert.Equal(t, mid+1000, res.size)
}

func TestSearchQualityPropagatesEncoderError(t *testing.T) {
	n := New(DefaultConfig())
	boom := errors.New("encoder exploded")
	_, err := n.searchQuality(func(q float64) ([]byte, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
}

func TestSearchQualityPrefersInBandResult(t *testing.T) {
	cfg := DefaultConfig()
	n := New(cfg)

	// A step function: below q=0.75 sizes are in band, above they blow up.
	res, err := n.searchQuality(func(q float64) ([]byte, error) {
		if q < 0.75 {
			return make([]byte, 210*1024), nil
		}
		return make([]byte, 900*1024), nil
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.size, cfg.TargetMinBytes)
	assert.LessOrEqual(t, res.size, cfg.TargetMaxBytes)
}

func TestProcessLargeNoisyImageLandsNearBand(t *testing.T) {
	cfg := DefaultConfig()
	n := New(cfg)

	// Random noise compresses poorly, so a 1600x1200 source re-encoded at
	// 1280px still exceeds the band ceiling and triggers the search.
	data := encodeJPEG(t, noisyImage(t, 1600, 1200), 95)
	require.Greater(t, len(data), cfg.TargetMaxBytes)

	out, err := n.Process(data, "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, cfg.MaxEdge, out.Width)

	// Either the band was hit or the search bottomed out at QualityLow;
	// both are valid terminal states.
	if out.Size > cfg.TargetMaxBytes {
		t.Logf("band unreachable at QualityLow: %d bytes", out.Size)
	}
}

func TestThumbnail(t *testing.T) {
	cfg := DefaultConfig()
	n := New(cfg)
	uri := EncodeDataURI("image/jpeg", encodeJPEG(t, noisyImage(t, 640, 480), 80))

	thumb, err := n.Thumbnail(uri)
	require.NoError(t, err)

	mime, payload, err := ParseDataURI(thumb)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", mime)

	img, _, err := image.Decode(bytes.NewReader(payload))
	require.NoError(t, err)
	b := img.Bounds()
	assert.LessOrEqual(t, b.Dx(), cfg.ThumbnailEdge)
	assert.LessOrEqual(t, b.Dy(), cfg.ThumbnailEdge)
}

func TestThumbnailRejectsBadURI(t *testing.T) {
	n := New(DefaultConfig())
	_, err := n.Thumbnail("http://example.com/pic.jpg")
	require.Error(t, err)

	var nerr *Error
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, KindDecodeError, nerr.Kind)
}

func TestDataURIRoundTrip(t *testing.T) {
	payload := []byte{0x01, 0x02, 0xff, 0x00, 0x42}
	uri := EncodeDataURI("image/png", payload)

	mime, got, err := ParseDataURI(uri)
	require.NoError(t, err)
	assert.Equal(t, "image/png", mime)
	assert.Equal(t, payload, got)
}

func TestParseDataURIErrors(t *testing.T) {
	cases := []string{
		"",
		"http://example.com",
		"data:image/png,rawdata",
		"data:image/png;base64,!!!not-base64!!!",
	}
	for i, c := range cases {
		_, _, err := ParseDataURI(c)
		assert.Error(t, err, "case %d: %q", i, c)
	}
}

func TestJPEGCodecQualityScaling(t *testing.T) {
	img := noisyImage(t, 200, 200)
	codec := JPEGCodec{}

	low, err := codec.EncodeQuality(img, 0.60)
	require.NoError(t, err)
	high, err := codec.EncodeQuality(img, 0.92)
	require.NoError(t, err)
	assert.Greater(t, len(high), len(low), "higher quality yields larger output on noise")

	// Out-of-range qualities clamp instead of failing.
	_, err = codec.EncodeQuality(img, 0.001)
	assert.NoError(t, err)
	_, err = codec.EncodeQuality(img, 1.5)
	assert.NoError(t, err)

	_, err = codec.EncodeQuality(nil, 0.8)
	assert.Error(t, err)
}

func TestErrorFormatting(t *testing.T) {
	err := newError(KindDecodeError, "decode", fmt.Errorf("truncated"))
	assert.Contains(t, err.Error(), "decode_error")
	assert.Contains(t, err.Error(), "truncated")
	assert.EqualError(t, errors.Unwrap(err), "truncated")

	bare := newError(KindFileTooLarge, "validate", nil)
	assert.Contains(t, bare.Error(), "file_too_large")
}

func TestErrorKindStrings(t *testing.T) {
	assert.Equal(t, "unsupported_format", KindUnsupportedFormat.String())
	assert.Equal(t, "compression_failed", KindCompressionFailed.String())
	assert.Equal(t, "unknown", ErrorKind(99).String())
}

func TestSearchDistanceMath(t *testing.T) {
	// An out-of-band candidate is always farther from the midpoint than any
	// in-band candidate, so closest-to-midpoint selection cannot leave the
	// band once it has been entered.
	cfg := DefaultConfig()
	mid := float64(cfg.TargetMinBytes+cfg.TargetMaxBytes) / 2
	halfBand := float64(cfg.TargetMaxBytes-cfg.TargetMinBytes) / 2
	outDist := math.Abs(float64(cfg.TargetMaxBytes+1) - mid)
	assert.Greater(t, outDist, halfBand-1)
}
