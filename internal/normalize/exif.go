package normalize

import (
	"bytes"
	"image"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
)

// orientationNone is the identity EXIF orientation.
const orientationNone = 1

// readOrientation extracts the EXIF orientation tag (1-8) from the raw
// upload bytes. Absent or unreadable metadata yields orientation 1; this
// never fails the pipeline.
func readOrientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return orientationNone
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return orientationNone
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return orientationNone
	}
	return v
}

// applyOrientation re-renders img upright for the given EXIF orientation.
// Orientations 5-8 swap width and height.
func applyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}
