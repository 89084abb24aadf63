package intake

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
)

const thumbQuality = 80

// Thumbnail decodes an image, applies its EXIF orientation, fits it within
// size x size and returns it as a data URI. Formats with transparency are
// re-encoded as PNG, everything else as JPEG.
func Thumbnail(data []byte, size int) (string, error) {
	img, kind, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}

	img = applyOrientation(img, orientation(data))
	thumb := imaging.Fit(img, size, size, imaging.Lanczos)

	var buf bytes.Buffer
	mediaType := "image/jpeg"
	switch kind {
	case "png", "gif":
		mediaType = "image/png"
		err = png.Encode(&buf, thumb)
	default:
		err = jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: thumbQuality})
	}
	if err != nil {
		return "", fmt.Errorf("encode thumbnail: %w", err)
	}

	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// orientation reads the EXIF orientation tag, defaulting to 1 (upright).
func orientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	if v, err := tag.Int(0); err == nil && v >= 1 && v <= 8 {
		return v
	}
	return 1
}

// applyOrientation transforms an image according to EXIF orientation value.
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
