// Package imaging decodes archive photos into upright RGBA pixels and prepares
// them for the embedding server.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"

	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const jpegQuality = 90

// Decode reads the image at path, applies its EXIF orientation and returns the
// pixels in RGBA channel order.
func Decode(path string) (*image.RGBA, error) {
	img, orientation, err := decodeFile(path)
	if err != nil {
		return nil, err
	}
	return Orient(img, orientation), nil
}

// DecodeBytes is Decode for in-memory image data.
func DecodeBytes(data []byte) (*image.RGBA, error) {
	img, orientation, err := decode(data)
	if err != nil {
		return nil, err
	}
	return Orient(img, orientation), nil
}

func decodeFile(path string) (image.Image, int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // archive path
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read image: %w", err)
	}
	return decode(data)
}

// decode returns the stored pixels and the EXIF orientation of data.
func decode(data []byte) (image.Image, int, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, readOrientation(data), nil
}

// readOrientation returns the EXIF orientation tag, or 1 when the image has no
// usable EXIF data.
func readOrientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	o, err := tag.Int(0)
	if err != nil || o < 1 || o > 8 {
		return 1
	}
	return o
}

// toRGBA returns img as an RGBA image anchored at the origin. An image that
// already is one is returned as is.
func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// Orient transforms img so that an image stored with the given EXIF
// orientation (1-8) is displayed upright. Orientation 1 and unknown values only
// convert to RGBA; img itself is returned when it already is RGBA.
func Orient(img image.Image, orientation int) *image.RGBA {
	src := toRGBA(img)
	if orientation < 2 || orientation > 8 {
		return src
	}
	w, h := src.Rect.Dx(), src.Rect.Dy()

	dw, dh := w, h
	if orientation >= 5 {
		dw, dh = h, w
	}
	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))

	for y := range dh {
		row := dst.PixOffset(0, y)
		for x := range dw {
			var sx, sy int
			switch orientation {
			case 2: // mirror horizontal
				sx, sy = w-1-x, y
			case 3: // rotate 180
				sx, sy = w-1-x, h-1-y
			case 4: // mirror vertical
				sx, sy = x, h-1-y
			case 5: // transpose
				sx, sy = y, x
			case 6: // rotate 90 CW
				sx, sy = y, h-1-x
			case 7: // transverse
				sx, sy = w-1-y, h-1-x
			case 8: // rotate 90 CCW
				sx, sy = w-1-y, x
			}
			so := src.PixOffset(sx, sy)
			copy(dst.Pix[row+4*x:row+4*x+4], src.Pix[so:so+4])
		}
	}
	return dst
}

// Fit scales img down so that neither side exceeds maxSize, keeping the aspect
// ratio. Images already within bounds are only converted to RGBA.
func Fit(img image.Image, maxSize int) *image.RGBA {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	if maxSize <= 0 || (width <= maxSize && height <= maxSize) {
		return toRGBA(img)
	}

	var newWidth, newHeight int
	if width > height {
		newWidth = maxSize
		newHeight = max(1, int(float64(height)*float64(maxSize)/float64(width)))
	} else {
		newHeight = maxSize
		newWidth = max(1, int(float64(width)*float64(maxSize)/float64(height)))
	}

	resized := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.CatmullRom.Scale(resized, resized.Bounds(), img, bounds, draw.Src, nil)
	return resized
}

// EncodeJPEG encodes img as JPEG.
func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// Prepare decodes the image at path, limits its size, corrects its orientation
// and re-encodes it as JPEG for upload. Scaling comes first so the orientation
// pass only touches the reduced image.
func Prepare(path string, maxSize int) ([]byte, error) {
	img, orientation, err := decodeFile(path)
	if err != nil {
		return nil, err
	}
	return EncodeJPEG(Orient(Fit(img, maxSize), orientation))
}
