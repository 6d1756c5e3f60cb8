// Package imaging holds the immutable pixel grid shared by capture, scoring
// and registration, plus the codecs used to move it in and out of storage.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	"image/png"

	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
)

// ErrEmptyImage is returned when an image would have no pixels.
var ErrEmptyImage = errors.New("image has no pixels")

// Image is an owned pixel grid with straight (non-premultiplied) alpha, so
// colour channels keep their stored values whatever the transparency. It is
// never mutated after construction.
type Image struct {
	pix     *image.NRGBA
	encoded []byte
	format  string
}

// FromImage copies src into a new Image anchored at the origin.
func FromImage(src image.Image) (*Image, error) {
	if src == nil {
		return nil, ErrEmptyImage
	}
	b := src.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, ErrEmptyImage
	}
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	if n, ok := src.(*image.NRGBA); ok {
		for y := 0; y < b.Dy(); y++ {
			row := n.Pix[n.PixOffset(b.Min.X, b.Min.Y+y):]
			copy(dst.Pix[y*dst.Stride:y*dst.Stride+4*b.Dx()], row[:4*b.Dx()])
		}
		return &Image{pix: dst}, nil
	}
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			dst.SetNRGBA(x, y, color.NRGBAModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA))
		}
	}
	return &Image{pix: dst}, nil
}

// Uniform builds a width x height image filled with c. Use color.NRGBA to
// give a translucent colour by its straight channel values.
func Uniform(width, height int, c color.Color) (*Image, error) {
	if width <= 0 || height <= 0 {
		return nil, ErrEmptyImage
	}
	n := color.NRGBAModel.Convert(c).(color.NRGBA)
	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < len(dst.Pix); i += 4 {
		dst.Pix[i], dst.Pix[i+1], dst.Pix[i+2], dst.Pix[i+3] = n.R, n.G, n.B, n.A
	}
	return &Image{pix: dst}, nil
}

// Decode parses a JPEG, PNG, GIF or BMP blob. The original bytes are kept as
// the image's encoded form.
func Decode(data []byte) (*Image, error) {
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	img, err := FromImage(src)
	if err != nil {
		return nil, err
	}
	img.encoded = append([]byte(nil), data...)
	img.format = format
	return img, nil
}

// Width returns the number of columns.
func (i *Image) Width() int { return i.pix.Rect.Dx() }

// Height returns the number of rows.
func (i *Image) Height() int { return i.pix.Rect.Dy() }

// Bounds implements image.Image.
func (i *Image) Bounds() image.Rectangle { return i.pix.Rect }

// ColorModel implements image.Image.
func (i *Image) ColorModel() color.Model { return color.NRGBAModel }

// At implements image.Image.
func (i *Image) At(x, y int) color.Color { return i.pix.At(x, y) }

// NRGBAAt returns the straight-alpha pixel at (x, y).
func (i *Image) NRGBAAt(x, y int) color.NRGBA { return i.pix.NRGBAAt(x, y) }

// Encoded returns a copy of the bytes this image was decoded from or encoded
// to, and their format ("jpeg", "png", ...). Both are empty for images built
// in memory.
func (i *Image) Encoded() ([]byte, string) {
	if len(i.encoded) == 0 {
		return nil, ""
	}
	return append([]byte(nil), i.encoded...), i.format
}

// ContentType maps the encoded format to a MIME type.
func (i *Image) ContentType() string {
	switch i.format {
	case "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "bmp":
		return "image/bmp"
	default:
		return "application/octet-stream"
	}
}

// Resize returns a width x height copy resampled with bilinear interpolation.
// Same-size requests return a plain copy so identical inputs stay identical.
func (i *Image) Resize(width, height int) (*Image, error) {
	if width <= 0 || height <= 0 {
		return nil, ErrEmptyImage
	}
	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	if width == i.Width() && height == i.Height() {
		copy(dst.Pix, i.pix.Pix)
		return &Image{pix: dst}, nil
	}
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), i.pix, i.pix.Rect, xdraw.Src, nil)
	return &Image{pix: dst}, nil
}

// Opaque returns a copy with every alpha set to 255 and colour channels
// untouched.
func (i *Image) Opaque() *Image {
	dst := image.NewNRGBA(i.pix.Rect)
	copy(dst.Pix, i.pix.Pix)
	for p := 3; p < len(dst.Pix); p += 4 {
		dst.Pix[p] = 0xff
	}
	return &Image{pix: dst}
}

// EncodeJPEG returns a copy of the image carrying its JPEG encoding at the
// given quality in [0, 1]. Pixels are left as they were; only the encoded
// form is lossy.
func (i *Image) EncodeJPEG(quality float64) (*Image, error) {
	q := int(quality*100 + 0.5)
	if q < 1 {
		q = 1
	}
	if q > 100 {
		q = 100
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, i.pix, &jpeg.Options{Quality: q}); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return &Image{pix: i.pix, encoded: buf.Bytes(), format: "jpeg"}, nil
}

// EncodePNG returns the lossless PNG encoding of the pixel grid.
func (i *Image) EncodePNG() ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, i.pix); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}
