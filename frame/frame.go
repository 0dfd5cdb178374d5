// Package frame defines the in-memory representation of a camera frame and
// its binary wire encoding.
//
// An encoded frame is an 8-byte header of big-endian uint32 height and width,
// followed by exactly height*width*3 bytes of row-major pixel data, one byte
// per channel. Channel order is whatever the capture device produced; this
// package treats it as opaque, except for conversion to and from image.Image
// where BGR order (the OpenCV convention) is assumed.
package frame

import (
	"encoding/binary"
	"image"
	"image/color"
	"math"
	"math/bits"

	"github.com/pkg/errors"
)

// Channels is the number of 8-bit channels of every transportable Frame.
const Channels = 3

// HeaderLen is the length of the encoded dimension header.
const HeaderLen = 8

var (
	// ErrEncoding is returned when a Frame cannot be encoded.
	ErrEncoding = errors.New("frame encoding error")
	// ErrDecoding is returned when an encoded payload is too short for its header
	// or its declared dimensions.
	ErrDecoding = errors.New("frame decoding error")
	// ErrCorruptRecord is returned when an encoded payload carries more pixel
	// bytes than its declared dimensions allow.
	ErrCorruptRecord = errors.New("corrupt frame record")
)

// Frame is a 2-D grid of pixels with Channels bytes per pixel.
type Frame struct {
	Height   int
	Width    int
	Channels int
	// Pix holds Height*Width*Channels bytes, row-major.
	Pix []byte
}

// New returns a zero-filled Frame of the given dimensions.
func New(height, width int) Frame {
	return Frame{
		Height:   height,
		Width:    width,
		Channels: Channels,
		Pix:      make([]byte, height*width*Channels),
	}
}

// Validate returns an error if the Frame is not a well-formed 3-channel,
// 8-bit frame.
func (f Frame) Validate() error {
	if f.Channels != Channels {
		return errors.WithMessagef(ErrEncoding, "expected %d channels (got %d)", Channels, f.Channels)
	} else if f.Height <= 0 || f.Width <= 0 {
		return errors.WithMessagef(ErrEncoding, "invalid dimensions %dx%d", f.Height, f.Width)
	} else if uint64(f.Height) > math.MaxUint32 || uint64(f.Width) > math.MaxUint32 {
		return errors.WithMessagef(ErrEncoding, "dimensions %dx%d overflow uint32", f.Height, f.Width)
	}
	if l, ok := pixelLen(uint32(f.Height), uint32(f.Width)); !ok {
		return errors.WithMessagef(ErrEncoding, "dimensions %dx%d overflow", f.Height, f.Width)
	} else if len(f.Pix) != l {
		return errors.WithMessagef(ErrEncoding, "expected %d pixel bytes (got %d)", l, len(f.Pix))
	}
	return nil
}

// pixelLen returns height*width*Channels, and false if the product
// isn't representable as an int.
func pixelLen(height, width uint32) (int, bool) {
	var hi, lo = bits.Mul64(uint64(height), uint64(width)*Channels)
	if hi != 0 || lo > math.MaxInt {
		return 0, false
	}
	return int(lo), true
}

// Equal returns true if |f| and |o| have identical dimensions and pixels.
func (f Frame) Equal(o Frame) bool {
	if f.Height != o.Height || f.Width != o.Width || f.Channels != o.Channels {
		return false
	}
	return string(f.Pix) == string(o.Pix)
}

// Offset returns the index into Pix of the first channel of pixel (y, x).
func (f Frame) Offset(y, x int) int { return (y*f.Width + x) * f.Channels }

// Encode the Frame into its wire representation.
func Encode(f Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	var b = make([]byte, HeaderLen+len(f.Pix))
	binary.BigEndian.PutUint32(b[0:4], uint32(f.Height))
	binary.BigEndian.PutUint32(b[4:8], uint32(f.Width))
	copy(b[HeaderLen:], f.Pix)
	return b, nil
}

// Decode a Frame from its wire representation. The returned Frame does not
// alias |b|. A payload shorter than its header or its declared dimensions
// fails with ErrDecoding, and a payload longer than its declared dimensions
// fails with ErrCorruptRecord. Decode never truncates or pads.
func Decode(b []byte) (Frame, error) {
	if len(b) < HeaderLen {
		return Frame{}, errors.WithMessagef(ErrDecoding, "payload of %d bytes is shorter than header", len(b))
	}
	var height = binary.BigEndian.Uint32(b[0:4])
	var width = binary.BigEndian.Uint32(b[4:8])

	if height == 0 || width == 0 {
		return Frame{}, errors.WithMessagef(ErrDecoding, "invalid dimensions %dx%d", height, width)
	}
	var want, ok = pixelLen(height, width)
	if !ok {
		return Frame{}, errors.WithMessagef(ErrDecoding, "%dx%d frame dimensions overflow", height, width)
	}
	var got = len(b) - HeaderLen

	if got < want {
		return Frame{}, errors.WithMessagef(ErrDecoding,
			"%dx%d frame requires %d pixel bytes (got %d)", height, width, want, got)
	} else if got > want {
		return Frame{}, errors.WithMessagef(ErrCorruptRecord,
			"%dx%d frame requires %d pixel bytes (got %d)", height, width, want, got)
	}

	var f = Frame{
		Height:   int(height),
		Width:    int(width),
		Channels: Channels,
		Pix:      make([]byte, want),
	}
	copy(f.Pix, b[HeaderLen:])
	return f, nil
}

// FromImage converts an image.Image into a BGR Frame.
func FromImage(img image.Image) Frame {
	var bounds = img.Bounds()
	var f = New(bounds.Dy(), bounds.Dx())

	for y := 0; y != f.Height; y++ {
		for x := 0; x != f.Width; x++ {
			var c = color.NRGBAModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA)
			var o = f.Offset(y, x)
			f.Pix[o], f.Pix[o+1], f.Pix[o+2] = c.B, c.G, c.R
		}
	}
	return f
}

// Image returns an opaque RGBA image of the BGR Frame.
func (f Frame) Image() *image.RGBA {
	var img = image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))

	for y := 0; y != f.Height; y++ {
		for x := 0; x != f.Width; x++ {
			var o, p = f.Offset(y, x), img.PixOffset(x, y)
			img.Pix[p], img.Pix[p+1], img.Pix[p+2], img.Pix[p+3] = f.Pix[o+2], f.Pix[o+1], f.Pix[o], 0xff
		}
	}
	return img
}
