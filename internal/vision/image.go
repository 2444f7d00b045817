// Package vision holds the immutable values that flow through the frame
// pipeline: captured images, frames and detection results.
package vision

import (
	"fmt"
	"image"
	"image/color"
	"time"
)

// Image is a row-major, channel-interleaved pixel buffer.
type Image struct {
	Width    int
	Height   int
	Channels int
	Pix      []uint8
}

// NewImage allocates a zeroed image of the given shape.
func NewImage(width, height, channels int) Image {
	return Image{
		Width:    width,
		Height:   height,
		Channels: channels,
		Pix:      make([]uint8, width*height*channels),
	}
}

// Empty reports whether the image carries no pixel data.
func (im Image) Empty() bool {
	return im.Width <= 0 || im.Height <= 0 || im.Channels <= 0 || len(im.Pix) == 0
}

// ShapeOK reports whether the buffer is consistent with its declared
// dimensions and matches the expected shape. A zero expectation matches
// any value.
func (im Image) ShapeOK(width, height, channels int) bool {
	if len(im.Pix) != im.Width*im.Height*im.Channels {
		return false
	}
	if width > 0 && im.Width != width {
		return false
	}
	if height > 0 && im.Height != height {
		return false
	}
	if channels > 0 && im.Channels != channels {
		return false
	}
	return true
}

// Blank reports whether every sample is zero. Sensors emit black frames
// until they are actually streaming.
func (im Image) Blank() bool {
	for _, v := range im.Pix {
		if v != 0 {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (im Image) Clone() Image {
	out := im
	out.Pix = append([]uint8(nil), im.Pix...)
	return out
}

// ToNRGBA converts the buffer to a standard library image. Grey (1), RGB (3)
// and RGBA (4) layouts are supported.
func (im Image) ToNRGBA() (*image.NRGBA, error) {
	if im.Empty() || !im.ShapeOK(0, 0, 0) {
		return nil, fmt.Errorf("invalid image %dx%dx%d with %d samples", im.Width, im.Height, im.Channels, len(im.Pix))
	}
	out := image.NewNRGBA(image.Rect(0, 0, im.Width, im.Height))
	for y := 0; y < im.Height; y++ {
		for x := 0; x < im.Width; x++ {
			i := (y*im.Width + x) * im.Channels
			var c color.NRGBA
			switch im.Channels {
			case 1:
				c = color.NRGBA{R: im.Pix[i], G: im.Pix[i], B: im.Pix[i], A: 0xff}
			case 3:
				c = color.NRGBA{R: im.Pix[i], G: im.Pix[i+1], B: im.Pix[i+2], A: 0xff}
			case 4:
				c = color.NRGBA{R: im.Pix[i], G: im.Pix[i+1], B: im.Pix[i+2], A: im.Pix[i+3]}
			default:
				return nil, fmt.Errorf("unsupported channel count %d", im.Channels)
			}
			out.SetNRGBA(x, y, c)
		}
	}
	return out, nil
}

// FromImage converts any standard library image into a 3-channel Image.
func FromImage(src image.Image) Image {
	b := src.Bounds()
	out := NewImage(b.Dx(), b.Dy(), 3)
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(src.At(x, y)).(color.NRGBA)
			out.Pix[i], out.Pix[i+1], out.Pix[i+2] = c.R, c.G, c.B
			i += 3
		}
	}
	return out
}

// SourceKind identifies where a frame came from.
type SourceKind string

const (
	SourceCamera SourceKind = "camera"
	SourceVideo  SourceKind = "video"
)

// Finite reports whether the source ends (file-backed) rather than
// streaming indefinitely.
func (k SourceKind) Finite() bool {
	return k == SourceVideo
}

// Frame is a captured image with its capture metadata. Ownership passes to
// the frame queue; exactly one consumer reads it.
type Frame struct {
	Image     Image
	Timestamp time.Time
	Source    SourceKind
}
