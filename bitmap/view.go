package bitmap

import (
	"fmt"
)

// View is a parsed bitmap over a caller-owned buffer.
type View struct {
	Header

	buf      []byte
	pixels   []byte
	stride   int
	rows     int
	channels []Channel
}

// Parse validates buf as a bitmap and returns a view of it. The pixel region
// must lie entirely within buf.
func Parse(buf []byte) (*View, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return nil, err
	}
	// Checked in 64 bits before narrowing to int.
	stride, rows := h.rowSize(), h.rowCount()
	if stride > uint64(len(buf)) {
		return nil, fmt.Errorf("%w: row of %d bytes exceeds the %d byte buffer",
			ErrMalformed, stride, len(buf))
	}
	size := stride * rows
	if uint64(h.PixelOffset)+size > uint64(len(buf)) {
		return nil, fmt.Errorf("%w: pixel data needs %d bytes at offset %d, have %d",
			ErrMalformed, size, h.PixelOffset, len(buf))
	}
	return &View{
		Header:   h,
		buf:      buf,
		pixels:   buf[h.PixelOffset : uint64(h.PixelOffset)+size],
		stride:   int(stride),
		rows:     int(rows),
		channels: h.Channels(),
	}, nil
}

// PixelData returns the stored rows, including padding.
func (v *View) PixelData() []byte { return v.pixels }

// Channels returns the color channel descriptors, computed once at parse.
func (v *View) Channels() []Channel { return v.channels }

// row returns stored row y, where y counts from the top of the image.
func (v *View) row(y int) []byte {
	if !v.TopDown() {
		y = v.rows - 1 - y
	}
	return v.pixels[y*v.stride : (y+1)*v.stride]
}

// Pixel returns the raw pixel word at (x, y), where (0, 0) is the top left.
func (v *View) Pixel(x, y int) uint32 {
	return v.get(v.row(y), x)
}

// SetPixel stores the raw pixel word p at (x, y).
func (v *View) SetPixel(x, y int, p uint32) {
	v.set(v.row(y), x, p)
}

func (v *View) get(row []byte, x int) uint32 {
	bpp := int(v.BitsPerPixel)
	if bpp < 8 {
		off := x * bpp
		shift := 8 - bpp - off%8
		return uint32(row[off/8]>>shift) & (1<<bpp - 1)
	}
	n := bpp / 8
	var p uint32
	for i := n - 1; i >= 0; i-- {
		p = p<<8 | uint32(row[x*n+i])
	}
	return p
}

func (v *View) set(row []byte, x int, p uint32) {
	bpp := int(v.BitsPerPixel)
	if bpp < 8 {
		off := x * bpp
		shift := 8 - bpp - off%8
		mask := byte(1<<bpp-1) << shift
		row[off/8] = row[off/8]&^mask | byte(p)<<shift&mask
		return
	}
	n := bpp / 8
	for i := 0; i < n; i++ {
		row[x*n+i] = byte(p >> (8 * i))
	}
}

// invertWord returns the transformed pixel word.
func (v *View) invertWord(p uint32) uint32 {
	if v.channels == nil {
		return p ^ uint32(uint64(1)<<v.BitsPerPixel-1)
	}
	for _, c := range v.channels {
		p = c.Invert(p)
	}
	return p
}

// Invert inverts every pixel in place. Row padding is not modified.
func (v *View) Invert() {
	width := int(v.Width)
	for y := 0; y < v.rows; y++ {
		row := v.pixels[y*v.stride : (y+1)*v.stride]
		for x := 0; x < width; x++ {
			v.set(row, x, v.invertWord(v.get(row, x)))
		}
	}
}

// Invert parses buf and inverts its pixels in place.
func Invert(buf []byte) error {
	v, err := Parse(buf)
	if err != nil {
		return err
	}
	v.Invert()
	return nil
}
