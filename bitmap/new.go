package bitmap

import "encoding/binary"

// New returns a zeroed, bottom-up, uncompressed bitmap with a
// BITMAPINFOHEADER. Images of 8 bits per pixel or less carry a grayscale
// palette. It panics on dimensions or depths that [Parse] would reject.
func New(width, height, bpp int) []byte {
	h := Header{
		HeaderSize:   InfoHeaderSizeV1,
		Width:        int32(width),
		Height:       int32(height),
		Planes:       1,
		BitsPerPixel: uint16(bpp),
	}
	if width <= 0 || height <= 0 {
		panic("bitmap: invalid dimensions")
	}
	var palette int
	switch bpp {
	case 1, 2, 4, 8:
		palette = 1 << bpp
	case 16, 24, 32:
	default:
		panic("bitmap: invalid bits per pixel")
	}
	h.PixelOffset = uint32(FileHeaderSize + InfoHeaderSizeV1 + 4*palette)
	size := h.Stride() * h.Rows()
	buf := make([]byte, int(h.PixelOffset)+size)

	le := binary.LittleEndian
	buf[0], buf[1] = 'B', 'M'
	le.PutUint32(buf[2:], uint32(len(buf)))
	le.PutUint32(buf[10:], h.PixelOffset)

	dib := buf[FileHeaderSize:]
	le.PutUint32(dib[0:], h.HeaderSize)
	le.PutUint32(dib[4:], uint32(h.Width))
	le.PutUint32(dib[8:], uint32(h.Height))
	le.PutUint16(dib[12:], h.Planes)
	le.PutUint16(dib[14:], h.BitsPerPixel)
	le.PutUint32(dib[16:], uint32(CompressionRGB))
	le.PutUint32(dib[20:], uint32(size))
	le.PutUint32(dib[32:], uint32(palette))

	pal := buf[FileHeaderSize+InfoHeaderSizeV1 : h.PixelOffset]
	for i := 0; i < palette; i++ {
		g := byte(i * 255 / (palette - 1))
		pal[4*i], pal[4*i+1], pal[4*i+2] = g, g, g
	}
	return buf
}
