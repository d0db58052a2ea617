package bitmap

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Parse errors.
var (
	// ErrMalformed indicates the buffer is not a well-formed bitmap.
	ErrMalformed = errors.New("bitmap: malformed")

	// ErrUnsupportedCompression indicates the bitmap declares a pixel
	// compression method that cannot be transformed in place.
	ErrUnsupportedCompression = errors.New("bitmap: unsupported compression")
)

// Header sizes.
const (
	FileHeaderSize = 14

	InfoHeaderSizeCore = 12
	InfoHeaderSizeV1   = 40
	InfoHeaderSizeV2   = 52
	InfoHeaderSizeV3   = 56
	InfoHeaderSizeV4   = 108
	InfoHeaderSizeV5   = 124
)

// Compression identifies the biCompression field of a DIB header.
type Compression uint32

// Compression methods.
const (
	CompressionRGB            Compression = 0
	CompressionRLE8           Compression = 1
	CompressionRLE4           Compression = 2
	CompressionBitfields      Compression = 3
	CompressionJPEG           Compression = 4
	CompressionPNG            Compression = 5
	CompressionAlphaBitfields Compression = 6
)

// String returns the Windows name of the compression method.
func (c Compression) String() string {
	switch c {
	case CompressionRGB:
		return "BI_RGB"
	case CompressionRLE8:
		return "BI_RLE8"
	case CompressionRLE4:
		return "BI_RLE4"
	case CompressionBitfields:
		return "BI_BITFIELDS"
	case CompressionJPEG:
		return "BI_JPEG"
	case CompressionPNG:
		return "BI_PNG"
	case CompressionAlphaBitfields:
		return "BI_ALPHABITFIELDS"
	default:
		return fmt.Sprintf("Compression(%d)", uint32(c))
	}
}

// hasMasks reports whether the method carries channel bit-masks.
func (c Compression) hasMasks() bool {
	return c == CompressionBitfields || c == CompressionAlphaBitfields
}

// Header holds the fields of the file and DIB headers needed to locate and
// interpret pixel data.
type Header struct {
	PixelOffset  uint32
	HeaderSize   uint32
	Width        int32
	Height       int32 // negative for top-down images
	Planes       uint16
	BitsPerPixel uint16
	Compression  Compression

	// Channel masks. Zero unless Compression is BI_BITFIELDS or
	// BI_ALPHABITFIELDS.
	RedMask   uint32
	GreenMask uint32
	BlueMask  uint32
	AlphaMask uint32
}

// ParseHeader decodes and validates the headers at the start of buf.
// It does not check that the pixel data fits in buf; see [Parse].
func ParseHeader(buf []byte) (Header, error) {
	var h Header

	if len(buf) < FileHeaderSize+4 {
		return h, fmt.Errorf("%w: %d bytes is too short for a header", ErrMalformed, len(buf))
	}
	if buf[0] != 'B' || buf[1] != 'M' {
		return h, fmt.Errorf("%w: missing BM signature", ErrMalformed)
	}
	h.PixelOffset = binary.LittleEndian.Uint32(buf[10:14])
	h.HeaderSize = binary.LittleEndian.Uint32(buf[14:18])

	switch h.HeaderSize {
	case InfoHeaderSizeCore, InfoHeaderSizeV1, InfoHeaderSizeV2,
		InfoHeaderSizeV3, InfoHeaderSizeV4, InfoHeaderSizeV5:
	default:
		return h, fmt.Errorf("%w: unknown DIB header size %d", ErrMalformed, h.HeaderSize)
	}
	if uint32(len(buf)) < FileHeaderSize+h.HeaderSize {
		return h, fmt.Errorf("%w: DIB header truncated", ErrMalformed)
	}
	dib := buf[FileHeaderSize : FileHeaderSize+h.HeaderSize]
	end := FileHeaderSize + h.HeaderSize

	if h.HeaderSize == InfoHeaderSizeCore {
		h.Width = int32(binary.LittleEndian.Uint16(dib[4:6]))
		h.Height = int32(binary.LittleEndian.Uint16(dib[6:8]))
		h.Planes = binary.LittleEndian.Uint16(dib[8:10])
		h.BitsPerPixel = binary.LittleEndian.Uint16(dib[10:12])
		h.Compression = CompressionRGB
	} else {
		h.Width = int32(binary.LittleEndian.Uint32(dib[4:8]))
		h.Height = int32(binary.LittleEndian.Uint32(dib[8:12]))
		h.Planes = binary.LittleEndian.Uint16(dib[12:14])
		h.BitsPerPixel = binary.LittleEndian.Uint16(dib[14:16])
		h.Compression = Compression(binary.LittleEndian.Uint32(dib[16:20]))
	}

	switch h.Compression {
	case CompressionRGB, CompressionBitfields, CompressionAlphaBitfields:
	case CompressionRLE8, CompressionRLE4, CompressionJPEG, CompressionPNG:
		return h, fmt.Errorf("%w: %s", ErrUnsupportedCompression, h.Compression)
	default:
		return h, fmt.Errorf("%w: unknown compression %d", ErrMalformed, uint32(h.Compression))
	}

	if h.Compression.hasMasks() {
		masks := dib[InfoHeaderSizeV1:]
		want := 3
		if h.Compression == CompressionAlphaBitfields {
			want = 4
		}
		if h.HeaderSize == InfoHeaderSizeV1 {
			// Masks trail a BITMAPINFOHEADER.
			n := uint32(want * 4)
			if uint32(len(buf)) < end+n {
				return h, fmt.Errorf("%w: channel masks truncated", ErrMalformed)
			}
			masks = buf[end : end+n]
			end += n
		}
		h.RedMask = binary.LittleEndian.Uint32(masks[0:4])
		h.GreenMask = binary.LittleEndian.Uint32(masks[4:8])
		h.BlueMask = binary.LittleEndian.Uint32(masks[8:12])
		if len(masks) >= 16 && (want == 4 || h.HeaderSize >= InfoHeaderSizeV3) {
			h.AlphaMask = binary.LittleEndian.Uint32(masks[12:16])
		}
	}

	if h.Planes != 1 {
		return h, fmt.Errorf("%w: %d color planes", ErrMalformed, h.Planes)
	}
	switch h.BitsPerPixel {
	case 1, 2, 4, 8, 16, 24, 32:
	default:
		return h, fmt.Errorf("%w: %d bits per pixel", ErrMalformed, h.BitsPerPixel)
	}
	if h.Width <= 0 {
		return h, fmt.Errorf("%w: width %d", ErrMalformed, h.Width)
	}
	if h.Height == 0 {
		return h, fmt.Errorf("%w: zero height", ErrMalformed)
	}
	if h.PixelOffset < end {
		return h, fmt.Errorf("%w: pixel offset %d overlaps headers", ErrMalformed, h.PixelOffset)
	}
	return h, nil
}

// Rows returns the number of pixel rows.
func (h Header) Rows() int {
	return int(h.rowCount())
}

func (h Header) rowCount() uint64 {
	if h.Height < 0 {
		return uint64(-int64(h.Height))
	}
	return uint64(h.Height)
}

// TopDown reports whether the first stored row is the top of the image.
func (h Header) TopDown() bool { return h.Height < 0 }

// Stride returns the size in bytes of one stored row, including padding to a
// 4-byte boundary.
func (h Header) Stride() int {
	return int(h.rowSize())
}

// rowSize is Stride in 64 bits, which holds for any int32 width.
func (h Header) rowSize() uint64 {
	return (uint64(h.BitsPerPixel)*uint64(uint32(h.Width)) + 31) / 32 * 4
}

// Channels returns the color channel descriptors derived from the masks.
// It returns nil when the header carries no masks. Zero masks and the alpha
// mask do not produce channels.
func (h Header) Channels() []Channel {
	if !h.Compression.hasMasks() {
		return nil
	}
	var chans []Channel
	for _, m := range []uint32{h.RedMask, h.GreenMask, h.BlueMask} {
		if m != 0 {
			chans = append(chans, ChannelFromMask(m))
		}
	}
	return chans
}
