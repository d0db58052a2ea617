// Package bitmap parses Windows bitmap (BMP) headers and inverts the color
// channels of the pixel data in place.
//
// [Parse] validates the file header and the DIB header and returns a [View]
// over the caller's buffer. No pixel data is copied:
//
//	v, err := bitmap.Parse(buf)
//	if err != nil {
//	    return err
//	}
//	v.Invert()
//
// When the header carries channel bit-masks (BI_BITFIELDS or
// BI_ALPHABITFIELDS), each color channel is inverted independently within
// its mask span and bits outside every color channel are preserved. Without
// masks the whole pixel word, bits_per_pixel wide, is complemented. For
// palette images this complements the palette index.
//
// Bitmaps that declare RLE8, RLE4, JPEG, or PNG pixel compression are
// rejected with [ErrUnsupportedCompression]. Anything else that is not a
// well-formed bitmap is rejected with [ErrMalformed].
package bitmap
