// Package rle implements the run-length codec used on the wire between the
// host library and the accelerator device.
//
// An encoded stream is a sequence of blocks. Each block starts with a
// one-byte header:
//
//	bit 7..2  count-1   (count in 1..64)
//	bit 1..0  unit size (0 = literal, 1..3 = repeat)
//
// A literal block (unit size 0) is followed by count raw bytes. A repeat
// block is followed by unit-size pattern bytes that expand to the pattern
// repeated count times.
//
// The encoder is greedy. At each position it scores a literal of up to
// [MaxLiteral] bytes against repeats of 1, 2, and 3 byte patterns by encoded
// bytes per decoded byte, and emits the cheapest. Ties keep the earlier
// candidate, so a literal wins over an equally priced repeat.
//
//	enc := rle.Encode(img)
//	dec, err := rle.Decode(enc)
//
// The device works with fixed-capacity buffers and uses [EncodeInto] and
// [DecodeInto]. The host reads an unterminated stream and uses [Measure] to
// learn when enough blocks have arrived.
package rle
