package rle

import (
	"bytes"
	"errors"
	"fmt"
)

// Codec limits.
const (
	// MaxCount is the largest block count a header can hold.
	MaxCount = 64

	// MaxLiteral is the longest literal block the encoder emits.
	MaxLiteral = 32

	// MaxUnitSize is the longest repeated pattern.
	MaxUnitSize = 3
)

// Codec errors.
var (
	// ErrTruncatedStream indicates a header references bytes past the end
	// of the encoded stream.
	ErrTruncatedStream = errors.New("rle: truncated stream")

	// ErrShortBuffer indicates the destination cannot hold the output.
	ErrShortBuffer = errors.New("rle: short buffer")
)

// MakeHeader builds a block header. It panics if count is outside
// [1, MaxCount] or unit is outside [0, MaxUnitSize].
func MakeHeader(count, unit int) byte {
	if count < 1 || count > MaxCount {
		panic(fmt.Sprintf("rle: count %d out of range", count))
	}
	if unit < 0 || unit > MaxUnitSize {
		panic(fmt.Sprintf("rle: unit size %d out of range", unit))
	}
	return byte((count-1)<<2 | unit)
}

// HeaderCount returns the block count encoded in h.
func HeaderCount(h byte) int { return int(h>>2) + 1 }

// HeaderUnitSize returns the unit size encoded in h.
func HeaderUnitSize(h byte) int { return int(h & 0x03) }

// MaxEncodedLen returns the largest possible encoding of n input bytes.
//
// Every block the encoder emits costs at most one byte more than the bytes
// it covers, and only the final literal of a stream may be shorter than
// MaxLiteral.
func MaxEncodedLen(n int) int {
	return n + (n+MaxLiteral-1)/MaxLiteral
}

// block is one encoder decision.
type block struct {
	unit  int // 0 for literal
	count int
}

// payload returns the number of payload bytes following the header.
func (b block) payload() int {
	if b.unit == 0 {
		return b.count
	}
	return b.unit
}

// covered returns the number of input bytes the block consumes.
func (b block) covered() int {
	if b.unit == 0 {
		return b.count
	}
	return b.unit * b.count
}

// next chooses the cheapest block at the head of src, which must be non-empty.
// Scores are encoded bytes per covered byte, scaled to integers.
func next(src []byte) block {
	n := min(len(src), MaxLiteral)
	best := block{unit: 0, count: n}
	bestScore := 1000 * (n + 1) / n

	for unit := 1; unit <= MaxUnitSize && unit <= len(src); unit++ {
		pattern := src[:unit]
		count := 1
		for count < MaxCount {
			off := count * unit
			if off+unit > len(src) || !bytes.Equal(src[off:off+unit], pattern) {
				break
			}
			count++
		}
		score := 1000 * (unit + 1) / (unit * count)
		if score < bestScore {
			best = block{unit: unit, count: count}
			bestScore = score
		}
	}
	return best
}

// Encode returns the encoding of src.
func Encode(src []byte) []byte {
	return AppendEncode(make([]byte, 0, MaxEncodedLen(len(src))), src)
}

// AppendEncode appends the encoding of src to dst and returns the extended
// buffer.
func AppendEncode(dst, src []byte) []byte {
	for len(src) > 0 {
		b := next(src)
		dst = append(dst, MakeHeader(b.count, b.unit))
		dst = append(dst, src[:b.payload()]...)
		src = src[b.covered():]
	}
	return dst
}

// EncodeInto writes the encoding of src into dst and returns the number of
// bytes written. It returns [ErrShortBuffer] if dst is too small; a dst of
// MaxEncodedLen(len(src)) bytes always suffices.
func EncodeInto(dst, src []byte) (int, error) {
	n := 0
	for len(src) > 0 {
		b := next(src)
		size := 1 + b.payload()
		if n+size > len(dst) {
			return n, ErrShortBuffer
		}
		dst[n] = MakeHeader(b.count, b.unit)
		copy(dst[n+1:], src[:b.payload()])
		n += size
		src = src[b.covered():]
	}
	return n, nil
}

// Decode returns the decoding of src.
func Decode(src []byte) ([]byte, error) {
	size, err := DecodedLen(src)
	if err != nil {
		return nil, err
	}
	return AppendDecode(make([]byte, 0, size), src)
}

// AppendDecode appends the decoding of src to dst and returns the extended
// buffer. On error the returned buffer holds the output of every complete
// block preceding the failure.
func AppendDecode(dst, src []byte) ([]byte, error) {
	for len(src) > 0 {
		h := src[0]
		count, unit := HeaderCount(h), HeaderUnitSize(h)
		if unit == 0 {
			if len(src) < 1+count {
				return dst, ErrTruncatedStream
			}
			dst = append(dst, src[1:1+count]...)
			src = src[1+count:]
			continue
		}
		if len(src) < 1+unit {
			return dst, ErrTruncatedStream
		}
		pattern := src[1 : 1+unit]
		for range count {
			dst = append(dst, pattern...)
		}
		src = src[1+unit:]
	}
	return dst, nil
}

// DecodeInto writes the decoding of src into dst and returns the number of
// bytes written. It returns [ErrShortBuffer] if the output would exceed dst
// and [ErrTruncatedStream] if src ends inside a block.
func DecodeInto(dst, src []byte) (int, error) {
	n := 0
	for len(src) > 0 {
		h := src[0]
		count, unit := HeaderCount(h), HeaderUnitSize(h)
		if unit == 0 {
			if len(src) < 1+count {
				return n, ErrTruncatedStream
			}
			if n+count > len(dst) {
				return n, ErrShortBuffer
			}
			n += copy(dst[n:], src[1:1+count])
			src = src[1+count:]
			continue
		}
		if len(src) < 1+unit {
			return n, ErrTruncatedStream
		}
		if n+unit*count > len(dst) {
			return n, ErrShortBuffer
		}
		for range count {
			n += copy(dst[n:], src[1:1+unit])
		}
		src = src[1+unit:]
	}
	return n, nil
}

// DecodedLen returns the number of bytes src decodes to.
func DecodedLen(src []byte) (int, error) {
	decoded, consumed := Measure(src)
	if consumed != len(src) {
		return decoded, ErrTruncatedStream
	}
	return decoded, nil
}

// Measure walks the complete blocks at the start of src. It returns the
// number of bytes they decode to and the number of encoded bytes they span.
// A trailing partial block is not counted.
func Measure(src []byte) (decoded, consumed int) {
	for consumed < len(src) {
		h := src[consumed]
		count, unit := HeaderCount(h), HeaderUnitSize(h)
		b := block{unit: unit, count: count}
		size := 1 + b.payload()
		if consumed+size > len(src) {
			break
		}
		consumed += size
		decoded += b.covered()
	}
	return decoded, consumed
}
