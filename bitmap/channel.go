package bitmap

import "math/bits"

// Channel locates one color channel within a pixel word.
type Channel struct {
	Shift uint // index of the lowest bit
	Width uint // number of bits
}

// ChannelFromMask derives a channel from a bit-mask. The channel spans from
// the lowest to the highest set bit of m.
func ChannelFromMask(m uint32) Channel {
	if m == 0 {
		return Channel{}
	}
	lo := uint(bits.TrailingZeros32(m))
	hi := uint(32 - bits.LeadingZeros32(m))
	return Channel{Shift: lo, Width: hi - lo}
}

// Max returns the largest value the channel can hold.
func (c Channel) Max() uint32 {
	return uint32(uint64(1)<<c.Width - 1)
}

// Mask returns the channel's span within a pixel word.
func (c Channel) Mask() uint32 {
	return c.Max() << c.Shift
}

// Value extracts the channel from pixel p.
func (c Channel) Value(p uint32) uint32 {
	return (p >> c.Shift) & c.Max()
}

// Invert replaces the channel value v in p with Max()-v.
func (c Channel) Invert(p uint32) uint32 {
	v := c.Max() - c.Value(p)
	return p&^c.Mask() | v<<c.Shift
}
