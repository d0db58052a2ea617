package bitmap

import (
	"bytes"
	"testing"
)

func TestView_Invert24(t *testing.T) {
	buf := New(1, 2, 24)
	v, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	// Pad bytes are set so any write to them is detected.
	data := v.PixelData()
	copy(data, []byte{1, 2, 3, 0xAA, 10, 20, 30, 0xBB})

	v.Invert()

	want := []byte{254, 253, 252, 0xAA, 245, 235, 225, 0xBB}
	if !bytes.Equal(data, want) {
		t.Errorf("pixel data = % x, want % x", data, want)
	}
}

func TestView_InvertMasked16(t *testing.T) {
	tests := []struct {
		name  string
		masks [4]uint32
		in    uint32
		want  uint32
	}{
		{"565", [4]uint32{0xF800, 0x07E0, 0x001F}, 0x1234, 0xEDCB},
		{"555 keeps top bit", [4]uint32{0x7C00, 0x03E0, 0x001F}, 0x8421, 0xFBDE},
		{"555 top bit clear", [4]uint32{0x7C00, 0x03E0, 0x001F}, 0x0000, 0x7FFF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := build(InfoHeaderSizeV1, CompressionBitfields, 1, 1, 16, tt.masks)
			v, err := Parse(buf)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if len(v.Channels()) != 3 {
				t.Fatalf("Channels() = %v, want 3", v.Channels())
			}
			v.SetPixel(0, 0, tt.in)
			v.Invert()
			if got := v.Pixel(0, 0); got != tt.want {
				t.Errorf("pixel = %#04x, want %#04x", got, tt.want)
			}
		})
	}
}

func TestView_InvertUnmasked16(t *testing.T) {
	v, err := Parse(New(2, 1, 16))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	v.SetPixel(0, 0, 0x8421)
	v.SetPixel(1, 0, 0x0001)
	v.Invert()
	if got := v.Pixel(0, 0); got != 0x7BDE {
		t.Errorf("pixel 0 = %#04x, want 0x7bde", got)
	}
	if got := v.Pixel(1, 0); got != 0xFFFE {
		t.Errorf("pixel 1 = %#04x, want 0xfffe", got)
	}
}

func TestView_InvertAlphaPreserved(t *testing.T) {
	masks := [4]uint32{0x00FF0000, 0x0000FF00, 0x000000FF, 0xFF000000}
	buf := build(InfoHeaderSizeV4, CompressionBitfields, 2, -1, 32, masks)
	v, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	v.SetPixel(0, 0, 0x80102030)
	v.SetPixel(1, 0, 0xFF000000)
	v.Invert()
	if got := v.Pixel(0, 0); got != 0x80EFDFCF {
		t.Errorf("pixel 0 = %#08x, want 0x80efdfcf", got)
	}
	if got := v.Pixel(1, 0); got != 0xFFFFFFFF {
		t.Errorf("pixel 1 = %#08x, want 0xffffffff", got)
	}
}

func TestView_InvertPacked(t *testing.T) {
	tests := []struct {
		name  string
		bpp   int
		width int
		in    []byte
		want  []byte
	}{
		{"1bpp", 1, 3, []byte{0b101_11111, 0xAA, 0xAA, 0xAA}, []byte{0b010_11111, 0xAA, 0xAA, 0xAA}},
		{"1bpp full byte", 1, 9, []byte{0x0F, 0x3F, 0x55, 0x55}, []byte{0xF0, 0xBF, 0x55, 0x55}},
		{"2bpp", 2, 3, []byte{0b00_01_10_11, 0, 0, 0}, []byte{0b11_10_01_11, 0, 0, 0}},
		{"4bpp", 4, 3, []byte{0x12, 0x3F, 0x77, 0x77}, []byte{0xED, 0xCF, 0x77, 0x77}},
		{"8bpp", 8, 3, []byte{0x00, 0x7F, 0xFF, 0x42}, []byte{0xFF, 0x80, 0x00, 0x42}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := Parse(New(tt.width, 1, tt.bpp))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			data := v.PixelData()
			if len(data) != len(tt.in) {
				t.Fatalf("pixel data is %d bytes, want %d", len(data), len(tt.in))
			}
			copy(data, tt.in)
			v.Invert()
			if !bytes.Equal(data, tt.want) {
				t.Errorf("pixel data = %08b, want %08b", data, tt.want)
			}
		})
	}
}

func TestView_PixelOrientation(t *testing.T) {
	buf := New(1, 2, 8)
	v, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	// Bottom-up: the first stored row is the bottom of the image.
	v.PixelData()[0] = 0x11
	v.PixelData()[4] = 0x22
	if got := v.Pixel(0, 0); got != 0x22 {
		t.Errorf("top pixel = %#x, want 0x22", got)
	}
	if got := v.Pixel(0, 1); got != 0x11 {
		t.Errorf("bottom pixel = %#x, want 0x11", got)
	}

	td := build(InfoHeaderSizeV1, CompressionRGB, 1, -2, 8, [4]uint32{})
	v, err = Parse(td)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	v.PixelData()[0] = 0x11
	if got := v.Pixel(0, 0); got != 0x11 {
		t.Errorf("top-down top pixel = %#x, want 0x11", got)
	}
}

func TestInvert_Twice(t *testing.T) {
	for _, bpp := range []int{1, 2, 4, 8, 16, 24, 32} {
		buf := New(7, 5, bpp)
		v, _ := Parse(buf)
		data := v.PixelData()
		for i := range data {
			data[i] = byte(i*37 + bpp)
		}
		orig := append([]byte(nil), buf...)

		if err := Invert(buf); err != nil {
			t.Fatalf("%d bpp: Invert() error = %v", bpp, err)
		}
		if bytes.Equal(buf, orig) {
			t.Errorf("%d bpp: Invert() changed nothing", bpp)
		}
		if !bytes.Equal(buf[:v.PixelOffset], orig[:v.PixelOffset]) {
			t.Errorf("%d bpp: headers modified", bpp)
		}
		if err := Invert(buf); err != nil {
			t.Fatalf("%d bpp: Invert() error = %v", bpp, err)
		}
		if !bytes.Equal(buf, orig) {
			t.Errorf("%d bpp: double inversion did not restore the image", bpp)
		}
	}
}

func TestInvert_Core(t *testing.T) {
	buf := build(InfoHeaderSizeCore, CompressionRGB, 1, 1, 24, [4]uint32{})
	v, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	copy(v.PixelData(), []byte{0, 0x80, 0xFF})
	if err := Invert(buf); err != nil {
		t.Fatalf("Invert() error = %v", err)
	}
	if !bytes.Equal(v.PixelData()[:3], []byte{0xFF, 0x7F, 0x00}) {
		t.Errorf("pixel = % x", v.PixelData()[:3])
	}
}

func TestInvert_Error(t *testing.T) {
	buf := []byte("BM but not really")
	orig := append([]byte(nil), buf...)
	if err := Invert(buf); err == nil {
		t.Error("Invert() error = nil")
	}
	if !bytes.Equal(buf, orig) {
		t.Error("Invert() modified a rejected buffer")
	}
}

func BenchmarkInvert(b *testing.B) {
	buf := New(100, 100, 24)
	b.SetBytes(int64(len(buf)))
	for i := 0; i < b.N; i++ {
		Invert(buf)
	}
}
