package hal

import (
	"bytes"
	"testing"
)

func TestSpeed_String(t *testing.T) {
	tests := []struct {
		speed Speed
		want  string
	}{
		{SpeedUnknown, "Unknown"},
		{SpeedLow, "Low Speed"},
		{SpeedFull, "Full Speed"},
		{SpeedHigh, "High Speed"},
		{Speed(200), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.speed.String(); got != tt.want {
				t.Errorf("Speed(%d).String() = %q, want %q", tt.speed, got, tt.want)
			}
		})
	}
}

func TestSetupPacket_Codec(t *testing.T) {
	// GET_DESCRIPTOR(string 2, en-US), 255 bytes
	raw := []byte{0x80, 0x06, 0x02, 0x03, 0x09, 0x04, 0xFF, 0x00}
	want := SetupPacket{
		RequestType: 0x80,
		Request:     0x06,
		Value:       0x0302,
		Index:       0x0409,
		Length:      0x00FF,
	}

	var got SetupPacket
	if !ParseSetupPacket(raw, &got) {
		t.Fatal("ParseSetupPacket returned false")
	}
	if got != want {
		t.Errorf("parsed %+v, want %+v", got, want)
	}
	if !got.IsIn() {
		t.Error("GET_DESCRIPTOR should be IN")
	}

	buf := make([]byte, SetupPacketSize)
	if n := want.MarshalTo(buf); n != SetupPacketSize {
		t.Fatalf("MarshalTo = %d", n)
	}
	if !bytes.Equal(buf, raw) {
		t.Errorf("marshaled % x, want % x", buf, raw)
	}
}

func TestSetupPacket_Short(t *testing.T) {
	var setup SetupPacket
	if ParseSetupPacket(make([]byte, SetupPacketSize-1), &setup) {
		t.Error("ParseSetupPacket accepted 7 bytes")
	}
	if n := setup.MarshalTo(make([]byte, SetupPacketSize-1)); n != 0 {
		t.Errorf("MarshalTo into 7 bytes = %d, want 0", n)
	}
}

func TestSetupPacket_Direction(t *testing.T) {
	tests := []struct {
		requestType uint8
		in          bool
	}{
		{0x00, false}, // SET_ADDRESS
		{0x80, true},
		{0x21, false}, // class OUT to interface
		{0xC0, true},  // vendor IN
	}
	for _, tt := range tests {
		s := SetupPacket{RequestType: tt.requestType}
		if s.IsIn() != tt.in {
			t.Errorf("RequestType %#02x IsIn = %v, want %v", tt.requestType, s.IsIn(), tt.in)
		}
	}
}

func BenchmarkParseSetupPacket(b *testing.B) {
	data := []byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00}
	var setup SetupPacket

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		ParseSetupPacket(data, &setup)
	}
}
