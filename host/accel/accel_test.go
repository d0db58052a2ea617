package accel

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/cring/acceleratorinator/bitmap"
	"github.com/cring/acceleratorinator/pkg"
	"github.com/cring/acceleratorinator/protocol"
	"github.com/cring/acceleratorinator/rle"
)

var errWire = errors.New("wire broken")

// mockTransport records OUT packets and replays scripted IN packets. When
// the IN script runs out BulkIn fails with errWire.
type mockTransport struct {
	t *testing.T

	out [][]byte
	in  [][]byte

	failOutAt int // 1-based OUT call that fails, 0 for none
	failIn    bool
	inCalls   int
}

func (m *mockTransport) BulkOut(ctx context.Context, ep uint8, data []byte) error {
	if ep != protocol.EndpointOut {
		m.t.Errorf("BulkOut on endpoint %#02x", ep)
	}
	if len(data) > protocol.MaxPacketSize {
		m.t.Errorf("BulkOut packet of %d bytes", len(data))
	}
	if m.failOutAt == len(m.out)+1 {
		return errWire
	}
	m.out = append(m.out, bytes.Clone(data))
	return nil
}

func (m *mockTransport) BulkIn(ctx context.Context, ep uint8, buf []byte) (int, error) {
	if ep != protocol.EndpointIn {
		m.t.Errorf("BulkIn on endpoint %#02x", ep)
	}
	m.inCalls++
	if m.failIn || len(m.in) == 0 {
		return 0, errWire
	}
	p := m.in[0]
	m.in = m.in[1:]
	if len(p) > len(buf) {
		m.t.Fatalf("BulkIn buffer of %d bytes for a %d byte packet", len(buf), len(p))
	}
	return copy(buf, p), nil
}

// reply scripts a status byte followed by payload in full packets.
func (m *mockTransport) reply(status byte, payload []byte) {
	m.in = append(m.in, []byte{status})
	for len(payload) > 0 {
		n := min(len(payload), protocol.MaxPacketSize)
		m.in = append(m.in, payload[:n])
		payload = payload[n:]
	}
}

// sent reassembles the OUT packets before the two zero-length packets.
func (m *mockTransport) sent(t *testing.T) []byte {
	t.Helper()
	if len(m.out) < 2 {
		t.Fatalf("%d OUT packets, want at least 2", len(m.out))
	}
	tail := m.out[len(m.out)-2:]
	if len(tail[0]) != 0 || len(tail[1]) != 0 {
		t.Fatalf("last OUT packets are %d and %d bytes, want terminator and probe", len(tail[0]), len(tail[1]))
	}
	var data []byte
	for i, p := range m.out[:len(m.out)-2] {
		if len(p) == 0 {
			t.Fatalf("OUT packet %d is empty", i)
		}
		data = append(data, p...)
	}
	return data
}

func testImage(width, height int) []byte {
	img := bitmap.New(width, height, 24)
	for i := 54; i < len(img); i++ {
		img[i] = byte(i * 13)
	}
	return img
}

func invertedCopy(t *testing.T, img []byte) []byte {
	t.Helper()
	out := bytes.Clone(img)
	if err := bitmap.Invert(out); err != nil {
		t.Fatalf("Invert: %v", err)
	}
	return out
}

func TestSend_Inverts(t *testing.T) {
	img := testImage(33, 17)
	orig := bytes.Clone(img)
	want := invertedCopy(t, img)

	m := &mockTransport{t: t}
	m.reply(byte(protocol.StatusOK), rle.Encode(want))

	if err := Send(context.Background(), m, img); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !bytes.Equal(img, want) {
		t.Error("image was not replaced by the reply")
	}
	if got := m.sent(t); !bytes.Equal(got, rle.Encode(orig)) {
		t.Error("OUT packets do not carry the encoded image")
	}
	if len(m.in) != 0 {
		t.Errorf("%d reply packets left unread", len(m.in))
	}
}

func TestSend_Status(t *testing.T) {
	tests := []struct {
		name   string
		status byte
		want   error
	}{
		{"unsupported compression", 1, pkg.ErrAccUnsupportedCompression},
		{"parse error", 2, pkg.ErrAccParse},
		{"unknown", 3, pkg.ErrAccUnknown},
		{"unknown high", 0xFF, pkg.ErrAccUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := []byte("not a bitmap")
			m := &mockTransport{t: t}
			m.reply(tt.status, nil)

			err := Send(context.Background(), m, img)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Send = %v, want %v", err, tt.want)
			}
			if errors.Is(err, pkg.ErrTransport) {
				t.Error("device status reported as a transport error")
			}
			if m.inCalls != 1 {
				t.Errorf("%d BulkIn calls, want only the status", m.inCalls)
			}
			if string(img) != "not a bitmap" {
				t.Error("image modified after an error status")
			}
		})
	}
}

func TestSend_StopsAtExpectedLength(t *testing.T) {
	// 16 repeat blocks of 4 bytes fill exactly one packet and decode to
	// 16*64*3 bytes.
	var reply []byte
	for range 16 {
		reply = append(reply, rle.MakeHeader(64, 3), 1, 2, 3)
	}
	img := make([]byte, 16*64*3)

	m := &mockTransport{t: t}
	m.reply(byte(protocol.StatusOK), reply)

	if err := Send(context.Background(), m, img); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if m.inCalls != 2 {
		t.Errorf("%d BulkIn calls, want status and one full packet", m.inCalls)
	}
	if !bytes.Equal(img[:6], []byte{1, 2, 3, 1, 2, 3}) {
		t.Errorf("image starts % x", img[:6])
	}
}

func TestSend_ShortReply(t *testing.T) {
	img := bytes.Repeat([]byte{0xAA}, 100)
	m := &mockTransport{t: t}
	m.reply(byte(protocol.StatusOK), rle.Encode(bytes.Repeat([]byte{0x55}, 40)))

	if err := Send(context.Background(), m, img); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !bytes.Equal(img[:40], bytes.Repeat([]byte{0x55}, 40)) {
		t.Error("reply not copied")
	}
	if !bytes.Equal(img[40:], bytes.Repeat([]byte{0xAA}, 60)) {
		t.Error("bytes past the reply were modified")
	}
}

func TestSend_LongReply(t *testing.T) {
	img := make([]byte, 10)
	m := &mockTransport{t: t}
	m.reply(byte(protocol.StatusOK), rle.Encode(bytes.Repeat([]byte{7}, 20)))

	if err := Send(context.Background(), m, img); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !bytes.Equal(img, bytes.Repeat([]byte{7}, 10)) {
		t.Errorf("img = % x", img)
	}
}

func TestSend_TransportErrors(t *testing.T) {
	img := testImage(40, 10)
	packets := (len(rle.Encode(img)) + protocol.MaxPacketSize - 1) / protocol.MaxPacketSize

	tests := []struct {
		name      string
		failOutAt int
		failIn    bool
		reply     bool
		inCalls   int
	}{
		{name: "first packet", failOutAt: 1},
		{name: "terminator", failOutAt: packets + 1},
		{name: "ready probe", failOutAt: packets + 2},
		{name: "status", failIn: true, inCalls: 1},
		{name: "reply", reply: true, inCalls: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockTransport{t: t, failOutAt: tt.failOutAt, failIn: tt.failIn}
			if tt.reply {
				m.in = [][]byte{{0}}
			}
			orig := bytes.Clone(img)

			err := Send(context.Background(), m, img)
			if !errors.Is(err, pkg.ErrTransport) || !errors.Is(err, errWire) {
				t.Fatalf("Send = %v, want transport error wrapping %v", err, errWire)
			}
			if m.inCalls != tt.inCalls {
				t.Errorf("%d BulkIn calls, want %d", m.inCalls, tt.inCalls)
			}
			if tt.failOutAt > 0 && len(m.out) != tt.failOutAt-1 {
				t.Errorf("%d OUT packets after failure at %d", len(m.out), tt.failOutAt)
			}
			if !bytes.Equal(img, orig) {
				t.Error("image modified after a transport error")
			}
		})
	}
}

func TestSend_EmptyStatus(t *testing.T) {
	m := &mockTransport{t: t, in: [][]byte{{}}}
	err := Send(context.Background(), m, []byte{1, 2, 3})
	if !errors.Is(err, pkg.ErrTransport) {
		t.Errorf("Send = %v, want ErrTransport", err)
	}
}

func TestSend_EmptyImage(t *testing.T) {
	m := &mockTransport{t: t}
	if err := Send(context.Background(), m, nil); !errors.Is(err, ErrEmptyImage) {
		t.Errorf("Send(nil) = %v, want ErrEmptyImage", err)
	}
	err := Send(context.Background(), m, []byte{})
	if got := pkg.CodeOf(err); got != pkg.CodeInvalid {
		t.Errorf("CodeOf(%v) = %v, want %v", err, got, pkg.CodeInvalid)
	}
	if errors.Is(err, pkg.ErrTransport) {
		t.Error("empty image reported as a transport error")
	}
	if len(m.out) != 0 {
		t.Errorf("%d packets sent for an empty image", len(m.out))
	}
}

func TestSend_PacketSizes(t *testing.T) {
	tests := []struct {
		name string
		size int
	}{
		{"one byte", 1},
		{"one packet", 64},
		{"packet and one", 65},
		{"many", 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := make([]byte, tt.size)
			for i := range img {
				img[i] = byte(i*31 + i/3)
			}
			enc := rle.Encode(img)

			m := &mockTransport{t: t}
			m.reply(byte(protocol.StatusOK), enc)
			if err := Send(context.Background(), m, img); err != nil {
				t.Fatalf("Send: %v", err)
			}
			want := (len(enc)+protocol.MaxPacketSize-1)/protocol.MaxPacketSize + 2
			if len(m.out) != want {
				t.Errorf("%d OUT packets, want %d", len(m.out), want)
			}
			for i, p := range m.out[:len(m.out)-3] {
				if len(p) != protocol.MaxPacketSize {
					t.Errorf("packet %d is %d bytes, want full", i, len(p))
				}
			}
		})
	}
}

func BenchmarkSend(b *testing.B) {
	img := testImage(64, 64)
	enc := rle.Encode(img)
	buf := make([]byte, len(img))

	b.ReportAllocs()
	b.SetBytes(int64(len(img)))
	for i := 0; i < b.N; i++ {
		copy(buf, img)
		m := &mockTransport{}
		m.reply(byte(protocol.StatusOK), enc)
		if err := Send(context.Background(), m, buf); err != nil {
			b.Fatal(err)
		}
	}
}
