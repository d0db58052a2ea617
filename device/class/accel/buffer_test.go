package accel

import (
	"bytes"
	"errors"
	"testing"
)

func TestBuffer_Append(t *testing.T) {
	b := NewBuffer(8)
	if b.Cap() != 8 || b.Len() != 0 {
		t.Fatalf("new buffer: len %d cap %d", b.Len(), b.Cap())
	}

	if err := b.Append([]byte{1, 2, 3, 4, 5}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := b.Append([]byte{6, 7, 8, 9}); !errors.Is(err, ErrCapacity) {
		t.Errorf("overflowing Append = %v, want ErrCapacity", err)
	}
	if b.Len() != 5 {
		t.Errorf("failed Append changed length to %d", b.Len())
	}
	if err := b.Append([]byte{6, 7, 8}); err != nil {
		t.Fatalf("Append to capacity: %v", err)
	}
	if !bytes.Equal(b.Bytes(), []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("Bytes = %v", b.Bytes())
	}
	if b.Cap() != 8 {
		t.Errorf("buffer grew to %d", b.Cap())
	}
}

func TestBuffer_SpaceAndClear(t *testing.T) {
	b := NewBuffer(6)
	space := b.Space()
	if len(space) != 6 {
		t.Fatalf("len(Space) = %d, want 6", len(space))
	}
	copy(space, []byte{9, 9, 9, 9, 9, 9})
	b.SetLen(4)
	if !bytes.Equal(b.Bytes(), []byte{9, 9, 9, 9}) {
		t.Errorf("Bytes = %v", b.Bytes())
	}

	b.Clear()
	if b.Len() != 0 {
		t.Errorf("Len after Clear = %d", b.Len())
	}
	for i, v := range b.Space() {
		if v != 0 {
			t.Fatalf("byte %d = %d after Clear", i, v)
		}
	}
}
