package accel

import (
	"errors"
	"sync"
)

// ErrCapacity indicates a transfer does not fit a working buffer.
var ErrCapacity = errors.New("accel: buffer capacity exceeded")

// Buffer is a fixed-capacity byte buffer guarded by its own lock. It never
// grows; Append fails with ErrCapacity instead.
//
// Callers hold the lock across every access in a cycle. The accessors do
// not lock.
type Buffer struct {
	mutex sync.Mutex
	data  []byte
}

// NewBuffer allocates a buffer of the given capacity.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{data: make([]byte, 0, capacity)}
}

// Lock acquires the buffer, blocking until it is free.
func (b *Buffer) Lock() { b.mutex.Lock() }

// Unlock releases the buffer.
func (b *Buffer) Unlock() { b.mutex.Unlock() }

// Append copies p to the end of the buffer. Nothing is copied if p does not
// fit.
func (b *Buffer) Append(p []byte) error {
	if len(b.data)+len(p) > cap(b.data) {
		return ErrCapacity
	}
	b.data = append(b.data, p...)
	return nil
}

// Bytes returns the buffered bytes. The slice aliases the buffer.
func (b *Buffer) Bytes() []byte { return b.data }

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int { return len(b.data) }

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int { return cap(b.data) }

// Space returns the whole backing array for an in-place fill. Commit the
// number of bytes written with SetLen.
func (b *Buffer) Space() []byte { return b.data[:cap(b.data)] }

// SetLen sets the number of buffered bytes after a fill through Space.
func (b *Buffer) SetLen(n int) { b.data = b.data[:n] }

// Clear empties the buffer and zeroes the whole backing array, including
// bytes written through Space but never committed.
func (b *Buffer) Clear() {
	clear(b.Space())
	b.data = b.data[:0]
}
