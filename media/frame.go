// Package media defines the frame type that flows through the capstream
// pipeline, from capture through processing to distribution.
package media

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// BytesPerPixel is fixed: every frame is BGRA, one byte per channel.
const BytesPerPixel = 4

// NoPTS marks a frame without a presentation timestamp.
const NoPTS int64 = -1

// ErrInvalidGeometry is returned when a frame's dimensions, stride, and
// buffer length are inconsistent with each other.
var ErrInvalidGeometry = errors.New("invalid frame geometry")

// Size is a width/height pair in pixels.
type Size struct {
	Width  int
	Height int
}

func (s Size) String() string { return fmt.Sprintf("%dx%d", s.Width, s.Height) }

// Empty reports whether either dimension is non-positive.
func (s Size) Empty() bool { return s.Width <= 0 || s.Height <= 0 }

// FrameBytes is the length of a tightly packed BGRA frame of this size.
func (s Size) FrameBytes() int { return s.Width * s.Height * BytesPerPixel }

// Recycler takes back the buffer of a frame once its last reference is
// released. buffer.Pool satisfies it.
type Recycler interface {
	Put(buf []byte)
}

// Frame is a BGRA image shared by reference between every stage and sink
// that reads it. Data must not be written once the frame has been handed to
// another goroutine; a stage that needs different pixels builds a new Frame.
//
// A frame starts with one reference held by its creator. Retain adds a
// reference for each additional holder, and every holder calls Release
// exactly once. When the count drops to zero a pool-backed buffer is handed
// back to its pool.
type Frame struct {
	Data   []byte
	Width  int
	Height int
	Stride int
	PTS    int64 // nanoseconds, NoPTS if unknown

	refs atomic.Int32
	pool Recycler
}

// CheckGeometry validates that a buffer of n bytes can hold a width x height
// BGRA image with the given row stride.
func CheckGeometry(width, height, stride, n int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidGeometry, width, height)
	}
	if stride < width*BytesPerPixel {
		return fmt.Errorf("%w: stride %d < width %d * %d", ErrInvalidGeometry, stride, width, BytesPerPixel)
	}
	if n < stride*height {
		return fmt.Errorf("%w: buffer %d bytes < stride %d * height %d", ErrInvalidGeometry, n, stride, height)
	}
	return nil
}

// NewFrame wraps data in a frame with a single reference. The frame takes
// ownership of data.
func NewFrame(data []byte, width, height, stride int, pts int64) (*Frame, error) {
	return NewPooledFrame(nil, data, width, height, stride, pts)
}

// NewPooledFrame is NewFrame for a buffer borrowed from pool; the buffer is
// returned to pool when the last reference is released. On error the buffer
// is not returned and remains owned by the caller.
func NewPooledFrame(pool Recycler, data []byte, width, height, stride int, pts int64) (*Frame, error) {
	if err := CheckGeometry(width, height, stride, len(data)); err != nil {
		return nil, err
	}
	f := &Frame{
		Data:   data,
		Width:  width,
		Height: height,
		Stride: stride,
		PTS:    pts,
		pool:   pool,
	}
	f.refs.Store(1)
	return f, nil
}

// Size returns the frame dimensions.
func (f *Frame) Size() Size { return Size{Width: f.Width, Height: f.Height} }

// Packed reports whether rows are contiguous with no stride padding.
func (f *Frame) Packed() bool { return f.Stride == f.Width*BytesPerPixel }

// HasPTS reports whether the frame carries a presentation timestamp.
func (f *Frame) HasPTS() bool { return f.PTS >= 0 }

// Row returns the visible pixels of row y, without stride padding.
func (f *Frame) Row(y int) []byte {
	off := y * f.Stride
	return f.Data[off : off+f.Width*BytesPerPixel]
}

// Retain adds a reference and returns f, so a broadcast can hand the same
// frame to another holder without copying pixels.
func (f *Frame) Retain() *Frame {
	if f.refs.Add(1) <= 1 {
		panic("media: Retain on released frame")
	}
	return f
}

// Release drops one reference. The last release recycles a pooled buffer.
func (f *Frame) Release() {
	n := f.refs.Add(-1)
	switch {
	case n > 0:
		return
	case n < 0:
		panic("media: frame released more times than retained")
	}
	if f.pool != nil {
		data := f.Data
		f.Data = nil
		f.pool.Put(data)
	}
}

// Refs returns the current reference count.
func (f *Frame) Refs() int32 { return f.refs.Load() }
