// Package distribution delivers processed frames to output sinks. A
// Multiplexer broadcasts each frame to every sink by reference, and a
// Publisher puts a small bounded queue with explicit back-pressure between
// the broadcast and each sink's encoder.
package distribution

import (
	"context"
	"errors"

	"github.com/zsiec/capstream/buffer"
	"github.com/zsiec/capstream/media"
)

var (
	// ErrBackpressure means the sink queue stayed full through every retry.
	// The frame was dropped for this sink only; later frames may succeed.
	ErrBackpressure = errors.New("sink queue full")
	// ErrDisconnected means the sink's encoder goroutine has exited. The
	// sink will not accept frames again.
	ErrDisconnected = errors.New("sink consumer disconnected")
	// ErrClosed is returned by Send before Initialize or after Shutdown.
	ErrClosed = errors.New("sink closed")
)

// SinkError attributes a failure to the sink that produced it.
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string { return "sink " + e.Sink + ": " + e.Err.Error() }

func (e *SinkError) Unwrap() error { return e.Err }

// IsTransient reports whether err is back-pressure that the caller may
// ride out by dropping or retrying, as opposed to a sink failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrBackpressure) || errors.Is(err, buffer.ErrFull)
}

// Sink is one output destination.
//
// Send takes over one reference to f: the sink releases it once the frame
// has been consumed or rejected, including when Send returns an error.
type Sink interface {
	Name() string
	Initialize(ctx context.Context) error
	Send(f *media.Frame) error
	Shutdown(ctx context.Context) error
}

// StreamInfo describes the frames an encoder will receive.
type StreamInfo struct {
	Name string
	Size media.Size
	FPS  float64
}

// StreamSetter is implemented by sinks that must learn the stream geometry
// before Initialize. The session calls it once the pipeline output size is
// known.
type StreamSetter interface {
	SetStream(info StreamInfo)
}

// Encoder is the boundary to whatever turns frames into bytes on a wire or
// on disk. Frames arrive in FIFO order from a single goroutine. Encode must
// not retain f after returning; pts is the frame PTS, or one derived from
// the frame index and FPS when the frame has none.
type Encoder interface {
	Open(ctx context.Context, info StreamInfo) error
	Encode(ctx context.Context, f *media.Frame, pts int64) error
	Close() error
}
