// Package capture produces BGRA frames for a session: a synthetic test
// pattern, a raw frame reader, and an ffmpeg grab process.
package capture

import (
	"context"
	"errors"

	"github.com/zsiec/capstream/media"
)

var (
	// ErrExhausted is returned by Next once a bounded source has produced
	// every frame it will produce.
	ErrExhausted = errors.New("capture: source exhausted")
	// ErrNotOpen is returned by Next before Open or after Close.
	ErrNotOpen = errors.New("capture: source not open")
)

// Source is a producer of frames with fixed geometry.
//
// Next blocks until the next frame is available and returns it with one
// reference owned by the caller. Sources are not safe for concurrent use.
type Source interface {
	Geometry() media.Size
	Open(ctx context.Context) error
	Next(ctx context.Context) (*media.Frame, error)
	Close() error
}

// framePoolSize is how many frames a source keeps in flight. The session
// copies each frame into the ring before asking for the next, so two is
// enough to never allocate in steady state.
const framePoolSize = 2
