package pipeline

import (
	"fmt"
	"time"

	"github.com/zsiec/capstream/media"
)

// RateStage drops frames to cap the output rate at fps, measured on each
// frame's PTS. Frames without a PTS always pass.
type RateStage struct {
	interval int64
	next     int64
	started  bool
}

// NewRateStage returns a limiter for fps frames per second.
func NewRateStage(fps float64) *RateStage {
	if fps <= 0 {
		return &RateStage{}
	}
	return &RateStage{interval: int64(float64(time.Second) / fps)}
}

func (r *RateStage) Name() string { return "rate" }

func (r *RateStage) Initialize(in media.Size) (media.Size, error) {
	if r.interval <= 0 {
		return media.Size{}, fmt.Errorf("invalid frame interval %d", r.interval)
	}
	r.started = false
	return in, nil
}

func (r *RateStage) Process(f *media.Frame) (*media.Frame, error) {
	if !f.HasPTS() {
		return f, nil
	}
	// Capture timestamps jitter; accept frames slightly early.
	if r.started && f.PTS+r.interval/8 < r.next {
		return nil, nil
	}
	if !r.started || f.PTS-r.next >= r.interval {
		// First frame, or the source stalled: restart the schedule.
		r.next = f.PTS + r.interval
	} else {
		r.next += r.interval
	}
	r.started = true
	return f, nil
}

func (r *RateStage) Shutdown() error { return nil }
