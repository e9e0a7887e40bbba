package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/zsiec/capstream/buffer"
	"github.com/zsiec/capstream/media"
)

// SyntheticConfig configures the test pattern source.
type SyntheticConfig struct {
	Size   media.Size
	FPS    float64
	Frames int  // 0 means unbounded
	Pace   bool // sleep to hold FPS in wall-clock time
}

// Synthetic renders a gradient with blue fixed at 128, green growing down and
// red growing right, plus a white bar sweeping across so consecutive frames
// differ.
type Synthetic struct {
	cfg      SyntheticConfig
	interval time.Duration
	base     []byte
	pool     *buffer.Pool

	open  bool
	index int
	start time.Time
}

const barWidth = 16

// NewSynthetic returns a synthetic source. FPS defaults to 30.
func NewSynthetic(cfg SyntheticConfig) *Synthetic {
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	return &Synthetic{
		cfg:      cfg,
		interval: time.Duration(float64(time.Second) / cfg.FPS),
	}
}

func (s *Synthetic) Geometry() media.Size { return s.cfg.Size }

func (s *Synthetic) Open(context.Context) error {
	if s.cfg.Size.Empty() {
		return fmt.Errorf("synthetic source %v: %w", s.cfg.Size, media.ErrInvalidGeometry)
	}
	w, h := s.cfg.Size.Width, s.cfg.Size.Height
	s.base = make([]byte, s.cfg.Size.FrameBytes())
	for y := range h {
		g := byte(y * 255 / h)
		row := s.base[y*w*media.BytesPerPixel:]
		for x := range w {
			p := row[x*media.BytesPerPixel:]
			p[0] = 128
			p[1] = g
			p[2] = byte(x * 255 / w)
			p[3] = 255
		}
	}
	s.pool = buffer.NewLazyPool(len(s.base), framePoolSize)
	s.index = 0
	s.start = time.Now()
	s.open = true
	return nil
}

func (s *Synthetic) Next(ctx context.Context) (*media.Frame, error) {
	if !s.open {
		return nil, ErrNotOpen
	}
	if s.cfg.Frames > 0 && s.index >= s.cfg.Frames {
		return nil, ErrExhausted
	}
	if s.cfg.Pace {
		due := s.start.Add(time.Duration(s.index) * s.interval)
		if wait := time.Until(due); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			}
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	buf := s.pool.Get()
	copy(buf, s.base)
	s.drawBar(buf)
	pts := int64(s.index) * int64(s.interval)
	s.index++

	w, h := s.cfg.Size.Width, s.cfg.Size.Height
	return media.NewPooledFrame(s.pool, buf, w, h, w*media.BytesPerPixel, pts)
}

func (s *Synthetic) drawBar(buf []byte) {
	w, h := s.cfg.Size.Width, s.cfg.Size.Height
	x0 := (s.index * 8) % w
	x1 := min(x0+barWidth, w)
	for y := range h {
		row := buf[y*w*media.BytesPerPixel:]
		for x := x0; x < x1; x++ {
			p := row[x*media.BytesPerPixel:]
			p[0], p[1], p[2], p[3] = 255, 255, 255, 255
		}
	}
}

// Produced returns how many frames Next has returned since Open.
func (s *Synthetic) Produced() int { return s.index }

func (s *Synthetic) Close() error {
	s.open = false
	return nil
}
