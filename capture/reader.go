package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/zsiec/capstream/buffer"
	"github.com/zsiec/capstream/media"
	"github.com/zsiec/capstream/sink"
)

// ReaderConfig configures a Reader.
type ReaderConfig struct {
	// Size is the frame geometry for headerless input. For Framed input it
	// is learned from the first frame header and may be left empty.
	Size media.Size
	FPS  float64
	// Framed selects the sink wire format instead of bare packed frames.
	Framed bool
}

// Reader reads BGRA frames from a stream: either back-to-back packed frames
// of a fixed size, such as ffmpeg rawvideo output, or the framed format
// written by sink.Raw.
type Reader struct {
	cfg ReaderConfig
	src io.Reader

	pool    *buffer.Pool
	pending []byte // first framed payload, read during Open
	pendPTS int64
	index   int64
	open    bool
}

// NewReader returns a source reading from src. FPS defaults to 30 and is
// used to derive timestamps for headerless input.
func NewReader(src io.Reader, cfg ReaderConfig) *Reader {
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	return &Reader{cfg: cfg, src: src}
}

func (r *Reader) Geometry() media.Size { return r.cfg.Size }

func (r *Reader) Open(context.Context) error {
	if r.cfg.Framed {
		h, payload, err := sink.ReadFrame(r.src, nil)
		if err != nil {
			return fmt.Errorf("read first frame header: %w", err)
		}
		if !r.cfg.Size.Empty() && h.Size() != r.cfg.Size {
			return fmt.Errorf("stream is %v, configured %v: %w", h.Size(), r.cfg.Size, media.ErrInvalidGeometry)
		}
		r.cfg.Size = h.Size()
		r.pending = payload
		r.pendPTS = h.PTS
	}
	if r.cfg.Size.Empty() {
		return fmt.Errorf("reader source %v: %w", r.cfg.Size, media.ErrInvalidGeometry)
	}
	r.pool = buffer.NewLazyPool(r.cfg.Size.FrameBytes(), framePoolSize)
	r.index = 0
	r.open = true
	return nil
}

func (r *Reader) Next(ctx context.Context) (*media.Frame, error) {
	if !r.open {
		return nil, ErrNotOpen
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf := r.pool.Get()
	pts, err := r.fill(buf)
	if err != nil {
		r.pool.Put(buf)
		return nil, err
	}
	r.index++
	w, h := r.cfg.Size.Width, r.cfg.Size.Height
	return media.NewPooledFrame(r.pool, buf, w, h, w*media.BytesPerPixel, pts)
}

func (r *Reader) fill(buf []byte) (int64, error) {
	if !r.cfg.Framed {
		if _, err := io.ReadFull(r.src, buf); err != nil {
			return 0, endOfStream(err)
		}
		return int64(float64(r.index) * float64(time.Second) / r.cfg.FPS), nil
	}
	if r.pending != nil {
		copy(buf, r.pending)
		r.pending = nil
		return r.pendPTS, nil
	}
	h, _, err := sink.ReadFrame(r.src, buf)
	if err != nil {
		return 0, endOfStream(err)
	}
	if h.Size() != r.cfg.Size {
		return 0, fmt.Errorf("frame %d is %v, stream is %v: %w", r.index, h.Size(), r.cfg.Size, media.ErrInvalidGeometry)
	}
	return h.PTS, nil
}

// endOfStream maps a clean end of input to ErrExhausted. A partial frame
// is an error.
func endOfStream(err error) error {
	if errors.Is(err, io.EOF) {
		return ErrExhausted
	}
	return err
}

func (r *Reader) Close() error {
	r.open = false
	if c, ok := r.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
