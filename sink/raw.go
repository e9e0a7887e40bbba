package sink

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/zsiec/capstream/distribution"
	"github.com/zsiec/capstream/media"
)

// ErrSizeMismatch is returned when a frame does not match the geometry the
// encoder was opened with.
var ErrSizeMismatch = errors.New("sink: frame size does not match stream")

// Raw writes frames in the wire format to a file or writer, for later
// replay through capture.Reader or offline inspection.
type Raw struct {
	path string
	dst  io.Writer

	info   distribution.StreamInfo
	bw     *bufio.Writer
	frames int64
}

// NewRawFile returns an encoder that creates path on Open.
func NewRawFile(path string) *Raw { return &Raw{path: path} }

// NewRawWriter returns an encoder writing to w. If w is an io.Closer it is
// closed by Close.
func NewRawWriter(w io.Writer) *Raw { return &Raw{dst: w} }

func (r *Raw) Open(_ context.Context, info distribution.StreamInfo) error {
	r.info = info
	if r.dst == nil {
		f, err := os.Create(r.path)
		if err != nil {
			return fmt.Errorf("create raw output: %w", err)
		}
		r.dst = f
	}
	r.bw = bufio.NewWriterSize(r.dst, 1<<20)
	return nil
}

func (r *Raw) Encode(_ context.Context, f *media.Frame, pts int64) error {
	if !r.info.Size.Empty() && f.Size() != r.info.Size {
		return fmt.Errorf("%w: got %v, want %v", ErrSizeMismatch, f.Size(), r.info.Size)
	}
	if err := WriteFrame(r.bw, f, pts); err != nil {
		return err
	}
	r.frames++
	return nil
}

// Frames returns the number of frames written.
func (r *Raw) Frames() int64 { return r.frames }

func (r *Raw) Close() error {
	var err error
	if r.bw != nil {
		err = r.bw.Flush()
	}
	if c, ok := r.dst.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
