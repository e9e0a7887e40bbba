// Package sink holds the concrete encoders behind distribution.Publisher:
// a framed raw BGRA writer, an ffmpeg process encoder, SRT and QUIC network
// transports, and a websocket JPEG preview.
package sink

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/zsiec/capstream/media"
)

// Raw frame wire format, big-endian:
//
//	magic   [4]byte "CSF1"
//	width   uint32
//	height  uint32
//	pts     int64
//	length  uint32  payload bytes, always width*height*4
//	payload packed BGRA rows
const HeaderSize = 24

var wireMagic = [4]byte{'C', 'S', 'F', '1'}

var (
	ErrBadMagic    = errors.New("sink: bad frame magic")
	ErrBadHeader   = errors.New("sink: inconsistent frame header")
	ErrFrameTooBig = errors.New("sink: frame exceeds limit")
)

// MaxWireFrameBytes bounds the payload a reader will accept (8K BGRA).
const MaxWireFrameBytes = 7680 * 4320 * media.BytesPerPixel

// Header describes one frame on the wire.
type Header struct {
	Width  int
	Height int
	PTS    int64
	Length int
}

// Size returns the frame dimensions.
func (h Header) Size() media.Size { return media.Size{Width: h.Width, Height: h.Height} }

func (h Header) marshal(b []byte) {
	copy(b[0:4], wireMagic[:])
	binary.BigEndian.PutUint32(b[4:8], uint32(h.Width))
	binary.BigEndian.PutUint32(b[8:12], uint32(h.Height))
	binary.BigEndian.PutUint64(b[12:20], uint64(h.PTS))
	binary.BigEndian.PutUint32(b[20:24], uint32(h.Length))
}

// ParseHeader decodes and validates a HeaderSize-byte header.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, io.ErrUnexpectedEOF
	}
	if [4]byte(b[0:4]) != wireMagic {
		return Header{}, ErrBadMagic
	}
	h := Header{
		Width:  int(binary.BigEndian.Uint32(b[4:8])),
		Height: int(binary.BigEndian.Uint32(b[8:12])),
		PTS:    int64(binary.BigEndian.Uint64(b[12:20])),
		Length: int(binary.BigEndian.Uint32(b[20:24])),
	}
	if h.Length > MaxWireFrameBytes {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrFrameTooBig, h.Length)
	}
	if h.Width <= 0 || h.Height <= 0 || h.Length != h.Size().FrameBytes() {
		return Header{}, fmt.Errorf("%w: %dx%d with %d bytes", ErrBadHeader, h.Width, h.Height, h.Length)
	}
	return h, nil
}

// WriteFrame writes f as one wire frame, packing strided rows.
func WriteFrame(w io.Writer, f *media.Frame, pts int64) error {
	var hdr [HeaderSize]byte
	Header{Width: f.Width, Height: f.Height, PTS: pts, Length: f.Size().FrameBytes()}.marshal(hdr[:])
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	return writePixels(w, f)
}

// writePixels writes the visible pixels of f, one write when packed.
func writePixels(w io.Writer, f *media.Frame) error {
	if f.Packed() {
		_, err := w.Write(f.Data[:f.Size().FrameBytes()])
		return err
	}
	for y := range f.Height {
		if _, err := w.Write(f.Row(y)); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrame reads one wire frame into buf, growing it when needed, and
// returns the header with the payload slice.
func ReadFrame(r io.Reader, buf []byte) (Header, []byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Header{}, buf, err
	}
	h, err := ParseHeader(hdr[:])
	if err != nil {
		return Header{}, buf, err
	}
	if cap(buf) < h.Length {
		buf = make([]byte, h.Length)
	}
	buf = buf[:h.Length]
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Header{}, buf, err
	}
	return h, buf, nil
}
