package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/capstream/distribution"
	"github.com/zsiec/capstream/media"
)

// SRTPayloadSize is the live-mode SRT payload: 7 MPEG-TS packets of 188 bytes.
const SRTPayloadSize = 1316

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

const srtDialTimeout = 10 * time.Second

// chunkWriter splits writes into payloads of at most size bytes, since an
// SRT live socket sends each Write as one message.
type chunkWriter struct {
	w    io.Writer
	size int
}

func (c *chunkWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := min(len(p), c.size)
		m, err := c.w.Write(p[:n])
		written += m
		if err != nil {
			return written, err
		}
		p = p[n:]
	}
	return written, nil
}

// SRTConfig configures an SRT caller sink.
type SRTConfig struct {
	Address  string
	StreamID string // default "live/<stream name>"
	FFmpeg   FFmpegConfig
}

// SRT encodes to MPEG-TS with ffmpeg and pushes the stream to a remote SRT
// listener in caller mode.
type SRT struct {
	cfg SRTConfig
	log *slog.Logger

	conn *srtgo.Conn
	enc  *FFmpeg
}

// NewSRT returns an SRT sink encoder. If log is nil, slog.Default() is used.
func NewSRT(cfg SRTConfig, log *slog.Logger) *SRT {
	if log == nil {
		log = slog.Default()
	}
	return &SRT{cfg: cfg, log: log.With("component", "srt-caller")}
}

func (s *SRT) Open(ctx context.Context, info distribution.StreamInfo) error {
	if s.cfg.Address == "" {
		return fmt.Errorf("srt: address is required")
	}
	streamID := s.cfg.StreamID
	if streamID == "" {
		streamID = "live/" + info.Name
	}

	s.log.Info("dialing", "address", s.cfg.Address, "stream_id", streamID)
	conn, err := dialSRT(ctx, s.cfg.Address, streamID)
	if err != nil {
		return err
	}

	ff := s.cfg.FFmpeg
	ff.Output = "pipe:1"
	ff.Format = "mpegts"
	ff.Stdout = &chunkWriter{w: conn, size: SRTPayloadSize}
	enc := NewFFmpeg(ff, s.log)
	if err := enc.Open(ctx, info); err != nil {
		conn.Close()
		return err
	}
	s.conn = conn
	s.enc = enc
	s.log.Info("connected", "address", s.cfg.Address)
	return nil
}

func dialSRT(ctx context.Context, addr, streamID string) (*srtgo.Conn, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = streamID

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(addr, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(srtDialTimeout)
	defer timer.Stop()

	abandon := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("SRT dial failed: %w", res.err)
		}
		return res.conn, nil
	case <-timer.C:
		abandon()
		return nil, fmt.Errorf("SRT dial timed out after %s", srtDialTimeout)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}
}

func (s *SRT) Encode(ctx context.Context, f *media.Frame, pts int64) error {
	return s.enc.Encode(ctx, f, pts)
}

// Close flushes the encoder before closing the connection so the tail of
// the transport stream reaches the listener.
func (s *SRT) Close() error {
	if s.enc == nil {
		return nil
	}
	err := s.enc.Close()
	s.conn.Close()
	return err
}

// SRTReceiver accepts SRT publish connections and hands each stream to a
// handler. It backs the `receive --srt` command.
type SRTReceiver struct {
	log  *slog.Logger
	addr string
}

// NewSRTReceiver returns a receiver listening on addr. If log is nil,
// slog.Default() is used.
func NewSRTReceiver(addr string, log *slog.Logger) *SRTReceiver {
	if log == nil {
		log = slog.Default()
	}
	return &SRTReceiver{log: log.With("component", "srt-receiver"), addr: addr}
}

// Serve accepts connections until ctx is cancelled. Each connection runs
// handle on its own goroutine with the connection's stream key and reader.
func (r *SRTReceiver) Serve(ctx context.Context, handle func(streamKey string, src io.Reader) error) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(r.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", r.addr, err)
	}
	r.log.Info("listening", "addr", r.addr)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if req.StreamID == "" {
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Warn("accept error", "error", err)
			continue
		}
		key := StreamKey(conn.StreamID())
		r.log.Info("publish", "stream_key", key, "remote", conn.RemoteAddr())
		go func() {
			defer conn.Close()
			if err := handle(key, conn); err != nil && !errors.Is(err, io.EOF) {
				r.log.Warn("stream ended with error", "stream_key", key, "error", err)
				return
			}
			r.log.Info("connection closed", "stream_key", key)
		}()
	}
}

// StreamKey strips the conventional "live/" prefix from an SRT stream ID.
func StreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
