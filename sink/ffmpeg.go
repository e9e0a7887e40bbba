package sink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/zsiec/capstream/distribution"
	"github.com/zsiec/capstream/media"
)

// FFmpeg defaults.
const (
	DefaultCRF    = 23
	DefaultPreset = "veryfast"
)

// FFmpegConfig configures an ffmpeg encoder process.
type FFmpegConfig struct {
	Binary string // default "ffmpeg"
	Output string // file path, or "pipe:1" when Stdout is set
	Format string // container passed to -f; inferred by ffmpeg from Output when empty
	CRF    int
	Preset string

	Stdout io.Writer // receives the muxed stream when Output is a pipe
	Stderr io.Writer
	Env    []string // appended to the process environment
	Extra  []string // inserted before the output argument
}

// FFmpeg encodes frames with libx264 by piping packed BGRA into an ffmpeg
// child process.
type FFmpeg struct {
	cfg FFmpegConfig
	log *slog.Logger

	info  distribution.StreamInfo
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

// NewFFmpeg returns an encoder for cfg. If log is nil, slog.Default() is used.
func NewFFmpeg(cfg FFmpegConfig, log *slog.Logger) *FFmpeg {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.CRF == 0 {
		cfg.CRF = DefaultCRF
	}
	if cfg.Preset == "" {
		cfg.Preset = DefaultPreset
	}
	if cfg.Output == "" && cfg.Stdout != nil {
		cfg.Output = "pipe:1"
	}
	return &FFmpeg{cfg: cfg, log: log.With("component", "ffmpeg")}
}

// Args returns the ffmpeg command line for a stream, without the binary.
func (e *FFmpeg) Args(info distribution.StreamInfo) []string {
	args := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", "bgra",
		"-s", info.Size.String(),
		"-r", strconv.FormatFloat(info.FPS, 'f', -1, 64),
		"-i", "-",
		"-an",
		"-c:v", "libx264",
		"-preset", e.cfg.Preset,
		"-tune", "zerolatency",
		"-crf", strconv.Itoa(e.cfg.CRF),
		"-pix_fmt", "yuv420p",
	}
	if e.isMP4() {
		args = append(args, "-movflags", "+faststart")
	}
	if e.cfg.Format != "" {
		args = append(args, "-f", e.cfg.Format)
	}
	args = append(args, e.cfg.Extra...)
	return append(args, e.cfg.Output)
}

func (e *FFmpeg) isMP4() bool {
	if e.cfg.Format != "" {
		return e.cfg.Format == "mp4"
	}
	ext := strings.ToLower(filepath.Ext(e.cfg.Output))
	return ext == ".mp4" || ext == ".mov"
}

func (e *FFmpeg) Open(_ context.Context, info distribution.StreamInfo) error {
	if info.Size.Empty() {
		return fmt.Errorf("ffmpeg: stream size %v: %w", info.Size, media.ErrInvalidGeometry)
	}
	if e.cfg.Output == "" {
		return fmt.Errorf("ffmpeg: no output")
	}
	e.info = info

	// The process outlives the Initialize context, so it is not bound to it.
	cmd := exec.Command(e.cfg.Binary, e.Args(info)...)
	cmd.Stdout = e.cfg.Stdout
	cmd.Stderr = e.cfg.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if len(e.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), e.cfg.Env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", e.cfg.Binary, err)
	}
	e.cmd = cmd
	e.stdin = stdin
	e.log.Info("encoder started", "output", e.cfg.Output, "size", info.Size, "fps", info.FPS, "crf", e.cfg.CRF)
	return nil
}

func (e *FFmpeg) Encode(_ context.Context, f *media.Frame, _ int64) error {
	if f.Size() != e.info.Size {
		return fmt.Errorf("%w: got %v, want %v", ErrSizeMismatch, f.Size(), e.info.Size)
	}
	if err := writePixels(e.stdin, f); err != nil {
		return fmt.Errorf("ffmpeg write: %w", err)
	}
	return nil
}

// Close ends the input stream and waits for ffmpeg to finalize the output.
func (e *FFmpeg) Close() error {
	if e.cmd == nil {
		return nil
	}
	_ = e.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- e.cmd.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("ffmpeg exit: %w", err)
		}
		return nil
	case <-time.After(30 * time.Second):
		_ = e.cmd.Process.Kill()
		<-done
		return fmt.Errorf("ffmpeg did not exit, killed")
	}
}
