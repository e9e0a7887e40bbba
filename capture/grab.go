package capture

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"

	"github.com/zsiec/capstream/media"
)

// GrabConfig configures an ffmpeg grab process.
type GrabConfig struct {
	Binary      string // default "ffmpeg"
	InputFormat string // ffmpeg -f for the input, default "x11grab"
	Input       string // ffmpeg -i, default ":0.0"
	Size        media.Size
	FPS         float64
	Extra       []string // input options placed before -i
	Env         []string
	Stderr      io.Writer
}

// Grab runs ffmpeg as a capture device and reads rawvideo BGRA frames from
// its stdout.
type Grab struct {
	cfg GrabConfig
	log *slog.Logger

	cmd    *exec.Cmd
	stdout io.ReadCloser
	reader *Reader
}

// NewGrab returns a grab source. If log is nil, slog.Default() is used.
func NewGrab(cfg GrabConfig, log *slog.Logger) *Grab {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "x11grab"
	}
	if cfg.Input == "" {
		cfg.Input = ":0.0"
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	return &Grab{cfg: cfg, log: log.With("component", "grab")}
}

func (g *Grab) Geometry() media.Size { return g.cfg.Size }

// Args returns the ffmpeg command line, without the binary.
func (g *Grab) Args() []string {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", g.cfg.InputFormat,
		"-video_size", g.cfg.Size.String(),
		"-framerate", strconv.FormatFloat(g.cfg.FPS, 'f', -1, 64),
	}
	args = append(args, g.cfg.Extra...)
	return append(args,
		"-i", g.cfg.Input,
		"-an",
		"-f", "rawvideo",
		"-pix_fmt", "bgra",
		"pipe:1",
	)
}

func (g *Grab) Open(ctx context.Context) error {
	if g.cfg.Size.Empty() {
		return fmt.Errorf("grab source %v: %w", g.cfg.Size, media.ErrInvalidGeometry)
	}
	cmd := exec.Command(g.cfg.Binary, g.Args()...)
	cmd.Stderr = g.cfg.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if len(g.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), g.cfg.Env...)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("grab stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", g.cfg.Binary, err)
	}
	g.cmd = cmd
	g.stdout = stdout
	g.reader = NewReader(stdout, ReaderConfig{Size: g.cfg.Size, FPS: g.cfg.FPS})
	g.log.Info("grab started", "input", g.cfg.Input, "format", g.cfg.InputFormat, "size", g.cfg.Size)
	return g.reader.Open(ctx)
}

func (g *Grab) Next(ctx context.Context) (*media.Frame, error) {
	if g.reader == nil {
		return nil, ErrNotOpen
	}
	return g.reader.Next(ctx)
}

// Close stops ffmpeg and reaps it.
func (g *Grab) Close() error {
	if g.cmd == nil {
		return nil
	}
	if g.cmd.ProcessState == nil {
		_ = g.cmd.Process.Kill()
	}
	_ = g.stdout.Close()
	err := g.cmd.Wait()
	g.cmd = nil
	g.reader = nil
	if err != nil {
		g.log.Debug("grab exited", "error", err)
	}
	return nil
}
