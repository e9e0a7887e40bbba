package sink

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/zsiec/capstream/distribution"
	"github.com/zsiec/capstream/media"
)

var smallStream = distribution.StreamInfo{Name: "cam", Size: media.Size{Width: 4, Height: 2}, FPS: 30}

func TestRawFileRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "frames.raw")
	enc := NewRawFile(path)
	ctx := context.Background()
	if err := enc.Open(ctx, smallStream); err != nil {
		t.Fatal(err)
	}
	for i := range 5 {
		if err := enc.Encode(ctx, stridedFrame(t, 4, 2, 8, int64(i)), int64(i)*1000); err != nil {
			t.Fatal(err)
		}
	}
	if err := enc.Encode(ctx, stridedFrame(t, 3, 2, 0, 0), 0); !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("wrong size: got %v, want ErrSizeMismatch", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
	if enc.Frames() != 5 {
		t.Errorf("frames: got %d, want 5", enc.Frames())
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var buf []byte
	for i := range 5 {
		var h Header
		h, buf, err = ReadFrame(f, buf)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if h.PTS != int64(i)*1000 {
			t.Errorf("frame %d pts: got %d", i, h.PTS)
		}
	}
}

func TestFFmpegArgs(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     FFmpegConfig
		want    []string
		notWant []string
		last    string
	}{
		{
			name: "mp4 file",
			cfg:  FFmpegConfig{Output: "capture.mp4"},
			want: []string{"-f rawvideo", "-pix_fmt bgra", "-s 1920x1080", "-r 30", "-crf 23",
				"-preset veryfast", "-movflags +faststart", "-pix_fmt yuv420p"},
			last: "capture.mp4",
		},
		{
			name:    "mpegts pipe",
			cfg:     FFmpegConfig{Format: "mpegts", Stdout: &bytes.Buffer{}, CRF: 18},
			want:    []string{"-crf 18", "-f mpegts"},
			notWant: []string{"-movflags +faststart"},
			last:    "pipe:1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := NewFFmpeg(tt.cfg, nil)
			args := e.Args(distribution.StreamInfo{Size: media.Size{Width: 1920, Height: 1080}, FPS: 30})
			joined := strings.Join(args, " ")
			for _, w := range tt.want {
				if !strings.Contains(joined, w) {
					t.Errorf("args %q missing %q", joined, w)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(joined, w) {
					t.Errorf("args %q should not contain %q", joined, w)
				}
			}
			if args[len(args)-1] != tt.last {
				t.Errorf("output: got %q, want %q", args[len(args)-1], tt.last)
			}
			if i := slices.Index(args, "-i"); i < 0 || args[i+1] != "-" {
				t.Error("input should be stdin")
			}
		})
	}
}

func TestFFmpegStreamsPackedPixels(t *testing.T) {
	t.Parallel()
	cfg := fakeFFmpegConfig(t)
	cfg.Output = filepath.Join(t.TempDir(), "out.bin")
	enc := NewFFmpeg(cfg, nil)

	ctx := context.Background()
	if err := enc.Open(ctx, smallStream); err != nil {
		t.Fatal(err)
	}
	var want []byte
	for i := range 3 {
		f := stridedFrame(t, 4, 2, 4, int64(i))
		for y := range f.Height {
			want = append(want, f.Row(y)...)
		}
		if err := enc.Encode(ctx, f, 0); err != nil {
			t.Fatal(err)
		}
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(cfg.Output)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("ffmpeg stdin: got %d bytes, want %d packed bytes", len(got), len(want))
	}
}

func TestFFmpegOpenErrors(t *testing.T) {
	t.Parallel()
	enc := NewFFmpeg(FFmpegConfig{Binary: "/nonexistent/ffmpeg", Output: "x.mp4"}, nil)
	if err := enc.Open(context.Background(), smallStream); err == nil {
		t.Error("missing binary should fail to open")
	}
	enc = NewFFmpeg(FFmpegConfig{Output: "x.mp4"}, nil)
	if err := enc.Open(context.Background(), distribution.StreamInfo{}); !errors.Is(err, media.ErrInvalidGeometry) {
		t.Errorf("empty size: got %v, want ErrInvalidGeometry", err)
	}
	if err := enc.Close(); err != nil {
		t.Errorf("close of unopened encoder: %v", err)
	}
}

// recordingWriter records the size of every Write.
type recordingWriter struct {
	mu     sync.Mutex
	writes []int
	data   bytes.Buffer
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, len(p))
	return w.data.Write(p)
}

func TestChunkWriterBoundsPayloads(t *testing.T) {
	t.Parallel()
	rec := &recordingWriter{}
	cw := &chunkWriter{w: rec, size: SRTPayloadSize}

	payload := bytes.Repeat([]byte{0x47}, 188*20)
	n, err := cw.Write(payload)
	if err != nil || n != len(payload) {
		t.Fatalf("write: n=%d err=%v", n, err)
	}
	for i, sz := range rec.writes {
		if sz > SRTPayloadSize {
			t.Errorf("write %d: %d bytes exceeds %d", i, sz, SRTPayloadSize)
		}
	}
	if want := []int{1316, 1316, 1128}; !slices.Equal(rec.writes, want) {
		t.Errorf("chunks: got %v, want %v", rec.writes, want)
	}
	if !bytes.Equal(rec.data.Bytes(), payload) {
		t.Error("chunked bytes differ from input")
	}
}

func TestSRTStreamKey(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"live/desk": "desk",
		"/live/cam": "cam",
		"raw":       "raw",
		"":          "default",
		"live/":     "default",
	}
	for in, want := range tests {
		if got := StreamKey(in); got != want {
			t.Errorf("StreamKey(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestSRTRequiresAddress(t *testing.T) {
	t.Parallel()
	if err := NewSRT(SRTConfig{}, nil).Open(context.Background(), smallStream); err == nil {
		t.Error("missing address should fail")
	}
	if err := NewSRT(SRTConfig{}, nil).Close(); err != nil {
		t.Errorf("close of unopened sink: %v", err)
	}
}
