package sink

import (
	"io"
	"os"
	"testing"
)

// When fakeFFmpegEnv is set the test binary stands in for ffmpeg: it copies
// stdin to the output argument, or to stdout for "pipe:1".
const fakeFFmpegEnv = "CAPSTREAM_FAKE_FFMPEG"

func TestMain(m *testing.M) {
	if os.Getenv(fakeFFmpegEnv) == "1" {
		os.Exit(fakeFFmpeg(os.Args[1:]))
	}
	os.Exit(m.Run())
}

func fakeFFmpeg(args []string) int {
	if len(args) == 0 {
		return 2
	}
	out := args[len(args)-1]
	var dst io.Writer = os.Stdout
	if out != "pipe:1" {
		f, err := os.Create(out)
		if err != nil {
			return 1
		}
		defer f.Close()
		dst = f
	}
	if _, err := io.Copy(dst, os.Stdin); err != nil {
		return 1
	}
	return 0
}

func fakeFFmpegConfig(t *testing.T) FFmpegConfig {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Skipf("test executable: %v", err)
	}
	return FFmpegConfig{
		Binary: exe,
		Env:    []string{fakeFFmpegEnv + "=1"},
		Stderr: io.Discard,
	}
}
