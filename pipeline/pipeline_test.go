package pipeline

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zsiec/capstream/buffer"
	"github.com/zsiec/capstream/media"
	"github.com/zsiec/capstream/scale"
)

// mockStage records calls and optionally drops, fails, or resizes.
type mockStage struct {
	name     string
	out      media.Size // zero means same as input
	initErr  error
	empty    bool // Initialize reports a zero size
	drop     bool
	fail     error
	replace  bool
	calls    atomic.Int64
	shutdown atomic.Int64
}

func (m *mockStage) Name() string { return m.name }

func (m *mockStage) Initialize(in media.Size) (media.Size, error) {
	if m.initErr != nil {
		return media.Size{}, m.initErr
	}
	if m.empty {
		return media.Size{}, nil
	}
	if m.out.Empty() {
		return in, nil
	}
	return m.out, nil
}

func (m *mockStage) Process(f *media.Frame) (*media.Frame, error) {
	m.calls.Add(1)
	switch {
	case m.fail != nil:
		return nil, m.fail
	case m.drop:
		return nil, nil
	case m.replace:
		return media.NewFrame(make([]byte, len(f.Data)), f.Width, f.Height, f.Stride, f.PTS)
	}
	return f, nil
}

func (m *mockStage) Shutdown() error {
	m.shutdown.Add(1)
	return nil
}

func newTestFrame(t *testing.T, w, h int, pool media.Recycler) *media.Frame {
	t.Helper()
	var buf []byte
	if p, ok := pool.(*buffer.Pool); ok {
		buf = p.Get()
	} else {
		buf = make([]byte, w*h*4)
	}
	f, err := media.NewPooledFrame(pool, buf, w, h, w*4, 0)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestInitializePropagatesSizes(t *testing.T) {
	t.Parallel()

	a := &mockStage{name: "a", out: media.Size{Width: 100, Height: 50}}
	b := &mockStage{name: "b"}
	c := &mockStage{name: "c", out: media.Size{Width: 10, Height: 10}}
	p := New(nil, a, b, c)

	out, err := p.Initialize(media.Size{Width: 1920, Height: 1080})
	if err != nil {
		t.Fatal(err)
	}
	if out != (media.Size{Width: 10, Height: 10}) {
		t.Errorf("output: got %s, want 10x10", out)
	}
	if p.InputSize() != (media.Size{Width: 1920, Height: 1080}) {
		t.Errorf("input: got %s", p.InputSize())
	}
}

func TestInitializeFailureAborts(t *testing.T) {
	t.Parallel()

	a := &mockStage{name: "a"}
	b := &mockStage{name: "b", initErr: errors.New("too wide")}
	c := &mockStage{name: "c"}
	p := New(nil, a, b, c)

	_, err := p.Initialize(media.Size{Width: 64, Height: 64})
	if !errors.Is(err, ErrUnsupportedInputSize) {
		t.Fatalf("got %v, want ErrUnsupportedInputSize", err)
	}
	if a.shutdown.Load() != 1 {
		t.Error("already initialized stage should be shut down")
	}
	if c.shutdown.Load() != 0 {
		t.Error("stages after the failure were never initialized")
	}

	f := newTestFrame(t, 64, 64, nil)
	if _, err := p.Process(f); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Process after failed init: got %v, want ErrNotInitialized", err)
	}
}

func TestInitializeEmptySizeRollsBack(t *testing.T) {
	t.Parallel()

	a := &mockStage{name: "a"}
	b := &mockStage{name: "b", empty: true}
	c := &mockStage{name: "c"}
	p := New(nil, a, b, c)

	if _, err := p.Initialize(media.Size{Width: 64, Height: 64}); !errors.Is(err, ErrUnsupportedInputSize) {
		t.Fatalf("got %v, want ErrUnsupportedInputSize", err)
	}
	if a.shutdown.Load() != 1 || b.shutdown.Load() != 1 {
		t.Errorf("shutdowns: a=%d b=%d, want 1 each", a.shutdown.Load(), b.shutdown.Load())
	}
	if c.shutdown.Load() != 0 {
		t.Error("stages after the failure were never initialized")
	}
}

func TestProcessShortCircuitsOnDrop(t *testing.T) {
	t.Parallel()

	dropper := &mockStage{name: "drop", drop: true}
	after := &mockStage{name: "after"}
	p := New(nil, dropper, after)
	if _, err := p.Initialize(media.Size{Width: 8, Height: 8}); err != nil {
		t.Fatal(err)
	}

	out, err := p.Process(newTestFrame(t, 8, 8, nil))
	if err != nil || out != nil {
		t.Fatalf("drop: got (%v, %v), want (nil, nil)", out, err)
	}
	if after.calls.Load() != 0 {
		t.Error("stage after a drop must not run")
	}
	if s := p.Stats(); s.Dropped != 1 || s.Processed != 0 {
		t.Errorf("stats: got %+v", s)
	}
}

func TestProcessErrorIsPerFrame(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	flaky := &mockStage{name: "flaky", fail: boom}
	p := New(nil, flaky)
	if _, err := p.Initialize(media.Size{Width: 8, Height: 8}); err != nil {
		t.Fatal(err)
	}

	pool := buffer.NewPool(8*8*4, 2)
	f := newTestFrame(t, 8, 8, pool)
	if _, err := p.Process(f); !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
	if avail, max := pool.Stats(); avail != max {
		t.Errorf("failed frame not recycled: available %d of %d", avail, max)
	}

	flaky.fail = nil
	out, err := p.Process(newTestFrame(t, 8, 8, nil))
	if err != nil || out == nil {
		t.Fatalf("pipeline should keep working after a frame error: %v", err)
	}
	if s := p.Stats(); s.Failed != 1 || s.Processed != 1 {
		t.Errorf("stats: got %+v", s)
	}
}

func TestProcessReleasesIntermediateFrames(t *testing.T) {
	t.Parallel()

	p := New(nil, &mockStage{name: "copy", replace: true}, &mockStage{name: "pass"})
	if _, err := p.Initialize(media.Size{Width: 4, Height: 4}); err != nil {
		t.Fatal(err)
	}
	pool := buffer.NewPool(4*4*4, 1)
	in := newTestFrame(t, 4, 4, pool)

	out, err := p.Process(in)
	if err != nil {
		t.Fatal(err)
	}
	if out == in {
		t.Fatal("replacing stage should produce a new frame")
	}
	if avail, _ := pool.Stats(); avail != 1 {
		t.Error("input frame should be released once replaced")
	}
	if out.Refs() != 1 {
		t.Errorf("output refs: got %d, want 1", out.Refs())
	}
	out.Release()
}

func TestShutdownReachesEveryStage(t *testing.T) {
	t.Parallel()

	a, b := &mockStage{name: "a"}, &mockStage{name: "b"}
	p := New(nil, a, b)
	if _, err := p.Initialize(media.Size{Width: 2, Height: 2}); err != nil {
		t.Fatal(err)
	}
	if err := p.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if a.shutdown.Load() != 1 || b.shutdown.Load() != 1 {
		t.Error("every stage should be shut down once")
	}
}

func TestScaleStage1080pPreset(t *testing.T) {
	t.Parallel()

	stage := NewPresetStage(scale.P4, 2)
	p := New(nil, stage)
	out, err := p.Initialize(media.Size{Width: 1920, Height: 1080})
	if err != nil {
		t.Fatal(err)
	}
	if out != (media.Size{Width: 640, Height: 360}) {
		t.Fatalf("output size: got %s, want 640x360", out)
	}

	frame := newTestFrame(t, 1920, 1080, nil)
	frame.PTS = 42
	res, err := p.Process(frame)
	if err != nil {
		t.Fatal(err)
	}
	if res.Width != 640 || res.Height != 360 || res.Stride != 640*4 || res.PTS != 42 {
		t.Errorf("result: %dx%d stride %d pts %d", res.Width, res.Height, res.Stride, res.PTS)
	}
	if avail, _ := stage.Pool().Stats(); avail != 1 {
		t.Errorf("pool available while frame held: got %d, want 1", avail)
	}
	res.Release()
	if avail, _ := stage.Pool().Stats(); avail != 2 {
		t.Errorf("pool available after release: got %d, want 2", avail)
	}
}

func TestScaleStagePassthrough(t *testing.T) {
	t.Parallel()

	stage := NewScaleStage(scale.MaxLongSide(640), scale.Preserve, scale.Black, 1)
	if _, err := stage.Initialize(media.Size{Width: 320, Height: 200}); err != nil {
		t.Fatal(err)
	}
	f := newTestFrame(t, 320, 200, nil)
	out, err := stage.Process(f)
	if err != nil {
		t.Fatal(err)
	}
	if out != f {
		t.Error("identity plan should pass the frame through")
	}

	if _, err := stage.Process(newTestFrame(t, 100, 100, nil)); err == nil {
		t.Error("frame of a different size should be rejected")
	}
}

func TestScaleStageRejectsZeroInput(t *testing.T) {
	t.Parallel()

	p := New(nil, NewPresetStage(scale.P6_9, 1))
	if _, err := p.Initialize(media.Size{Width: 0, Height: 1080}); !errors.Is(err, ErrUnsupportedInputSize) {
		t.Errorf("got %v, want ErrUnsupportedInputSize", err)
	}
}

func TestGundamStageComposite(t *testing.T) {
	t.Parallel()

	stage := NewGundamStage(scale.DefaultGundam(), 1)
	out, err := stage.Initialize(media.Size{Width: 1920, Height: 1080})
	if err != nil {
		t.Fatal(err)
	}
	// 4 tiles plus the overview on a 3x2 grid of 640px cells.
	if out != (media.Size{Width: 1920, Height: 1280}) {
		t.Fatalf("composite size: got %s, want 1920x1280", out)
	}
	if l := stage.Layout(); l.Cols != 2 || l.Rows != 2 {
		t.Errorf("layout: got %dx%d", l.Cols, l.Rows)
	}

	res, err := stage.Process(newTestFrame(t, 1920, 1080, nil))
	if err != nil {
		t.Fatal(err)
	}
	if res.Size() != out {
		t.Errorf("frame size: got %s, want %s", res.Size(), out)
	}
	res.Release()
}

func TestRateStageHalvesRate(t *testing.T) {
	t.Parallel()

	r := NewRateStage(30)
	if _, err := r.Initialize(media.Size{Width: 2, Height: 2}); err != nil {
		t.Fatal(err)
	}
	kept := 0
	for i := range 60 {
		f := newTestFrame(t, 2, 2, nil)
		f.PTS = int64(i) * int64(time.Second) / 60
		out, err := r.Process(f)
		if err != nil {
			t.Fatal(err)
		}
		if out != nil {
			kept++
		}
	}
	if kept != 30 {
		t.Errorf("kept: got %d, want 30", kept)
	}

	if _, err := NewRateStage(0).Initialize(media.Size{Width: 2, Height: 2}); err == nil {
		t.Error("zero fps should fail initialization")
	}
}
