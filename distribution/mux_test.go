package distribution

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zsiec/capstream/buffer"
	"github.com/zsiec/capstream/media"
)

// mockSink implements Sink for testing.
type mockSink struct {
	name     string
	sendErr  error
	initErr  error
	stopErr  error
	delay    time.Duration
	keep     bool
	mu       sync.Mutex
	frames   []*media.Frame
	pts      []int64
	sent     atomic.Int64
	inits    atomic.Int64
	shutdown atomic.Int64
}

func (m *mockSink) Name() string { return m.name }

func (m *mockSink) Initialize(context.Context) error {
	m.inits.Add(1)
	return m.initErr
}

func (m *mockSink) Send(f *media.Frame) error {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.sendErr != nil {
		f.Release()
		return m.sendErr
	}
	m.mu.Lock()
	m.pts = append(m.pts, f.PTS)
	if m.keep {
		m.frames = append(m.frames, f)
	} else {
		f.Release()
	}
	m.mu.Unlock()
	m.sent.Add(1)
	return nil
}

func (m *mockSink) Shutdown(context.Context) error {
	m.shutdown.Add(1)
	return m.stopErr
}

func (m *mockSink) received() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.pts...)
}

func newFrame(t *testing.T, pool *buffer.Pool, pts int64) *media.Frame {
	t.Helper()
	f, err := media.NewPooledFrame(pool, pool.Get(), 4, 4, 16, pts)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestMultiplexerIsolatesFailingSink(t *testing.T) {
	t.Parallel()

	bad := &mockSink{name: "bad", sendErr: errors.New("encoder exploded")}
	good := &mockSink{name: "good"}
	m := NewMultiplexer(nil, bad, good)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	pool := buffer.NewPool(64, 4)
	const frames = 100
	for i := range frames {
		f := newFrame(t, pool, int64(i))
		results := m.SendFrame(f)
		f.Release()

		if len(results) != 2 {
			t.Fatalf("results: got %d, want 2", len(results))
		}
		if results[0].Sink != "bad" || results[0].Err == nil {
			t.Errorf("frame %d: failing sink result %+v", i, results[0])
		}
		if results[1].Sink != "good" || results[1].Err != nil {
			t.Errorf("frame %d: good sink result %+v", i, results[1])
		}
	}

	got := good.received()
	if len(got) != frames {
		t.Fatalf("good sink frames: got %d, want %d", len(got), frames)
	}
	for i, pts := range got {
		if pts != int64(i) {
			t.Fatalf("good sink order: frame %d has pts %d", i, pts)
		}
	}
	if avail, max := pool.Stats(); avail != max {
		t.Errorf("pool: %d of %d buffers back, references leaked", avail, max)
	}

	var se *SinkError
	f := newFrame(t, pool, frames)
	results := m.SendFrame(f)
	f.Release()
	if !errors.As(results[0].Err, &se) || se.Sink != "bad" {
		t.Errorf("failing result should carry the sink name, got %v", results[0].Err)
	}

	stats := m.Stats()
	if stats[0].Failed != frames+1 || stats[1].Accepted != frames+1 {
		t.Errorf("stats: got %+v", stats)
	}
}

func TestMultiplexerSharesFrameByReference(t *testing.T) {
	t.Parallel()

	a := &mockSink{name: "a", keep: true}
	b := &mockSink{name: "b", keep: true}
	m := NewMultiplexer(nil, a, b)

	pool := buffer.NewPool(64, 1)
	f := newFrame(t, pool, 7)
	m.SendFrame(f)
	if f.Refs() != 3 {
		t.Errorf("refs after broadcast: got %d, want 3", f.Refs())
	}
	if a.frames[0] != f || b.frames[0] != f {
		t.Error("sinks should receive the same frame, not copies")
	}

	f.Release()
	a.frames[0].Release()
	if avail, _ := pool.Stats(); avail != 0 {
		t.Error("buffer recycled while a sink still holds it")
	}
	b.frames[0].Release()
	if avail, _ := pool.Stats(); avail != 1 {
		t.Error("buffer should return to the pool after the last release")
	}
}

func TestMultiplexerSendsConcurrently(t *testing.T) {
	t.Parallel()

	const delay = 100 * time.Millisecond
	m := NewMultiplexer(nil,
		&mockSink{name: "slow1", delay: delay},
		&mockSink{name: "slow2", delay: delay},
		&mockSink{name: "slow3", delay: delay},
	)
	pool := buffer.NewPool(64, 1)
	f := newFrame(t, pool, 0)
	defer f.Release()

	start := time.Now()
	m.SendFrame(f)
	if elapsed := time.Since(start); elapsed >= 3*delay {
		t.Errorf("broadcast took %v, sinks were not served concurrently", elapsed)
	}
}

func TestMultiplexerInitializeFailureShutsDownAll(t *testing.T) {
	t.Parallel()

	ok := &mockSink{name: "ok"}
	broken := &mockSink{name: "broken", initErr: errors.New("no route")}
	m := NewMultiplexer(nil, ok, broken)

	err := m.Initialize(context.Background())
	if err == nil {
		t.Fatal("expected initialization error")
	}
	if ok.shutdown.Load() != 1 || broken.shutdown.Load() != 1 {
		t.Error("all sinks should be shut down after a failed initialize")
	}

	if err := NewMultiplexer(nil).Initialize(context.Background()); err == nil {
		t.Error("multiplexer with no sinks should fail to initialize")
	}
}

func TestMultiplexerShutdownAttemptsEverySink(t *testing.T) {
	t.Parallel()

	stopErr := errors.New("flush failed")
	a := &mockSink{name: "a", stopErr: stopErr}
	b := &mockSink{name: "b"}
	c := &mockSink{name: "c", stopErr: errors.New("also failed")}
	m := NewMultiplexer(nil, a, b, c)

	if err := m.Shutdown(context.Background()); err == nil {
		t.Fatal("expected shutdown error")
	}
	for _, s := range []*mockSink{a, b, c} {
		if s.shutdown.Load() != 1 {
			t.Errorf("sink %s: shutdown calls %d, want 1", s.name, s.shutdown.Load())
		}
	}
}
