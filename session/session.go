// Package session wires a capture source, the capture ring, the processing
// pipeline and the sink multiplexer into one running capture, and tracks
// running captures in a Manager.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/capstream/buffer"
	"github.com/zsiec/capstream/capture"
	"github.com/zsiec/capstream/distribution"
	"github.com/zsiec/capstream/media"
	"github.com/zsiec/capstream/metrics"
	"github.com/zsiec/capstream/pipeline"
)

// ErrSinksDisconnected ends a run once every sink has failed terminally.
var ErrSinksDisconnected = errors.New("session: every sink disconnected")

const shutdownTimeout = 10 * time.Second

// gaugeEvery is how many processed frames pass between gauge updates.
const gaugeEvery = 16

// State is the lifecycle position of a session.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// RingStats is a snapshot of capture ring occupancy.
type RingStats struct {
	Used     int `json:"used"`
	Capacity int `json:"capacity"`
}

// PoolStats is a snapshot of the session frame pool.
type PoolStats struct {
	Idle    int                 `json:"idle"`
	Max     int                 `json:"max"`
	Counter buffer.PoolCounters `json:"counters"`
}

// Stats is a snapshot of a session.
type Stats struct {
	ID        string                   `json:"id"`
	State     State                    `json:"state"`
	StartedAt time.Time                `json:"startedAt"`
	Input     media.Size               `json:"input"`
	Output    media.Size               `json:"output"`
	Captured  int64                    `json:"captured"`
	RingDrops int64                    `json:"ringDrops"`
	Processed int64                    `json:"processed"`
	Pipeline  pipeline.Stats           `json:"pipeline"`
	Ring      RingStats                `json:"ring"`
	Pool      PoolStats                `json:"pool"`
	Sinks     []distribution.SinkStats `json:"sinks"`
	Error     string                   `json:"error,omitempty"`
}

// Session is one capture: an acquisition goroutine copies frames from the
// source into the ring, and a processing goroutine drains the ring through
// the pipeline into every sink.
type Session struct {
	id      string
	log     *slog.Logger
	source  capture.Source
	pipe    *pipeline.Pipeline
	mux     *distribution.Multiplexer
	metrics *metrics.Metrics

	fps          float64
	duration     time.Duration
	ringCapacity int
	ringWait     time.Duration
	poolBuffers  int
	lazyPool     bool

	state     atomic.Int32
	captured  atomic.Int64
	ringDrops atomic.Int64
	processed atomic.Int64

	mu        sync.Mutex
	ring      *buffer.Ring
	pool      *buffer.Pool
	in, out   media.Size
	startedAt time.Time
	runErr    error
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// Multiplexer returns the session's sink set.
func (s *Session) Multiplexer() *distribution.Multiplexer { return s.mux }

// Run captures until the source is exhausted, the duration elapses, every
// sink disconnects, or ctx is cancelled. Shutdown of every component is
// attempted on all paths. A session runs once.
func (s *Session) Run(ctx context.Context) (err error) {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return fmt.Errorf("session %s: already run", s.id)
	}
	defer func() {
		s.mu.Lock()
		s.runErr = err
		s.mu.Unlock()
		if err != nil {
			s.state.Store(int32(StateFailed))
		} else {
			s.state.Store(int32(StateStopped))
		}
	}()

	if err := s.source.Open(ctx); err != nil {
		return fmt.Errorf("open capture source: %w", err)
	}
	in := s.source.Geometry()
	out, err := s.pipe.Initialize(in)
	if err != nil {
		_ = s.source.Close()
		return err
	}

	ring := buffer.NewRing(s.ringCapacity, in.FrameBytes())
	var pool *buffer.Pool
	if s.lazyPool {
		pool = buffer.NewLazyPool(in.FrameBytes(), s.poolBuffers)
	} else {
		pool = buffer.NewPool(in.FrameBytes(), s.poolBuffers)
	}
	s.mu.Lock()
	s.ring, s.pool = ring, pool
	s.in, s.out = in, out
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.mux.SetStream(distribution.StreamInfo{Name: s.id, Size: out, FPS: s.fps})
	if err := s.mux.Initialize(ctx); err != nil {
		_ = s.pipe.Shutdown()
		_ = s.source.Close()
		return fmt.Errorf("initialize sinks: %w", err)
	}

	s.metrics.SessionStarted()
	defer s.metrics.SessionEnded(s.id)
	s.log.Info("session started", "input", in, "output", out,
		"stages", len(s.pipe.Stages()), "sinks", len(s.mux.Sinks()))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if s.duration > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeout(runCtx, s.duration)
		defer stop()
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.acquire(gctx, ring) })
	g.Go(func() error { return s.process(gctx, ring, pool) })
	err = g.Wait()

	return errors.Join(err, s.shutdown(ctx))
}

func (s *Session) shutdown(ctx context.Context) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.mux.Shutdown(sctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown sinks: %w", err))
	}
	if err := s.pipe.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("shutdown pipeline: %w", err))
	}
	if err := s.source.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close capture source: %w", err))
	}
	st := s.Stats()
	s.log.Info("session stopped", "captured", st.Captured, "processed", st.Processed,
		"ring_drops", st.RingDrops, "pipeline_drops", st.Pipeline.Dropped, "failed", st.Pipeline.Failed)
	return errors.Join(errs...)
}

// acquire copies frames from the source into the ring. The ring is closed
// on every exit so the processing side drains and stops.
func (s *Session) acquire(ctx context.Context, ring *buffer.Ring) error {
	defer ring.Close()

	var packed []byte
	for {
		f, err := s.source.Next(ctx)
		switch {
		case errors.Is(err, capture.ErrExhausted), ctx.Err() != nil:
			if f != nil {
				f.Release()
			}
			return nil
		case err != nil:
			return fmt.Errorf("capture: %w", err)
		}
		s.captured.Add(1)
		s.metrics.Captured(s.id)

		data := f.Data[:f.Size().FrameBytes()]
		if !f.Packed() {
			if packed == nil {
				packed = make([]byte, f.Size().FrameBytes())
			}
			for y := range f.Height {
				copy(packed[y*f.Width*media.BytesPerPixel:], f.Row(y))
			}
			data = packed
		}
		pts := f.PTS
		err = ring.WaitWrite(ctx, data, pts, s.ringWait)
		f.Release()

		switch {
		case err == nil:
		case errors.Is(err, buffer.ErrFull):
			// The processing side is behind; this frame is lost for every sink.
			s.ringDrops.Add(1)
			s.metrics.Dropped(s.id, metrics.ReasonRingFull)
			s.log.Debug("ring full, frame dropped", "pts", pts)
		case ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("ring write: %w", err)
		}
	}
}

// process drains the ring through the pipeline and broadcasts each result.
func (s *Session) process(ctx context.Context, ring *buffer.Ring, pool *buffer.Pool) error {
	in := s.source.Geometry()
	stride := in.Width * media.BytesPerPixel
	for n := 0; ; n++ {
		buf := pool.Get()
		size, pts, err := ring.WaitRead(ctx, buf)
		if err != nil {
			pool.Put(buf)
			if errors.Is(err, buffer.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ring read: %w", err)
		}
		start := time.Now()

		f, err := media.NewPooledFrame(pool, buf[:size], in.Width, in.Height, stride, pts)
		if err != nil {
			pool.Put(buf)
			s.metrics.Dropped(s.id, metrics.ReasonStageError)
			s.log.Warn("malformed frame in ring", "bytes", size, "error", err)
			continue
		}

		out, err := s.pipe.Process(f)
		switch {
		case err != nil:
			s.metrics.Dropped(s.id, metrics.ReasonStageError)
			s.log.Warn("frame failed", "pts", pts, "error", err)
			continue
		case out == nil:
			s.metrics.Dropped(s.id, metrics.ReasonPipeline)
			continue
		}

		results := s.mux.SendFrame(out)
		out.Release()
		s.processed.Add(1)
		s.metrics.SinkResults(s.id, results)
		s.metrics.Processed(s.id, time.Since(start))

		if allDisconnected(results) {
			return ErrSinksDisconnected
		}
		if n%gaugeEvery == 0 {
			used, capacity := ring.Status()
			s.metrics.Ring(s.id, used, capacity)
			idle, max := pool.Stats()
			s.metrics.Pool(s.id, idle, max)
		}
	}
}

func allDisconnected(results []distribution.Result) bool {
	for _, r := range results {
		if !errors.Is(r.Err, distribution.ErrDisconnected) {
			return false
		}
	}
	return len(results) > 0
}

// Stats returns a snapshot. It is safe to call while the session runs.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		ID:        s.id,
		StartedAt: s.startedAt,
		Input:     s.in,
		Output:    s.out,
	}
	ring, pool := s.ring, s.pool
	if s.runErr != nil {
		st.Error = s.runErr.Error()
	}
	s.mu.Unlock()

	st.State = s.State()
	st.Captured = s.captured.Load()
	st.RingDrops = s.ringDrops.Load()
	st.Processed = s.processed.Load()
	st.Pipeline = s.pipe.Stats()
	st.Sinks = s.mux.Stats()
	if ring != nil {
		st.Ring.Used, st.Ring.Capacity = ring.Status()
	}
	if pool != nil {
		st.Pool.Idle, st.Pool.Max = pool.Stats()
		st.Pool.Counter = pool.Counters()
	}
	return st
}
