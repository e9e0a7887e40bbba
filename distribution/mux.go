package distribution

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/capstream/media"
)

// Result is the outcome of one sink for one broadcast frame.
type Result struct {
	Sink string
	Err  error
}

// SinkStats holds per-sink broadcast counters.
type SinkStats struct {
	Name         string `json:"name"`
	Accepted     int64  `json:"accepted"`
	Backpressure int64  `json:"backpressure"`
	Failed       int64  `json:"failed"`
}

type sinkCounters struct {
	accepted     atomic.Int64
	backpressure atomic.Int64
	failed       atomic.Int64
}

// Multiplexer broadcasts frames to a fixed set of sinks. The set is chosen
// at construction and never changes, so the broadcast path takes no lock.
//
// SendFrame must be called from one goroutine at a time.
type Multiplexer struct {
	log      *slog.Logger
	sinks    []Sink
	counters []sinkCounters
	results  []Result
}

// NewMultiplexer returns a multiplexer over sinks. If log is nil,
// slog.Default() is used.
func NewMultiplexer(log *slog.Logger, sinks ...Sink) *Multiplexer {
	if log == nil {
		log = slog.Default()
	}
	return &Multiplexer{
		log:      log.With("component", "multiplexer"),
		sinks:    sinks,
		counters: make([]sinkCounters, len(sinks)),
		results:  make([]Result, len(sinks)),
	}
}

// Sinks returns the configured sinks.
func (m *Multiplexer) Sinks() []Sink { return m.sinks }

// SetStream passes info to every sink that implements StreamSetter. It must
// be called before Initialize.
func (m *Multiplexer) SetStream(info StreamInfo) {
	for _, s := range m.sinks {
		if ss, ok := s.(StreamSetter); ok {
			ss.SetStream(info)
		}
	}
}

// Initialize starts every sink concurrently. If any fails, every sink is
// shut down again and the first error is returned.
func (m *Multiplexer) Initialize(ctx context.Context) error {
	if len(m.sinks) == 0 {
		return errors.New("multiplexer has no sinks")
	}
	var g errgroup.Group
	for _, s := range m.sinks {
		g.Go(func() error {
			if err := s.Initialize(ctx); err != nil {
				return &SinkError{Sink: s.Name(), Err: err}
			}
			m.log.Info("sink initialized", "sink", s.Name())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		_ = m.Shutdown(context.WithoutCancel(ctx))
		return err
	}
	return nil
}

// SendFrame hands f to every sink concurrently, each with its own
// reference, and returns once every sink has accepted or rejected it. The
// caller keeps its own reference to f. A failing sink never prevents
// delivery to the others.
//
// The returned slice is reused by the next call.
func (m *Multiplexer) SendFrame(f *media.Frame) []Result {
	if len(m.sinks) == 1 {
		m.send(0, f.Retain())
		return m.results
	}

	var wg sync.WaitGroup
	wg.Add(len(m.sinks))
	for i := range m.sinks {
		ref := f.Retain()
		go func() {
			defer wg.Done()
			m.send(i, ref)
		}()
	}
	wg.Wait()
	return m.results
}

func (m *Multiplexer) send(i int, f *media.Frame) {
	s := m.sinks[i]
	err := s.Send(f)
	if err != nil {
		err = &SinkError{Sink: s.Name(), Err: err}
	}
	m.results[i] = Result{Sink: s.Name(), Err: err}

	c := &m.counters[i]
	switch {
	case err == nil:
		c.accepted.Add(1)
	case IsTransient(err):
		c.backpressure.Add(1)
	default:
		c.failed.Add(1)
	}
}

// Shutdown shuts every sink down concurrently, even if some fail, and
// returns the first error.
func (m *Multiplexer) Shutdown(ctx context.Context) error {
	var g errgroup.Group
	for _, s := range m.sinks {
		g.Go(func() error {
			if err := s.Shutdown(ctx); err != nil {
				m.log.Warn("sink shutdown failed", "sink", s.Name(), "error", err)
				return &SinkError{Sink: s.Name(), Err: err}
			}
			return nil
		})
	}
	return g.Wait()
}

// Stats returns per-sink counters in sink order.
func (m *Multiplexer) Stats() []SinkStats {
	out := make([]SinkStats, len(m.sinks))
	for i, s := range m.sinks {
		c := &m.counters[i]
		out[i] = SinkStats{
			Name:         s.Name(),
			Accepted:     c.accepted.Load(),
			Backpressure: c.backpressure.Load(),
			Failed:       c.failed.Load(),
		}
	}
	return out
}
