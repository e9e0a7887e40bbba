// Package pipeline runs captured frames through an ordered chain of
// transformation stages. The chain shape and every stage's plan are fixed
// at Initialize, so the per-frame path does no configuration branching.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/capstream/media"
)

var (
	// ErrUnsupportedInputSize is returned by Initialize when a stage cannot
	// accept the size produced by the stage before it.
	ErrUnsupportedInputSize = errors.New("unsupported input size")
	// ErrNotInitialized is returned by Process before a successful Initialize.
	ErrNotInitialized = errors.New("pipeline not initialized")
)

// Stage is one transformation in the chain.
//
// Process receives a frame it may read but must not modify. It returns the
// frame to pass on, which is either the input itself, a new frame whose
// reference the pipeline takes over, or nil to drop the frame for this tick.
// Stages allocate output from a pool rather than per frame.
type Stage interface {
	Name() string
	Initialize(in media.Size) (media.Size, error)
	Process(f *media.Frame) (*media.Frame, error)
	Shutdown() error
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Processed int64 `json:"processed"`
	Dropped   int64 `json:"dropped"`
	Failed    int64 `json:"failed"`
	// LastNanos is the processing time of the most recent frame.
	LastNanos int64 `json:"lastNanos"`
}

// Pipeline is an immutable ordered list of stages.
type Pipeline struct {
	log    *slog.Logger
	stages []Stage

	in, out media.Size
	ready   bool

	processed atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
	lastNanos atomic.Int64
}

// New returns a pipeline running stages in order. If log is nil,
// slog.Default() is used.
func New(log *slog.Logger, stages ...Stage) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		log:    log.With("component", "pipeline"),
		stages: stages,
	}
}

// Stages returns the configured stages.
func (p *Pipeline) Stages() []Stage { return p.stages }

// InputSize and OutputSize return the sizes resolved by Initialize.
func (p *Pipeline) InputSize() media.Size  { return p.in }
func (p *Pipeline) OutputSize() media.Size { return p.out }

// Initialize resolves every stage in order, feeding each stage's output
// size to the next. It must succeed before any frame is processed. If a
// stage fails, the stages already initialized are shut down again.
func (p *Pipeline) Initialize(in media.Size) (media.Size, error) {
	size := in
	for i, s := range p.stages {
		out, err := s.Initialize(size)
		if err != nil {
			p.rollback(i)
			return media.Size{}, fmt.Errorf("stage %s with input %s: %w: %w", s.Name(), size, ErrUnsupportedInputSize, err)
		}
		if out.Empty() {
			p.rollback(i + 1)
			return media.Size{}, fmt.Errorf("stage %s produced empty size for input %s: %w", s.Name(), size, ErrUnsupportedInputSize)
		}
		p.log.Info("stage initialized", "stage", s.Name(), "in", size.String(), "out", out.String())
		size = out
	}
	p.in, p.out, p.ready = in, size, true
	return size, nil
}

// rollback shuts down the first n stages in reverse order.
func (p *Pipeline) rollback(n int) {
	for j := n - 1; j >= 0; j-- {
		_ = p.stages[j].Shutdown()
	}
}

// Process runs f through every stage. It takes over the caller's reference
// to f and returns the output frame, with one reference owned by the
// caller, or nil if a stage dropped it. A stage error drops the frame and
// is returned for this frame only; the pipeline stays usable.
func (p *Pipeline) Process(f *media.Frame) (*media.Frame, error) {
	if !p.ready {
		f.Release()
		return nil, ErrNotInitialized
	}
	start := time.Now()
	defer func() { p.lastNanos.Store(time.Since(start).Nanoseconds()) }()

	cur := f
	for _, s := range p.stages {
		next, err := s.Process(cur)
		if err != nil {
			if next != nil && next != cur {
				next.Release()
			}
			cur.Release()
			p.failed.Add(1)
			return nil, fmt.Errorf("stage %s: %w", s.Name(), err)
		}
		if next != cur {
			cur.Release()
		}
		if next == nil {
			p.dropped.Add(1)
			return nil, nil
		}
		cur = next
	}
	p.processed.Add(1)
	return cur, nil
}

// Shutdown shuts down every stage, last first, and returns the first error.
func (p *Pipeline) Shutdown() error {
	var first error
	for i := len(p.stages) - 1; i >= 0; i-- {
		if err := p.stages[i].Shutdown(); err != nil {
			p.log.Warn("stage shutdown failed", "stage", p.stages[i].Name(), "error", err)
			if first == nil {
				first = fmt.Errorf("stage %s: %w", p.stages[i].Name(), err)
			}
		}
	}
	p.ready = false
	return first
}

// Stats returns current counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Dropped:   p.dropped.Load(),
		Failed:    p.failed.Load(),
		LastNanos: p.lastNanos.Load(),
	}
}
