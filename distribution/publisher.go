package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/capstream/media"
)

// Publisher defaults. A three-frame queue bounds queuing latency to three
// frame intervals.
const (
	DefaultQueueCapacity = 3
	DefaultRetries       = 2
	DefaultRetryInterval = 2 * time.Millisecond
)

// PublisherConfig configures one publishing sink.
type PublisherConfig struct {
	Name          string
	Size          media.Size
	FPS           float64
	QueueCapacity int
	Retries       int // 0 selects DefaultRetries, negative disables retrying
	RetryInterval time.Duration
}

func (c PublisherConfig) withDefaults() PublisherConfig {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	switch {
	case c.Retries == 0:
		c.Retries = DefaultRetries
	case c.Retries < 0:
		c.Retries = 0 // fail fast
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.FPS <= 0 {
		c.FPS = 30
	}
	return c
}

// PublisherStats is a snapshot of publisher counters.
type PublisherStats struct {
	Name         string `json:"name"`
	Queued       int64  `json:"queued"`
	Encoded      int64  `json:"encoded"`
	Backpressure int64  `json:"backpressure"`
	Dropped      int64  `json:"dropped"`
	QueueDepth   int    `json:"queueDepth"`
	Connected    bool   `json:"connected"`
}

const (
	stateIdle int32 = iota
	stateRunning
	stateStopped
)

// Publisher is a Sink that queues frames for an Encoder running on its own
// goroutine. Send never blocks for longer than the retry budget: a full
// queue is reported as ErrBackpressure, a dead encoder as ErrDisconnected.
type Publisher struct {
	log *slog.Logger
	cfg PublisherConfig
	enc Encoder

	fpsDefaulted bool

	queue chan *media.Frame
	done  chan struct{}
	retry *time.Timer

	state    atomic.Int32
	cancel   context.CancelFunc
	stopOnce sync.Once
	exitErr  error // written before done is closed

	index        int64 // frame counter, owned by the consumer
	queued       atomic.Int64
	encoded      atomic.Int64
	backpressure atomic.Int64
	dropped      atomic.Int64
}

// NewPublisher returns a publisher feeding enc. If log is nil,
// slog.Default() is used.
func NewPublisher(cfg PublisherConfig, enc Encoder, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	fpsDefaulted := cfg.FPS <= 0
	cfg = cfg.withDefaults()
	retry := time.NewTimer(time.Hour)
	retry.Stop()
	return &Publisher{
		log:   log.With("component", "publisher", "sink", cfg.Name),
		cfg:   cfg,
		enc:   enc,
		queue: make(chan *media.Frame, cfg.QueueCapacity),
		done:  make(chan struct{}),
		retry: retry,

		fpsDefaulted: fpsDefaulted,
	}
}

func (p *Publisher) Name() string { return p.cfg.Name }

// Config returns the effective configuration.
func (p *Publisher) Config() PublisherConfig { return p.cfg }

// SetStream fills in the stream geometry and rate before Initialize. The
// configured name is kept, and so is a configured FPS.
func (p *Publisher) SetStream(info StreamInfo) {
	if p.state.Load() != stateIdle {
		return
	}
	p.cfg.Size = info.Size
	if info.FPS > 0 && p.fpsDefaulted {
		p.cfg.FPS = info.FPS
	}
}

// Done is closed when the encoder goroutine exits.
func (p *Publisher) Done() <-chan struct{} { return p.done }

// Err returns why the encoder goroutine exited, once Done is closed.
func (p *Publisher) Err() error {
	select {
	case <-p.done:
		return p.exitErr
	default:
		return nil
	}
}

// Initialize opens the encoder and starts the consumer goroutine.
func (p *Publisher) Initialize(ctx context.Context) error {
	if !p.state.CompareAndSwap(stateIdle, stateRunning) {
		return fmt.Errorf("publisher %s: already initialized", p.cfg.Name)
	}
	info := StreamInfo{Name: p.cfg.Name, Size: p.cfg.Size, FPS: p.cfg.FPS}
	if err := p.enc.Open(ctx, info); err != nil {
		p.state.Store(stateStopped)
		close(p.done)
		return fmt.Errorf("open encoder: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	go p.consume(runCtx)
	p.log.Info("publisher started", "queue", p.cfg.QueueCapacity, "fps", p.cfg.FPS)
	return nil
}

func (p *Publisher) consume(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			p.exitErr = ctx.Err()
			return
		case f := <-p.queue:
			pts := f.PTS
			if !f.HasPTS() {
				pts = int64(float64(p.index) * float64(time.Second) / p.cfg.FPS)
			}
			p.index++
			err := p.enc.Encode(ctx, f, pts)
			f.Release()
			if err != nil {
				p.exitErr = err
				if ctx.Err() == nil {
					p.log.Error("encoder failed, publisher disconnected", "error", err)
				}
				return
			}
			p.encoded.Add(1)
		}
	}
}

// Send enqueues f without blocking, retrying a bounded number of times
// while the queue is full. Once the consumer has exited every Send reports
// ErrDisconnected, even when the queue has room.
func (p *Publisher) Send(f *media.Frame) error {
	if p.state.Load() != stateRunning {
		f.Release()
		return fmt.Errorf("publisher %s: %w", p.cfg.Name, ErrClosed)
	}
	for attempt := 0; ; attempt++ {
		select {
		case <-p.done:
			f.Release()
			return p.disconnected()
		default:
		}
		select {
		case p.queue <- f:
			return p.enqueued()
		default:
		}
		if attempt >= p.cfg.Retries {
			p.backpressure.Add(1)
			f.Release()
			return fmt.Errorf("publisher %s: %w", p.cfg.Name, ErrBackpressure)
		}

		p.retry.Reset(p.cfg.RetryInterval)
		select {
		case <-p.done:
			p.retry.Stop()
			f.Release()
			return p.disconnected()
		case p.queue <- f:
			p.retry.Stop()
			return p.enqueued()
		case <-p.retry.C:
		}
	}
}

// enqueued settles a frame that made it into the queue while the publisher
// was stopping or its consumer was exiting. Nothing else would drain it.
func (p *Publisher) enqueued() error {
	p.queued.Add(1)
	if p.state.Load() != stateRunning {
		p.drain()
		return fmt.Errorf("publisher %s: %w", p.cfg.Name, ErrClosed)
	}
	select {
	case <-p.done:
		p.drain()
		return p.disconnected()
	default:
	}
	return nil
}

func (p *Publisher) disconnected() error {
	if p.exitErr != nil && !errors.Is(p.exitErr, context.Canceled) {
		return fmt.Errorf("publisher %s: %w: %w", p.cfg.Name, ErrDisconnected, p.exitErr)
	}
	return fmt.Errorf("publisher %s: %w", p.cfg.Name, ErrDisconnected)
}

// Shutdown stops the consumer, drops any queued frames, and closes the
// encoder. It is safe to call more than once and at any point.
func (p *Publisher) Shutdown(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		wasRunning := p.state.Swap(stateStopped) == stateRunning
		if !wasRunning {
			return
		}
		p.cancel()
		select {
		case <-p.done:
		case <-ctx.Done():
			err = fmt.Errorf("publisher %s: waiting for encoder: %w", p.cfg.Name, ctx.Err())
			return
		}
		p.drain()
		if cerr := p.enc.Close(); cerr != nil {
			err = fmt.Errorf("publisher %s: close encoder: %w", p.cfg.Name, cerr)
		}
		p.log.Info("publisher stopped", "encoded", p.encoded.Load(), "dropped", p.dropped.Load(),
			"backpressure", p.backpressure.Load())
	})
	return err
}

func (p *Publisher) drain() {
	for {
		select {
		case f := <-p.queue:
			p.dropped.Add(1)
			f.Release()
		default:
			return
		}
	}
}

// Stats returns current counters.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		Name:         p.cfg.Name,
		Queued:       p.queued.Load(),
		Encoded:      p.encoded.Load(),
		Backpressure: p.backpressure.Load(),
		Dropped:      p.dropped.Load(),
		QueueDepth:   len(p.queue),
		Connected:    p.state.Load() == stateRunning && p.Err() == nil,
	}
}
