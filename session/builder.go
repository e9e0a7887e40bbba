package session

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/capstream/capture"
	"github.com/zsiec/capstream/certs"
	"github.com/zsiec/capstream/distribution"
	"github.com/zsiec/capstream/metrics"
	"github.com/zsiec/capstream/pipeline"
	"github.com/zsiec/capstream/scale"
	"github.com/zsiec/capstream/sink"
)

var (
	ErrNoSource = errors.New("session: no capture source")
	ErrNoSink   = errors.New("session: no sink")
)

// Defaults for the capture ring and the session frame pool.
const (
	DefaultRingCapacity = 8
	DefaultRingWait     = 50 * time.Millisecond
	DefaultPoolBuffers  = 4
	DefaultFPS          = 30
)

type sinkFactory func(log *slog.Logger) distribution.Sink

// Builder assembles a Session. Methods record their settings and return the
// builder; Build validates and wires everything. The zero value is not
// usable, call NewBuilder.
type Builder struct {
	id       string
	log      *slog.Logger
	source   capture.Source
	stages   []pipeline.Stage
	sinks    []sinkFactory
	metrics  *metrics.Metrics
	fps      float64
	duration time.Duration

	ringCapacity int
	ringWait     time.Duration
	poolBuffers  int
	lazyPool     bool

	errs []error
}

// NewBuilder returns a builder with default ring, pool and rate settings.
func NewBuilder() *Builder {
	return &Builder{
		fps:          DefaultFPS,
		ringCapacity: DefaultRingCapacity,
		ringWait:     DefaultRingWait,
		poolBuffers:  DefaultPoolBuffers,
	}
}

// WithID sets the session ID. A random UUID is used otherwise.
func (b *Builder) WithID(id string) *Builder {
	b.id = id
	return b
}

func (b *Builder) WithLogger(log *slog.Logger) *Builder {
	b.log = log
	return b
}

func (b *Builder) WithMetrics(m *metrics.Metrics) *Builder {
	b.metrics = m
	return b
}

// WithCaptureSource sets the frame source.
func (b *Builder) WithCaptureSource(src capture.Source) *Builder {
	b.source = src
	return b
}

// WithFPS sets the nominal stream rate reported to sinks.
func (b *Builder) WithFPS(fps float64) *Builder {
	if fps <= 0 {
		b.errs = append(b.errs, fmt.Errorf("fps %v must be positive", fps))
		return b
	}
	b.fps = fps
	return b
}

// WithDuration bounds the run time. Zero runs until the source is exhausted
// or the context is cancelled.
func (b *Builder) WithDuration(d time.Duration) *Builder {
	if d < 0 {
		b.errs = append(b.errs, fmt.Errorf("duration %v must not be negative", d))
		return b
	}
	b.duration = d
	return b
}

// WithScaling appends a preset scaling stage.
func (b *Builder) WithScaling(p scale.Preset) *Builder {
	return b.WithStage(pipeline.NewPresetStage(p, 0))
}

// WithScalePolicy appends a scaling stage with an explicit policy.
func (b *Builder) WithScalePolicy(target scale.Target, aspect scale.AspectMode, fill scale.Color) *Builder {
	return b.WithStage(pipeline.NewScaleStage(target, aspect, fill, 0))
}

// WithGundam appends a Gundam tiling stage that emits one composite frame
// per input.
func (b *Builder) WithGundam(cfg scale.GundamConfig) *Builder {
	return b.WithStage(pipeline.NewGundamStage(cfg, 0))
}

// WithRate appends a frame-rate limiter.
func (b *Builder) WithRate(fps float64) *Builder {
	return b.WithStage(pipeline.NewRateStage(fps))
}

// WithStage appends an arbitrary stage.
func (b *Builder) WithStage(s pipeline.Stage) *Builder {
	b.stages = append(b.stages, s)
	return b
}

// WithSink adds a ready-made sink.
func (b *Builder) WithSink(s distribution.Sink) *Builder {
	b.sinks = append(b.sinks, func(*slog.Logger) distribution.Sink { return s })
	return b
}

// WithPublisher adds a queued sink feeding enc.
func (b *Builder) WithPublisher(cfg distribution.PublisherConfig, enc distribution.Encoder) *Builder {
	b.sinks = append(b.sinks, func(log *slog.Logger) distribution.Sink {
		return distribution.NewPublisher(cfg, enc, log)
	})
	return b
}

// WithFileOutput records to path with ffmpeg at the given CRF.
func (b *Builder) WithFileOutput(path string, crf int) *Builder {
	b.sinks = append(b.sinks, func(log *slog.Logger) distribution.Sink {
		enc := sink.NewFFmpeg(sink.FFmpegConfig{Output: path, CRF: crf}, log)
		return distribution.NewPublisher(distribution.PublisherConfig{Name: "file"}, enc, log)
	})
	return b
}

// WithRawOutput writes framed BGRA to path.
func (b *Builder) WithRawOutput(path string) *Builder {
	return b.WithPublisher(distribution.PublisherConfig{Name: "raw"}, sink.NewRawFile(path))
}

// WithNetworkStream pushes an MPEG-TS stream to an SRT listener.
func (b *Builder) WithNetworkStream(addr, streamID string, crf int) *Builder {
	b.sinks = append(b.sinks, func(log *slog.Logger) distribution.Sink {
		enc := sink.NewSRT(sink.SRTConfig{
			Address:  addr,
			StreamID: streamID,
			FFmpeg:   sink.FFmpegConfig{CRF: crf},
		}, log)
		return distribution.NewPublisher(distribution.PublisherConfig{Name: "srt"}, enc, log)
	})
	return b
}

// WithQUICStream sends raw frames to a QUIC receiver whose certificate
// hashes to fingerprint.
func (b *Builder) WithQUICStream(addr string, fingerprint [32]byte) *Builder {
	b.sinks = append(b.sinks, func(log *slog.Logger) distribution.Sink {
		enc := sink.NewQUIC(addr, certs.ClientTLS(fingerprint), log)
		return distribution.NewPublisher(distribution.PublisherConfig{Name: "quic"}, enc, log)
	})
	return b
}

// WithPreview broadcasts JPEG previews through p, which the caller also
// mounts on an HTTP server.
func (b *Builder) WithPreview(p *sink.Preview) *Builder {
	return b.WithPublisher(distribution.PublisherConfig{Name: "preview", QueueCapacity: 1, Retries: -1}, p)
}

// WithRing sizes the capture ring and bounds how long acquisition waits for
// space before dropping a frame.
func (b *Builder) WithRing(capacity int, maxWait time.Duration) *Builder {
	if capacity < 1 {
		b.errs = append(b.errs, fmt.Errorf("ring capacity %d must be at least 1", capacity))
		return b
	}
	b.ringCapacity = capacity
	b.ringWait = maxWait
	return b
}

// WithPool bounds the session frame pool. A lazy pool allocates on demand.
func (b *Builder) WithPool(maxBuffers int, lazy bool) *Builder {
	if maxBuffers < 1 {
		b.errs = append(b.errs, fmt.Errorf("pool size %d must be at least 1", maxBuffers))
		return b
	}
	b.poolBuffers = maxBuffers
	b.lazyPool = lazy
	return b
}

// Build validates the settings and returns a session ready to Run.
func (b *Builder) Build() (*Session, error) {
	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	if b.source == nil {
		return nil, ErrNoSource
	}
	if len(b.sinks) == 0 {
		return nil, ErrNoSink
	}

	id := b.id
	if id == "" {
		id = uuid.NewString()
	}
	log := b.log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("session", id)

	sinks := make([]distribution.Sink, len(b.sinks))
	for i, f := range b.sinks {
		sinks[i] = f(log)
	}

	return &Session{
		id:           id,
		log:          log.With("component", "session"),
		source:       b.source,
		pipe:         pipeline.New(log, b.stages...),
		mux:          distribution.NewMultiplexer(log, sinks...),
		metrics:      b.metrics,
		fps:          b.fps,
		duration:     b.duration,
		ringCapacity: b.ringCapacity,
		ringWait:     b.ringWait,
		poolBuffers:  b.poolBuffers,
		lazyPool:     b.lazyPool,
	}, nil
}
