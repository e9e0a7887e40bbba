package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/zsiec/capstream/capture"
	"github.com/zsiec/capstream/certs"
	"github.com/zsiec/capstream/distribution"
	"github.com/zsiec/capstream/media"
	"github.com/zsiec/capstream/metrics"
	"github.com/zsiec/capstream/scale"
	"github.com/zsiec/capstream/session"
	"github.com/zsiec/capstream/sink"
)

// Built is the result of turning a Config into a runnable session.
type Built struct {
	Session *session.Session
	// Preview is the preview sink, if one is configured. The caller mounts
	// it on an HTTP server.
	Preview *sink.Preview
}

// Build creates the capture source, pipeline stages and sinks described by
// c and assembles them into a session.
func (c *Config) Build(log *slog.Logger, m *metrics.Metrics) (_ *Built, err error) {
	if log == nil {
		log = slog.Default()
	}
	src, err := c.source(log)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = src.Close()
		}
	}()

	b := session.NewBuilder().
		WithID(c.Session.ID).
		WithLogger(log).
		WithMetrics(m).
		WithCaptureSource(src).
		WithFPS(c.Session.FPS).
		WithDuration(c.Session.Duration.Std())
	if c.Ring.Capacity > 0 {
		wait := c.Ring.WriteWait.Std()
		if wait <= 0 {
			wait = session.DefaultRingWait
		}
		b.WithRing(c.Ring.Capacity, wait)
	}
	if c.Pool.MaxBuffers > 0 {
		b.WithPool(c.Pool.MaxBuffers, c.Pool.Lazy)
	}

	if c.Session.MaxFPS > 0 {
		b.WithRate(c.Session.MaxFPS)
	}
	if err := c.stages(b); err != nil {
		return nil, err
	}

	out := &Built{}
	for _, sk := range c.Sinks {
		if err := c.addSink(b, sk, out, log); err != nil {
			return nil, fmt.Errorf("sink %s: %w", sk.Name, err)
		}
	}

	s, err := b.Build()
	if err != nil {
		return nil, err
	}
	out.Session = s
	return out, nil
}

func (c *Config) source(log *slog.Logger) (capture.Source, error) {
	s := c.Session
	size := media.Size{Width: s.Width, Height: s.Height}
	switch s.Source.Kind {
	case SourceSynthetic:
		pace := true
		if s.Source.Pace != nil {
			pace = *s.Source.Pace
		}
		return capture.NewSynthetic(capture.SyntheticConfig{
			Size:   size,
			FPS:    s.FPS,
			Frames: s.Source.Frames,
			Pace:   pace,
		}), nil
	case SourceReader:
		var r io.Reader = os.Stdin
		if s.Source.Path != "-" {
			f, err := os.Open(s.Source.Path)
			if err != nil {
				return nil, fmt.Errorf("open reader source: %w", err)
			}
			r = f
		}
		return capture.NewReader(r, capture.ReaderConfig{Size: size, FPS: s.FPS, Framed: s.Source.Framed}), nil
	case SourceGrab:
		return capture.NewGrab(capture.GrabConfig{
			Binary:      s.Source.Binary,
			InputFormat: s.Source.InputFormat,
			Input:       s.Source.Input,
			Size:        size,
			FPS:         s.FPS,
			Extra:       s.Source.Extra,
		}, log), nil
	}
	return nil, fmt.Errorf("%w: source kind %q", ErrInvalid, s.Source.Kind)
}

func (c *Config) stages(b *session.Builder) error {
	sc := c.Scaling
	if sc.Enabled() {
		aspect, err := scale.ParseAspect(sc.Aspect)
		if err != nil {
			return err
		}
		fill := scale.Black
		if sc.Fill != "" {
			if fill, err = scale.ParseColor(sc.Fill); err != nil {
				return err
			}
		}
		switch {
		case sc.Preset != "":
			p, err := scale.ParsePreset(sc.Preset)
			if err != nil {
				return err
			}
			b.WithScaling(p)
		case sc.MaxLongSide > 0:
			b.WithScalePolicy(scale.MaxLongSide(sc.MaxLongSide), aspect, fill)
		default:
			b.WithScalePolicy(scale.Exact(sc.Width, sc.Height), aspect, fill)
		}
	}
	if c.Gundam.Enabled {
		b.WithGundam(c.Gundam.scale())
	}
	return nil
}

func (c *Config) addSink(b *session.Builder, sk SinkConfig, out *Built, log *slog.Logger) error {
	pc := distribution.PublisherConfig{
		Name:          sk.Name,
		FPS:           sk.FPS,
		QueueCapacity: sk.QueueCapacity,
		Retries:       sk.Retries,
		RetryInterval: sk.RetryInterval.Std(),
	}
	ffm := sink.FFmpegConfig{CRF: sk.CRF, Preset: sk.Preset}

	switch sk.Kind {
	case SinkFile:
		ffm.Output = sk.Path
		b.WithPublisher(pc, sink.NewFFmpeg(ffm, log))
	case SinkRaw:
		b.WithPublisher(pc, sink.NewRawFile(sk.Path))
	case SinkSRT:
		b.WithPublisher(pc, sink.NewSRT(sink.SRTConfig{
			Address:  sk.Address,
			StreamID: sk.StreamID,
			FFmpeg:   ffm,
		}, log))
	case SinkQUIC:
		fp, err := certs.ParseFingerprint(sk.Fingerprint)
		if err != nil {
			return err
		}
		b.WithPublisher(pc, sink.NewQUIC(sk.Address, certs.ClientTLS(fp), log))
	case SinkPreview:
		p := sink.NewPreview(sink.PreviewConfig{
			MaxSide:  sk.MaxSide,
			Quality:  sk.JPEGQuality,
			Interval: sk.Interval.Std(),
		}, log)
		if pc.QueueCapacity == 0 {
			pc.QueueCapacity = 1
		}
		if pc.Retries == 0 {
			pc.Retries = -1
		}
		b.WithPublisher(pc, p)
		out.Preview = p
	default:
		return fmt.Errorf("%w: sink kind %q", ErrInvalid, sk.Kind)
	}
	return nil
}
