// Package config loads capture sessions from YAML. Decoding is strict:
// unknown fields are rejected, defaults are applied explicitly and Validate
// reports every problem it finds.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"
	"gopkg.in/yaml.v3"

	"github.com/zsiec/capstream/scale"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Source kinds.
const (
	SourceSynthetic = "synthetic"
	SourceReader    = "reader"
	SourceGrab      = "grab"
)

// Sink kinds.
const (
	SinkFile    = "file"
	SinkRaw     = "raw"
	SinkSRT     = "srt"
	SinkQUIC    = "quic"
	SinkPreview = "preview"
)

// Defaults. The capture defaults match a short desktop recording.
const (
	DefaultFPS        = 30
	DefaultDuration   = 10 * time.Second
	DefaultCRF        = 23
	DefaultOutput     = "capture.mp4"
	DefaultStatusAddr = ":8080"
	MinCRF, MaxCRF    = 18, 28
	MaxFPS            = 120
)

// qualityCRF maps quality names to x264 CRF values.
var qualityCRF = map[string]int{
	"low":    28,
	"medium": 23,
	"high":   20,
	"ultra":  18,
}

// Config is a complete session description.
type Config struct {
	Session SessionConfig `yaml:"session"`
	Scaling ScalingConfig `yaml:"scaling,omitempty"`
	Gundam  GundamConfig  `yaml:"gundam,omitempty"`
	Ring    RingConfig    `yaml:"ring,omitempty"`
	Pool    PoolConfig    `yaml:"pool,omitempty"`
	Sinks   []SinkConfig  `yaml:"sinks,omitempty"`
	Status  StatusConfig  `yaml:"status,omitempty"`
}

// SessionConfig describes the capture itself.
type SessionConfig struct {
	ID       string       `yaml:"id,omitempty"`
	FPS      float64      `yaml:"fps"`
	MaxFPS   float64      `yaml:"max_fps,omitempty"` // rate limit applied after capture
	Duration Duration     `yaml:"duration"`          // explicit 0 runs until the source ends
	Width    int          `yaml:"width"`
	Height   int          `yaml:"height"`
	Source   SourceConfig `yaml:"source"`
}

// SourceConfig selects where frames come from.
type SourceConfig struct {
	Kind        string   `yaml:"kind"`
	Frames      int      `yaml:"frames,omitempty"` // synthetic frame limit
	Pace        *bool    `yaml:"pace,omitempty"`   // synthetic wall-clock pacing, default on
	Path        string   `yaml:"path,omitempty"`   // reader input, "-" for stdin
	Framed      bool     `yaml:"framed,omitempty"` // reader input carries frame headers
	Binary      string   `yaml:"binary,omitempty"`
	InputFormat string   `yaml:"input_format,omitempty"`
	Input       string   `yaml:"input,omitempty"`
	Extra       []string `yaml:"extra,omitempty"`
}

// ScalingConfig selects a preset, a long-side clamp or an exact box.
type ScalingConfig struct {
	Preset      string `yaml:"preset,omitempty"`
	MaxLongSide int    `yaml:"max_long_side,omitempty"`
	Width       int    `yaml:"width,omitempty"`
	Height      int    `yaml:"height,omitempty"`
	Aspect      string `yaml:"aspect,omitempty"`
	Fill        string `yaml:"fill,omitempty"`
}

// Enabled reports whether any scaling is configured.
func (s ScalingConfig) Enabled() bool {
	return s.Preset != "" || s.MaxLongSide > 0 || s.Width > 0 || s.Height > 0
}

type GundamConfig struct {
	Enabled    bool   `yaml:"enabled"`
	TileSide   int    `yaml:"tile_side,omitempty"`
	GlobalSide int    `yaml:"global_side,omitempty"`
	MinTiles   int    `yaml:"min_tiles,omitempty"`
	MaxTiles   int    `yaml:"max_tiles,omitempty"`
	Overlap    int    `yaml:"overlap,omitempty"`
	Fill       string `yaml:"fill,omitempty"`
}

type RingConfig struct {
	Capacity  int      `yaml:"capacity,omitempty"`
	WriteWait Duration `yaml:"write_wait,omitempty"`
}

type PoolConfig struct {
	MaxBuffers int  `yaml:"max_buffers,omitempty"`
	Lazy       bool `yaml:"lazy,omitempty"`
}

// SinkConfig describes one output. Which fields apply depends on Kind.
type SinkConfig struct {
	Kind    string `yaml:"kind"`
	Name    string `yaml:"name,omitempty"`
	Path    string `yaml:"path,omitempty"`
	Address string `yaml:"address,omitempty"`

	StreamID    string `yaml:"stream_id,omitempty"`
	Fingerprint string `yaml:"fingerprint,omitempty"`

	CRF     int    `yaml:"crf,omitempty"`
	Quality string `yaml:"quality,omitempty"`
	Preset  string `yaml:"preset,omitempty"` // x264 preset

	QueueCapacity int      `yaml:"queue_capacity,omitempty"`
	Retries       int      `yaml:"retries,omitempty"`
	RetryInterval Duration `yaml:"retry_interval,omitempty"`
	FPS           float64  `yaml:"fps,omitempty"`

	MaxSide     int      `yaml:"max_side,omitempty"`
	JPEGQuality int      `yaml:"jpeg_quality,omitempty"`
	Interval    Duration `yaml:"interval,omitempty"`
}

type StatusConfig struct {
	Addr     string `yaml:"addr,omitempty"`
	Disabled bool   `yaml:"disabled,omitempty"`
}

// Duration accepts bare seconds ("30") as well as "30s", "2m", "1h" and
// anything time.ParseDuration understands.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := ParseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// ParseDuration parses a capture duration.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: want seconds or a value like 30s, 2m, 1h", s)
	}
	return d, nil
}

// QualityCRF returns the CRF for a quality name: low, medium, high or ultra.
func QualityCRF(name string) (int, error) {
	crf, ok := qualityCRF[strings.ToLower(name)]
	if !ok {
		return 0, fmt.Errorf("unknown quality %q: want low, medium, high or ultra", name)
	}
	return crf, nil
}

// Default returns the configuration used when no file is given: a paced
// synthetic source recorded to capture.mp4.
func Default() *Config {
	c := base()
	c.Session.Width, c.Session.Height = 1280, 720
	c.setDefaults()
	return c
}

// base holds the defaults that an explicit zero in the file may override.
func base() *Config {
	return &Config{
		Session: SessionConfig{
			FPS:      DefaultFPS,
			Duration: Duration(DefaultDuration),
			Source:   SourceConfig{Kind: SourceSynthetic},
		},
	}
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(bytes.NewReader(data))
}

// Parse decodes, defaults and validates a configuration.
func Parse(r io.Reader) (*Config, error) {
	cfg := base()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Dump renders the configuration for debug logs.
func (c *Config) Dump() string {
	return spew.Sdump(c)
}

func (c *Config) setDefaults() {
	if c.Session.Source.Kind == "" {
		c.Session.Source.Kind = SourceSynthetic
	}
	if len(c.Sinks) == 0 {
		c.Sinks = []SinkConfig{{Kind: SinkFile, Path: DefaultOutput}}
	}

	seen := make(map[string]int)
	for i := range c.Sinks {
		sk := &c.Sinks[i]
		if sk.Kind == SinkFile && sk.Path == "" {
			sk.Path = DefaultOutput
		}
		if sk.CRF == 0 && sk.Quality != "" {
			if crf, err := QualityCRF(sk.Quality); err == nil {
				sk.CRF = crf
			}
		}
		if sk.CRF == 0 {
			sk.CRF = DefaultCRF
		}
		if sk.Name == "" {
			sk.Name = sk.Kind
			if n := seen[sk.Kind]; n > 0 {
				sk.Name = fmt.Sprintf("%s-%d", sk.Kind, n+1)
			}
		}
		seen[sk.Kind]++
	}
	if c.Status.Addr == "" {
		c.Status.Addr = DefaultStatusAddr
	}
}

// Validate checks the configuration and joins every problem into one error.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	s := c.Session
	if s.FPS <= 0 || s.FPS > MaxFPS {
		bad("session.fps %v must be in (0, %d]", s.FPS, MaxFPS)
	}
	if s.MaxFPS < 0 {
		bad("session.max_fps %v must not be negative", s.MaxFPS)
	}
	if s.Duration < 0 {
		bad("session.duration %v must not be negative", s.Duration)
	}
	switch s.Source.Kind {
	case SourceSynthetic, SourceGrab:
		if s.Width <= 0 || s.Height <= 0 {
			bad("session %dx%d: %s source needs width and height", s.Width, s.Height, s.Source.Kind)
		}
	case SourceReader:
		if s.Source.Path == "" {
			bad("session.source.path is required for a reader source")
		}
		if !s.Source.Framed && (s.Width <= 0 || s.Height <= 0) {
			bad("session %dx%d: unframed reader input needs width and height", s.Width, s.Height)
		}
	default:
		bad("session.source.kind %q: want synthetic, reader or grab", s.Source.Kind)
	}

	if err := c.Scaling.validate(); err != nil {
		bad("scaling: %v", err)
	}
	if err := c.Gundam.validate(); err != nil {
		bad("gundam: %v", err)
	}
	if c.Ring.Capacity < 0 {
		bad("ring.capacity %d must not be negative", c.Ring.Capacity)
	}
	if c.Pool.MaxBuffers < 0 {
		bad("pool.max_buffers %d must not be negative", c.Pool.MaxBuffers)
	}

	names := make(map[string]bool)
	previews := 0
	for i, sk := range c.Sinks {
		if names[sk.Name] {
			bad("sinks[%d]: duplicate name %q", i, sk.Name)
		}
		names[sk.Name] = true
		if err := sk.validate(); err != nil {
			bad("sinks[%d] (%s): %v", i, sk.Name, err)
		}
		if sk.Kind == SinkPreview {
			previews++
		}
	}
	if previews > 1 {
		bad("at most one preview sink is supported, got %d", previews)
	}
	return errors.Join(errs...)
}

func (s ScalingConfig) validate() error {
	if !s.Enabled() {
		return nil
	}
	set := 0
	if s.Preset != "" {
		set++
		if _, err := scale.ParsePreset(s.Preset); err != nil {
			return err
		}
	}
	if s.MaxLongSide > 0 {
		set++
	}
	if s.Width > 0 || s.Height > 0 {
		set++
		if s.Width <= 0 || s.Height <= 0 {
			return fmt.Errorf("exact target %dx%d needs both sides", s.Width, s.Height)
		}
	}
	if set > 1 {
		return errors.New("choose one of preset, max_long_side or width/height")
	}
	if _, err := scale.ParseAspect(s.Aspect); err != nil {
		return err
	}
	if s.Fill != "" {
		if _, err := scale.ParseColor(s.Fill); err != nil {
			return err
		}
	}
	return nil
}

func (g GundamConfig) validate() error {
	if !g.Enabled {
		return nil
	}
	if g.Fill != "" {
		if _, err := scale.ParseColor(g.Fill); err != nil {
			return err
		}
	}
	if g.TileSide < 0 || g.GlobalSide < 0 || g.Overlap < 0 {
		return errors.New("sides and overlap must not be negative")
	}
	sc := g.scale()
	if sc.MaxTiles > 9 {
		return fmt.Errorf("max_tiles %d must be at most 9", sc.MaxTiles)
	}
	if sc.MinTiles > sc.MaxTiles {
		return fmt.Errorf("min_tiles %d exceeds max_tiles %d", sc.MinTiles, sc.MaxTiles)
	}
	if sc.Overlap*2 >= sc.TileSide {
		return fmt.Errorf("overlap %d must be less than half the tile side", sc.Overlap)
	}
	return nil
}

// scale merges the configured values over scale.DefaultGundam.
func (g GundamConfig) scale() scale.GundamConfig {
	out := scale.DefaultGundam()
	if g.TileSide > 0 {
		out.TileSide = g.TileSide
	}
	if g.GlobalSide > 0 {
		out.GlobalSide = g.GlobalSide
	}
	if g.MinTiles > 0 {
		out.MinTiles = g.MinTiles
	}
	if g.MaxTiles > 0 {
		out.MaxTiles = g.MaxTiles
	}
	if g.Overlap > 0 {
		out.Overlap = g.Overlap
	}
	if c, err := scale.ParseColor(g.Fill); g.Fill != "" && err == nil {
		out.Fill = c
	}
	return out
}

func (s SinkConfig) validate() error {
	if s.Quality != "" {
		if _, err := QualityCRF(s.Quality); err != nil {
			return err
		}
	}
	if s.QueueCapacity < 0 {
		return fmt.Errorf("queue_capacity %d must not be negative", s.QueueCapacity)
	}
	if s.FPS < 0 {
		return fmt.Errorf("fps %v must not be negative", s.FPS)
	}

	switch s.Kind {
	case SinkFile:
		if s.Path == "" {
			return errors.New("path is required")
		}
		return validCRF(s.CRF)
	case SinkRaw:
		if s.Path == "" {
			return errors.New("path is required")
		}
	case SinkSRT:
		if s.Address == "" {
			return errors.New("address is required")
		}
		return validCRF(s.CRF)
	case SinkQUIC:
		if s.Address == "" {
			return errors.New("address is required")
		}
		if s.Fingerprint == "" {
			return errors.New("fingerprint of the receiver certificate is required")
		}
	case SinkPreview:
		if s.JPEGQuality < 0 || s.JPEGQuality > 100 {
			return fmt.Errorf("jpeg_quality %d must be in 1..100", s.JPEGQuality)
		}
	default:
		return fmt.Errorf("unknown kind %q: want file, raw, srt, quic or preview", s.Kind)
	}
	return nil
}

func validCRF(crf int) error {
	if crf < MinCRF || crf > MaxCRF {
		return fmt.Errorf("crf %d must be between %d and %d", crf, MinCRF, MaxCRF)
	}
	return nil
}
