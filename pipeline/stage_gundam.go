package pipeline

import (
	"github.com/zsiec/capstream/buffer"
	"github.com/zsiec/capstream/media"
	"github.com/zsiec/capstream/scale"
)

// GundamStage tiles each frame into square detail tiles plus an overview
// and arranges them into one composite frame, for sinks that carry a single
// image per timestep.
type GundamStage struct {
	packer     *scale.Packer
	maxBuffers int

	layout    scale.Layout
	composite scale.CompositeLayout
	tiles     [][]byte
	global    []byte
	pool      *buffer.Pool
}

// NewGundamStage returns a Gundam stage. maxBuffers bounds the composite
// output pool.
func NewGundamStage(cfg scale.GundamConfig, maxBuffers int) *GundamStage {
	if maxBuffers <= 0 {
		maxBuffers = DefaultStageBuffers
	}
	return &GundamStage{packer: scale.NewPacker(cfg), maxBuffers: maxBuffers}
}

func (g *GundamStage) Name() string { return "gundam" }

// Layout returns the tile layout resolved by Initialize.
func (g *GundamStage) Layout() scale.Layout { return g.layout }

func (g *GundamStage) Initialize(in media.Size) (media.Size, error) {
	layout, err := g.packer.Prepare(in)
	if err != nil {
		return media.Size{}, err
	}
	tiles, global, err := g.packer.NewOutputs(in)
	if err != nil {
		return media.Size{}, err
	}
	g.layout, g.tiles, g.global = layout, tiles, global
	g.composite = g.packer.CompositeLayout(layout)
	out := g.composite.Size()
	g.pool = buffer.NewPool(out.FrameBytes(), g.maxBuffers)
	return out, nil
}

// Process packs f into the stage's scratch tiles, then composites them into
// a pool-backed output frame.
func (g *GundamStage) Process(f *media.Frame) (*media.Frame, error) {
	if _, err := g.packer.Pack(scale.FrameView(f), g.tiles, g.global); err != nil {
		return nil, err
	}
	buf := g.pool.Get()
	if err := g.packer.Composite(buf, g.composite, g.tiles, g.global); err != nil {
		g.pool.Put(buf)
		return nil, err
	}
	out := g.composite.Size()
	return media.NewPooledFrame(g.pool, buf, out.Width, out.Height, out.Width*media.BytesPerPixel, f.PTS)
}

func (g *GundamStage) Shutdown() error { return nil }
