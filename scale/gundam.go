package scale

import (
	"fmt"
	"image"

	"github.com/zsiec/capstream/media"
)

const (
	// gridUnit is the source span budgeted for one grid column or row.
	gridUnit = 1024
	maxGrid  = 3
)

// GundamConfig configures Gundam tiling. Start from DefaultGundam.
type GundamConfig struct {
	TileSide   int // side of every square detail tile
	GlobalSide int // side of the square overview
	MinTiles   int // lower bound on cols*rows, 1..9
	MaxTiles   int // upper bound on cols*rows, 1..9
	Overlap    int // pixels each source region extends into its neighbours
	Fill       Color
}

// DefaultGundam returns 640px tiles, a 1024px overview, grids of 2 to 9
// tiles, no overlap and white padding.
func DefaultGundam() GundamConfig {
	return GundamConfig{
		TileSide:   640,
		GlobalSide: 1024,
		MinTiles:   2,
		MaxTiles:   9,
		Fill:       White,
	}
}

func (c GundamConfig) normalized() GundamConfig {
	d := DefaultGundam()
	if c.TileSide <= 0 {
		c.TileSide = d.TileSide
	}
	if c.GlobalSide <= 0 {
		c.GlobalSide = d.GlobalSide
	}
	if c.MinTiles <= 0 {
		c.MinTiles = d.MinTiles
	}
	if c.MaxTiles <= 0 {
		c.MaxTiles = d.MaxTiles
	}
	c.MaxTiles = min(c.MaxTiles, maxGrid*maxGrid)
	c.MinTiles = min(c.MinTiles, c.MaxTiles)
	c.Overlap = max(c.Overlap, 0)
	return c
}

// ChooseGrid picks the tile grid for an input: one column per started
// 1024px of width and one row per started 1024px of height, each capped at
// three. The grid is then grown or shrunk one step at a time until the tile
// count is within [MinTiles, MaxTiles]. Growth goes to the axis whose cells
// are longer and shrinking to the axis whose cells are shorter, which keeps
// cells as close to square as possible and so minimizes padding waste in
// the square tiles. Ties grow columns and shrink rows.
func ChooseGrid(in media.Size, cfg GundamConfig) (cols, rows int, err error) {
	if in.Empty() {
		return 0, 0, fmt.Errorf("%w: input %s", ErrUnsupportedGeometry, in)
	}
	cfg = cfg.normalized()

	cols = clamp(ceilDiv(in.Width, gridUnit), 1, maxGrid)
	rows = clamp(ceilDiv(in.Height, gridUnit), 1, maxGrid)

	for cols*rows < cfg.MinTiles {
		wideCells := in.Width*rows >= in.Height*cols
		if (wideCells && cols < maxGrid) || rows == maxGrid {
			cols++
		} else {
			rows++
		}
	}
	for cols*rows > cfg.MaxTiles {
		wideCells := in.Width*rows >= in.Height*cols
		if (wideCells && rows > 1) || cols == 1 {
			rows--
		} else {
			cols--
		}
	}
	return cols, rows, nil
}

// Layout is the tile decomposition of one input size.
type Layout struct {
	Input      media.Size
	Cols       int
	Rows       int
	TileSide   int
	GlobalSide int
	Overlap    int
	// Regions holds the source rectangle of every tile in row-major order.
	Regions []image.Rectangle
}

// Tiles returns cols*rows.
func (l Layout) Tiles() int { return l.Cols * l.Rows }

// NewLayout computes the grid and per-tile source regions for in. Regions
// split the frame into equal steps and extend each side by the configured
// overlap, clamped to the frame, so the union always covers the input.
func NewLayout(in media.Size, cfg GundamConfig) (Layout, error) {
	cfg = cfg.normalized()
	cols, rows, err := ChooseGrid(in, cfg)
	if err != nil {
		return Layout{}, err
	}

	l := Layout{
		Input:      in,
		Cols:       cols,
		Rows:       rows,
		TileSide:   cfg.TileSide,
		GlobalSide: cfg.GlobalSide,
		Overlap:    cfg.Overlap,
		Regions:    make([]image.Rectangle, 0, cols*rows),
	}
	stepW := ceilDiv(in.Width, cols)
	stepH := ceilDiv(in.Height, rows)
	for r := range rows {
		y0, y1 := span(r, stepH, in.Height, cfg.Overlap)
		for c := range cols {
			x0, x1 := span(c, stepW, in.Width, cfg.Overlap)
			l.Regions = append(l.Regions, image.Rect(x0, y0, x1, y1))
		}
	}
	return l, nil
}

// span returns the clamped [lo, hi) range of cell i, never empty.
func span(i, step, limit, overlap int) (lo, hi int) {
	lo = min(i*step, limit-1)
	hi = min((i+1)*step, limit)
	lo = max(0, lo-overlap)
	hi = min(limit, hi+overlap)
	if hi <= lo {
		hi = lo + 1
	}
	return lo, hi
}

// Packer runs Gundam tiling. Plans are computed once per input size and
// reused for every frame of that size.
//
// A Packer is not safe for concurrent use.
type Packer struct {
	cfg    GundamConfig
	scaler *Scaler

	layout    Layout
	tilePlans []Plan
	global    Plan
	ready     bool
}

// NewPacker returns a packer for cfg.
func NewPacker(cfg GundamConfig) *Packer {
	return &Packer{cfg: cfg.normalized(), scaler: NewScaler()}
}

// Config returns the effective configuration.
func (p *Packer) Config() GundamConfig { return p.cfg }

// TileBytes is the length of one tile buffer.
func (p *Packer) TileBytes() int {
	return p.cfg.TileSide * p.cfg.TileSide * media.BytesPerPixel
}

// GlobalBytes is the length of the overview buffer.
func (p *Packer) GlobalBytes() int {
	return p.cfg.GlobalSide * p.cfg.GlobalSide * media.BytesPerPixel
}

// Prepare computes, or returns the cached, layout and plans for in.
func (p *Packer) Prepare(in media.Size) (Layout, error) {
	if p.ready && p.layout.Input == in {
		return p.layout, nil
	}
	layout, err := NewLayout(in, p.cfg)
	if err != nil {
		return Layout{}, err
	}

	tileTarget := Exact(p.cfg.TileSide, p.cfg.TileSide)
	plans := make([]Plan, len(layout.Regions))
	for i, r := range layout.Regions {
		plans[i], err = BuildPlan(media.Size{Width: r.Dx(), Height: r.Dy()}, tileTarget, Pad)
		if err != nil {
			return Layout{}, fmt.Errorf("tile %d: %w", i, err)
		}
	}
	global, err := BuildPlan(in, Exact(p.cfg.GlobalSide, p.cfg.GlobalSide), Pad)
	if err != nil {
		return Layout{}, fmt.Errorf("global view: %w", err)
	}

	p.layout, p.tilePlans, p.global, p.ready = layout, plans, global, true
	return layout, nil
}

// NewOutputs allocates tile and overview buffers sized for in. Callers keep
// and reuse them across frames.
func (p *Packer) NewOutputs(in media.Size) (tiles [][]byte, global []byte, err error) {
	layout, err := p.Prepare(in)
	if err != nil {
		return nil, nil, err
	}
	tiles = make([][]byte, layout.Tiles())
	for i := range tiles {
		tiles[i] = make([]byte, p.TileBytes())
	}
	return tiles, make([]byte, p.GlobalBytes()), nil
}

// Pack crops every tile region of src and scales it, padded, into the
// matching tiles buffer, then scales the whole of src into global. Every
// output is caller-provided and written in place.
func (p *Packer) Pack(src View, tiles [][]byte, global []byte) (Layout, error) {
	layout, err := p.Prepare(src.Size())
	if err != nil {
		return Layout{}, err
	}
	if len(tiles) < layout.Tiles() {
		return Layout{}, fmt.Errorf("%w: %d tile buffers for %d tiles", ErrBufferTooSmall, len(tiles), layout.Tiles())
	}
	for i, r := range layout.Regions {
		if err := p.scaler.Scale(tiles[i], p.tilePlans[i], src.Sub(r), p.cfg.Fill); err != nil {
			return Layout{}, fmt.Errorf("tile %d: %w", i, err)
		}
	}
	if err := p.scaler.Scale(global, p.global, src, p.cfg.Fill); err != nil {
		return Layout{}, fmt.Errorf("global view: %w", err)
	}
	return layout, nil
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

func clamp(v, lo, hi int) int { return max(lo, min(v, hi)) }
