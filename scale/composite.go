package scale

import (
	"fmt"
	"image"
	"math"

	"github.com/zsiec/capstream/media"
)

// CompositeLayout arranges the tiles of one Gundam pack and its overview in a
// single square-celled grid, for sinks that take one image per timestep.
type CompositeLayout struct {
	Cols  int
	Rows  int
	Cell  int // cell side in pixels
	Tiles int // detail tiles; the overview occupies cell index Tiles
}

// NewCompositeLayout returns the smallest near-square grid holding tiles
// cells plus one for the overview.
func NewCompositeLayout(tiles, cell int) CompositeLayout {
	total := tiles + 1
	cols := int(math.Ceil(math.Sqrt(float64(total))))
	return CompositeLayout{
		Cols:  cols,
		Rows:  ceilDiv(total, cols),
		Cell:  cell,
		Tiles: tiles,
	}
}

// Size returns the composite canvas size.
func (c CompositeLayout) Size() media.Size {
	return media.Size{Width: c.Cols * c.Cell, Height: c.Rows * c.Cell}
}

// CellRect returns the canvas rectangle of cell i in row-major order.
func (c CompositeLayout) CellRect(i int) image.Rectangle {
	x := (i % c.Cols) * c.Cell
	y := (i / c.Cols) * c.Cell
	return image.Rect(x, y, x+c.Cell, y+c.Cell)
}

// CompositeLayout returns the arrangement for the prepared layout.
func (p *Packer) CompositeLayout(l Layout) CompositeLayout {
	return NewCompositeLayout(l.Tiles(), p.cfg.TileSide)
}

// Composite writes tiles row-major into dst and resamples the overview into
// the cell after the last tile. Unused cells are filled white.
func (p *Packer) Composite(dst []byte, c CompositeLayout, tiles [][]byte, global []byte) error {
	size := c.Size()
	if len(dst) < size.FrameBytes() {
		return fmt.Errorf("%w: %d < %d bytes", ErrBufferTooSmall, len(dst), size.FrameBytes())
	}
	if c.Cell != p.cfg.TileSide {
		return fmt.Errorf("%w: cell %d, tile side %d", ErrPlanMismatch, c.Cell, p.cfg.TileSide)
	}
	if len(tiles) < c.Tiles || len(global) < p.GlobalBytes() {
		return fmt.Errorf("%w: %d tiles for %d cells", ErrBufferTooSmall, len(tiles), c.Tiles)
	}
	for i := range c.Tiles {
		if len(tiles[i]) < p.TileBytes() {
			return fmt.Errorf("%w: tile %d", ErrBufferTooSmall, i)
		}
	}

	stride := size.Width * media.BytesPerPixel
	canvas := &image.RGBA{Pix: dst[:size.FrameBytes()], Stride: stride, Rect: image.Rect(0, 0, size.Width, size.Height)}
	cell := media.Size{Width: c.Cell, Height: c.Cell}
	for i := range c.Tiles {
		copyRows(canvas, c.CellRect(i), PackedView(tiles[i], cell))
	}

	globalSide := p.cfg.GlobalSide
	p.scaler.scaleInto(canvas.Pix, stride, size, c.CellRect(c.Tiles),
		PackedView(global, media.Size{Width: globalSide, Height: globalSide}), White, false)

	for i := c.Tiles + 1; i < c.Cols*c.Rows; i++ {
		fillRect(canvas, c.CellRect(i), White)
	}
	return nil
}
