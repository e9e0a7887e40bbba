// Package scale computes scaling plans for BGRA frames and executes them on
// the CPU. It also implements Gundam tiling: a frame decomposed into a grid
// of square detail tiles plus one square overview, sized for vision models
// with a fixed pixel budget.
package scale

import (
	"errors"
	"fmt"
	"image"
	"math"
	"strings"

	"github.com/zsiec/capstream/media"
)

var (
	// ErrUnsupportedGeometry is returned when an input or target has a
	// zero dimension.
	ErrUnsupportedGeometry = errors.New("unsupported geometry")
	// ErrBufferTooSmall is returned when a caller-provided output buffer
	// cannot hold the planned image.
	ErrBufferTooSmall = errors.New("output buffer too small")
	// ErrPlanMismatch is returned when a source does not match the size a
	// plan was built for.
	ErrPlanMismatch = errors.New("source does not match plan input")
)

// AspectMode controls how the input aspect ratio maps onto the target.
type AspectMode int

const (
	// Preserve scales uniformly. Exact targets are letterboxed.
	Preserve AspectMode = iota
	// Distort scales each axis independently to fill the target.
	Distort
	// Pad scales uniformly onto a canvas filled with the pad colour.
	Pad
)

func (m AspectMode) String() string {
	switch m {
	case Preserve:
		return "preserve"
	case Distort:
		return "distort"
	case Pad:
		return "pad"
	default:
		return fmt.Sprintf("AspectMode(%d)", int(m))
	}
}

// ParseAspect parses "preserve", "distort" or "pad".
func ParseAspect(s string) (AspectMode, error) {
	switch strings.ToLower(s) {
	case "", "preserve":
		return Preserve, nil
	case "distort":
		return Distort, nil
	case "pad":
		return Pad, nil
	}
	return 0, fmt.Errorf("unknown aspect mode %q", s)
}

// Target is either a clamp on the longest side or an exact output box.
type Target struct {
	longSide int
	box      media.Size
}

// MaxLongSide clamps the longest output side to n pixels.
func MaxLongSide(n int) Target { return Target{longSide: n} }

// Exact requests a w x h output.
func Exact(w, h int) Target { return Target{box: media.Size{Width: w, Height: h}} }

// IsExact reports whether the target is an exact box.
func (t Target) IsExact() bool { return t.longSide == 0 }

// Bound returns the largest side length an output under t may have.
func (t Target) Bound() int {
	if t.IsExact() {
		return max(t.box.Width, t.box.Height)
	}
	return t.longSide
}

func (t Target) String() string {
	if t.IsExact() {
		return "exact " + t.box.String()
	}
	return fmt.Sprintf("max-long-side %d", t.longSide)
}

func (t Target) valid() bool {
	if t.IsExact() {
		return !t.box.Empty()
	}
	return t.longSide > 0
}

// Plan describes how one input size maps to one output. The source is
// resampled into ROI; any part of the output outside ROI is fill.
type Plan struct {
	Input  media.Size
	Out    media.Size
	ROI    image.Rectangle
	Target Target
	Aspect AspectMode
}

// Padded reports whether the plan leaves fill area around the ROI.
func (p Plan) Padded() bool {
	return p.ROI != image.Rect(0, 0, p.Out.Width, p.Out.Height)
}

// OutBytes is the length of the packed output buffer.
func (p Plan) OutBytes() int { return p.Out.FrameBytes() }

// BuildPlan computes the output size and destination region for scaling in
// to target under aspect. It is deterministic and fails only for zero
// dimensions.
func BuildPlan(in media.Size, target Target, aspect AspectMode) (Plan, error) {
	if in.Empty() {
		return Plan{}, fmt.Errorf("%w: input %s", ErrUnsupportedGeometry, in)
	}
	if !target.valid() {
		return Plan{}, fmt.Errorf("%w: target %s", ErrUnsupportedGeometry, target)
	}

	p := Plan{Input: in, Target: target, Aspect: aspect}
	switch {
	case !target.IsExact() && aspect == Distort:
		n := target.longSide
		p.Out = media.Size{Width: n, Height: n}
		p.ROI = full(p.Out)
	case !target.IsExact() && aspect == Pad:
		n := target.longSide
		p.Out = media.Size{Width: n, Height: n}
		p.ROI = center(p.Out, fitLongSide(in, n))
	case !target.IsExact():
		p.Out = fitLongSide(in, target.longSide)
		p.ROI = full(p.Out)
	case aspect == Distort:
		p.Out = target.box
		p.ROI = full(p.Out)
	default:
		// Preserve letterboxes, Pad fills with the configured colour;
		// the geometry is the same.
		p.Out = target.box
		p.ROI = center(p.Out, fitWithin(in, target.box))
	}
	return p, nil
}

// fitLongSide shrinks in so its longest side is at most n. It never
// upscales.
func fitLongSide(in media.Size, n int) media.Size {
	s := float64(n) / float64(max(in.Width, in.Height))
	if s >= 1 {
		return in
	}
	return scaled(in, s)
}

// fitWithin scales in uniformly to the largest size that fits box. Small
// inputs are upscaled.
func fitWithin(in, box media.Size) media.Size {
	s := math.Min(float64(box.Width)/float64(in.Width), float64(box.Height)/float64(in.Height))
	out := scaled(in, s)
	out.Width = min(out.Width, box.Width)
	out.Height = min(out.Height, box.Height)
	return out
}

func scaled(in media.Size, s float64) media.Size {
	return media.Size{
		Width:  max(1, int(math.Round(float64(in.Width)*s))),
		Height: max(1, int(math.Round(float64(in.Height)*s))),
	}
}

func center(box, content media.Size) image.Rectangle {
	x := (box.Width - content.Width) / 2
	y := (box.Height - content.Height) / 2
	return image.Rect(x, y, x+content.Width, y+content.Height)
}

func full(s media.Size) image.Rectangle {
	return image.Rect(0, 0, s.Width, s.Height)
}
