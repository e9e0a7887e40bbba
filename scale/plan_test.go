package scale

import (
	"errors"
	"image"
	"testing"

	"github.com/zsiec/capstream/media"
)

func TestBuildPlanScenarios(t *testing.T) {
	t.Parallel()

	hd := media.Size{Width: 1920, Height: 1080}
	tests := []struct {
		name    string
		in      media.Size
		target  Target
		aspect  AspectMode
		wantOut media.Size
		wantROI image.Rectangle
	}{
		{"preserve clamp 1080p", hd, MaxLongSide(640), Preserve, media.Size{Width: 640, Height: 360}, image.Rect(0, 0, 640, 360)},
		{"preserve portrait", media.Size{Width: 1080, Height: 1920}, MaxLongSide(512), Preserve, media.Size{Width: 288, Height: 512}, image.Rect(0, 0, 288, 512)},
		{"preserve never upscales", media.Size{Width: 320, Height: 200}, MaxLongSide(640), Preserve, media.Size{Width: 320, Height: 200}, image.Rect(0, 0, 320, 200)},
		{"distort clamp is square", hd, MaxLongSide(640), Distort, media.Size{Width: 640, Height: 640}, image.Rect(0, 0, 640, 640)},
		{"pad clamp centres content", hd, MaxLongSide(640), Pad, media.Size{Width: 640, Height: 640}, image.Rect(0, 140, 640, 500)},
		{"exact distort", hd, Exact(300, 300), Distort, media.Size{Width: 300, Height: 300}, image.Rect(0, 0, 300, 300)},
		{"exact preserve letterboxes", hd, Exact(640, 640), Preserve, media.Size{Width: 640, Height: 640}, image.Rect(0, 140, 640, 500)},
		{"exact pad upscales small input", media.Size{Width: 100, Height: 50}, Exact(640, 640), Pad, media.Size{Width: 640, Height: 640}, image.Rect(0, 160, 640, 480)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := BuildPlan(tt.in, tt.target, tt.aspect)
			if err != nil {
				t.Fatal(err)
			}
			if p.Out != tt.wantOut {
				t.Errorf("out: got %s, want %s", p.Out, tt.wantOut)
			}
			if p.ROI != tt.wantROI {
				t.Errorf("roi: got %v, want %v", p.ROI, tt.wantROI)
			}
		})
	}
}

func TestBuildPlanRejectsZeroDimensions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in     media.Size
		target Target
	}{
		{media.Size{Width: 0, Height: 100}, MaxLongSide(640)},
		{media.Size{Width: 100, Height: 0}, Exact(64, 64)},
		{media.Size{Width: 100, Height: 100}, MaxLongSide(0)},
		{media.Size{Width: 100, Height: 100}, Exact(0, 64)},
	}
	for _, c := range cases {
		if _, err := BuildPlan(c.in, c.target, Preserve); !errors.Is(err, ErrUnsupportedGeometry) {
			t.Errorf("%s -> %s: got %v, want ErrUnsupportedGeometry", c.in, c.target, err)
		}
	}
}

// For every mode the output stays within the target bound, and the scaled
// content keeps the input aspect ratio to within rounding when the mode
// preserves it.
func TestBuildPlanBoundsAndAspect(t *testing.T) {
	t.Parallel()

	targets := []Target{MaxLongSide(640), MaxLongSide(512), Exact(640, 640), Exact(800, 600)}
	aspects := []AspectMode{Preserve, Distort, Pad}
	for w := 16; w <= 4096; w += 173 {
		for h := 16; h <= 4096; h += 211 {
			in := media.Size{Width: w, Height: h}
			for _, target := range targets {
				for _, aspect := range aspects {
					p, err := BuildPlan(in, target, aspect)
					if err != nil {
						t.Fatalf("%s %s %s: %v", in, target, aspect, err)
					}
					if max(p.Out.Width, p.Out.Height) > target.Bound() {
						t.Fatalf("%s %s %s: out %s exceeds bound %d", in, target, aspect, p.Out, target.Bound())
					}
					if !p.ROI.In(image.Rect(0, 0, p.Out.Width, p.Out.Height)) {
						t.Fatalf("%s %s %s: roi %v outside output %s", in, target, aspect, p.ROI, p.Out)
					}
					if aspect == Distort {
						continue
					}
					rw, rh := p.ROI.Dx(), p.ROI.Dy()
					if min(float64(w), float64(h))*float64(rw)/float64(w) < 1 {
						continue // clamped to one pixel, ratio undefined
					}
					skew := rw*h - rh*w
					if skew < 0 {
						skew = -skew
					}
					if skew > max(w, h) {
						t.Fatalf("%s %s %s: roi %dx%d skews aspect", in, target, aspect, rw, rh)
					}
				}
			}
		}
	}
}

func TestPresets(t *testing.T) {
	t.Parallel()

	want := map[string]int{"p2_56": 640, "p4": 640, "p6_9": 512, "p9": 640, "p10_24": 640}
	if len(Presets()) != len(want) {
		t.Fatalf("presets: got %d, want %d", len(Presets()), len(want))
	}
	for name, side := range want {
		p, err := ParsePreset(name)
		if err != nil {
			t.Fatalf("ParsePreset(%q): %v", name, err)
		}
		if p.MaxLongSide != side || p.Aspect != Preserve {
			t.Errorf("%s: got (%d, %s), want (%d, preserve)", name, p.MaxLongSide, p.Aspect, side)
		}
	}
	if _, err := ParsePreset("P6_9"); err != nil {
		t.Errorf("preset lookup should ignore case: %v", err)
	}
	if _, err := ParsePreset("p7"); err == nil {
		t.Error("unknown preset should fail")
	}

	plan, err := P4.Plan(media.Size{Width: 1920, Height: 1080})
	if err != nil {
		t.Fatal(err)
	}
	if plan.Out != (media.Size{Width: 640, Height: 360}) {
		t.Errorf("p4 on 1080p: got %s, want 640x360", plan.Out)
	}
}

func TestParseAspectAndColor(t *testing.T) {
	t.Parallel()

	for s, want := range map[string]AspectMode{"": Preserve, "Distort": Distort, "pad": Pad} {
		got, err := ParseAspect(s)
		if err != nil || got != want {
			t.Errorf("ParseAspect(%q): got %v, %v", s, got, err)
		}
	}
	if _, err := ParseAspect("stretch"); err == nil {
		t.Error("unknown aspect should fail")
	}

	c, err := ParseColor("#ff8000")
	if err != nil {
		t.Fatal(err)
	}
	if c != (Color{B: 0x00, G: 0x80, R: 0xff, A: 0xff}) {
		t.Errorf("ParseColor: got %+v", c)
	}
	if _, err := ParseColor("#12"); err == nil {
		t.Error("short colour should fail")
	}
}
