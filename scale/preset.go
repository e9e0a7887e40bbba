package scale

import (
	"fmt"
	"strings"

	"github.com/zsiec/capstream/media"
)

// Preset is a named scaling policy tuned for a downstream vision model.
type Preset struct {
	Name        string
	MaxLongSide int
	Aspect      AspectMode
}

// Target returns the preset's long-side clamp.
func (p Preset) Target() Target { return MaxLongSide(p.MaxLongSide) }

// Plan builds the preset's plan for in.
func (p Preset) Plan(in media.Size) (Plan, error) {
	return BuildPlan(in, p.Target(), p.Aspect)
}

var (
	P2_56  = Preset{Name: "p2_56", MaxLongSide: 640, Aspect: Preserve}
	P4     = Preset{Name: "p4", MaxLongSide: 640, Aspect: Preserve}
	P6_9   = Preset{Name: "p6_9", MaxLongSide: 512, Aspect: Preserve}
	P9     = Preset{Name: "p9", MaxLongSide: 640, Aspect: Preserve}
	P10_24 = Preset{Name: "p10_24", MaxLongSide: 640, Aspect: Preserve}
)

// Presets lists every named preset in a stable order.
func Presets() []Preset {
	return []Preset{P2_56, P4, P6_9, P9, P10_24}
}

// ParsePreset looks a preset up by name, ignoring case.
func ParsePreset(name string) (Preset, error) {
	for _, p := range Presets() {
		if strings.EqualFold(p.Name, name) {
			return p, nil
		}
	}
	return Preset{}, fmt.Errorf("unknown scaling preset %q", name)
}
