package pipeline

import (
	"fmt"

	"github.com/zsiec/capstream/buffer"
	"github.com/zsiec/capstream/media"
	"github.com/zsiec/capstream/scale"
)

// DefaultStageBuffers is the output pool size of a stage when none is given.
// It covers one frame in the stage plus the frames queued in each sink.
const DefaultStageBuffers = 8

// ScaleStage resizes every frame according to one scaling policy. Outputs
// are packed frames backed by the stage's own pool.
type ScaleStage struct {
	name       string
	target     scale.Target
	aspect     scale.AspectMode
	fill       scale.Color
	maxBuffers int

	scaler      *scale.Scaler
	plan        scale.Plan
	pool        *buffer.Pool
	passthrough bool
}

// NewScaleStage returns a stage scaling to target under aspect, padding
// with fill where the plan leaves room. maxBuffers bounds the output pool.
func NewScaleStage(target scale.Target, aspect scale.AspectMode, fill scale.Color, maxBuffers int) *ScaleStage {
	if maxBuffers <= 0 {
		maxBuffers = DefaultStageBuffers
	}
	return &ScaleStage{
		name:       "scale",
		target:     target,
		aspect:     aspect,
		fill:       fill,
		maxBuffers: maxBuffers,
		scaler:     scale.NewScaler(),
	}
}

// NewPresetStage returns a scale stage for a named preset.
func NewPresetStage(p scale.Preset, maxBuffers int) *ScaleStage {
	s := NewScaleStage(p.Target(), p.Aspect, scale.Black, maxBuffers)
	s.name = "scale:" + p.Name
	return s
}

func (s *ScaleStage) Name() string { return s.name }

// Plan returns the plan computed by Initialize.
func (s *ScaleStage) Plan() scale.Plan { return s.plan }

// Pool returns the output pool, nil before Initialize.
func (s *ScaleStage) Pool() *buffer.Pool { return s.pool }

func (s *ScaleStage) Initialize(in media.Size) (media.Size, error) {
	plan, err := scale.BuildPlan(in, s.target, s.aspect)
	if err != nil {
		return media.Size{}, err
	}
	s.plan = plan
	s.passthrough = plan.Out == in && !plan.Padded()
	s.pool = buffer.NewPool(plan.OutBytes(), s.maxBuffers)
	return plan.Out, nil
}

// Process returns f itself when the plan is an identity, otherwise a new
// pool-backed frame.
func (s *ScaleStage) Process(f *media.Frame) (*media.Frame, error) {
	if f.Size() != s.plan.Input {
		return nil, fmt.Errorf("frame %s, stage initialized for %s", f.Size(), s.plan.Input)
	}
	if s.passthrough {
		return f, nil
	}

	buf := s.pool.Get()
	if err := s.scaler.Scale(buf, s.plan, scale.FrameView(f), s.fill); err != nil {
		s.pool.Put(buf)
		return nil, err
	}
	out := s.plan.Out
	return media.NewPooledFrame(s.pool, buf, out.Width, out.Height, out.Width*media.BytesPerPixel, f.PTS)
}

func (s *ScaleStage) Shutdown() error { return nil }
