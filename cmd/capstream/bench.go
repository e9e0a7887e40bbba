package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/zsiec/capstream/capture"
	"github.com/zsiec/capstream/distribution"
	"github.com/zsiec/capstream/media"
	"github.com/zsiec/capstream/pipeline"
	"github.com/zsiec/capstream/scale"
	"github.com/zsiec/capstream/sink"
)

type benchOptions struct {
	width, height int
	frames        int
	preset        string
	maxLongSide   int
	gundam        bool
	encode        bool
	quiet         bool
}

func newBenchCmd() *cobra.Command {
	var opts benchOptions
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure pipeline throughput on synthetic frames",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return bench(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	f := cmd.Flags()
	f.IntVar(&opts.width, "width", 1920, "frame width")
	f.IntVar(&opts.height, "height", 1080, "frame height")
	f.IntVarP(&opts.frames, "frames", "n", 300, "frames to process")
	f.StringVar(&opts.preset, "preset", "", "scaling preset")
	f.IntVar(&opts.maxLongSide, "max-long-side", 0, "clamp the longest side")
	f.BoolVar(&opts.gundam, "gundam", false, "add the Gundam tiling stage")
	f.BoolVar(&opts.encode, "encode", false, "also serialize every output frame to the raw wire format")
	f.BoolVar(&opts.quiet, "quiet", false, "hide the progress bar")
	return cmd
}

func bench(ctx context.Context, out io.Writer, opts benchOptions) error {
	if opts.frames <= 0 {
		return fmt.Errorf("--frames %d must be positive", opts.frames)
	}
	in := media.Size{Width: opts.width, Height: opts.height}

	var stages []pipeline.Stage
	switch {
	case opts.preset != "":
		p, err := scale.ParsePreset(opts.preset)
		if err != nil {
			return err
		}
		stages = append(stages, pipeline.NewPresetStage(p, 0))
	case opts.maxLongSide > 0:
		stages = append(stages, pipeline.NewScaleStage(scale.MaxLongSide(opts.maxLongSide), scale.Preserve, scale.Black, 0))
	}
	if opts.gundam {
		stages = append(stages, pipeline.NewGundamStage(scale.DefaultGundam(), 0))
	}

	src := capture.NewSynthetic(capture.SyntheticConfig{Size: in, Frames: opts.frames})
	if err := src.Open(ctx); err != nil {
		return err
	}
	defer src.Close()

	pipe := pipeline.New(slog.Default(), stages...)
	outSize, err := pipe.Initialize(in)
	if err != nil {
		return err
	}
	defer pipe.Shutdown()

	var enc *sink.Raw
	if opts.encode {
		enc = sink.NewRawWriter(io.Discard)
		if err := enc.Open(ctx, distribution.StreamInfo{Name: "bench", Size: outSize}); err != nil {
			return err
		}
		defer enc.Close()
	}

	barOut := io.Writer(os.Stderr)
	if opts.quiet {
		barOut = io.Discard
	}
	bar := progressbar.NewOptions(opts.frames,
		progressbar.OptionSetDescription(fmt.Sprintf("bench %s -> %s", in, outSize)),
		progressbar.OptionSetWriter(barOut),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(100*time.Millisecond),
	)

	var busy time.Duration
	start := time.Now()
	for {
		f, err := src.Next(ctx)
		if errors.Is(err, capture.ErrExhausted) || ctx.Err() != nil {
			break
		}
		if err != nil {
			return err
		}
		t := time.Now()
		res, err := pipe.Process(f)
		if err != nil {
			return err
		}
		if res != nil {
			if enc != nil {
				err = enc.Encode(ctx, res, res.PTS)
			}
			res.Release()
			if err != nil {
				return err
			}
		}
		busy += time.Since(t)
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	fmt.Fprintln(barOut)

	elapsed := time.Since(start)
	st := pipe.Stats()
	if st.Processed == 0 {
		return errors.New("no frames processed")
	}
	fmt.Fprintf(out, "frames:      %d processed, %d dropped\n", st.Processed, st.Dropped)
	fmt.Fprintf(out, "geometry:    %s -> %s (%d stages)\n", in, outSize, len(stages))
	fmt.Fprintf(out, "wall time:   %v (%.1f fps)\n", elapsed.Round(time.Millisecond), float64(st.Processed)/elapsed.Seconds())
	fmt.Fprintf(out, "per frame:   %.3f ms in pipeline\n", float64(busy.Microseconds())/1000/float64(st.Processed))
	return nil
}
