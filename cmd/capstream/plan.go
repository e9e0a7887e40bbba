package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zsiec/capstream/media"
	"github.com/zsiec/capstream/scale"
)

type planOptions struct {
	width, height int
	preset        string
	maxLongSide   int
	exactW        int
	exactH        int
	aspect        string
	gundam        bool
	overlap       int
}

func newPlanCmd() *cobra.Command {
	var opts planOptions
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the scaling plan or Gundam layout for an input size",
		Long: "Print how an input of --width x --height would be scaled. With no target\n" +
			"every preset is listed.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printPlan(cmd.OutOrStdout(), opts)
		},
	}
	f := cmd.Flags()
	f.IntVar(&opts.width, "width", 1920, "input width")
	f.IntVar(&opts.height, "height", 1080, "input height")
	f.StringVar(&opts.preset, "preset", "", "scaling preset")
	f.IntVar(&opts.maxLongSide, "max-long-side", 0, "clamp the longest side")
	f.IntVar(&opts.exactW, "exact-width", 0, "exact output width")
	f.IntVar(&opts.exactH, "exact-height", 0, "exact output height")
	f.StringVar(&opts.aspect, "aspect", "preserve", "aspect mode: preserve, distort or pad")
	f.BoolVar(&opts.gundam, "gundam", false, "print the Gundam tile layout instead")
	f.IntVar(&opts.overlap, "overlap", 0, "Gundam tile overlap in pixels")
	return cmd
}

func printPlan(w io.Writer, opts planOptions) error {
	in := media.Size{Width: opts.width, Height: opts.height}
	if opts.gundam {
		cfg := scale.DefaultGundam()
		cfg.Overlap = opts.overlap
		l, err := scale.NewLayout(in, cfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "input %s: %dx%d grid, %d tiles of %dpx, %dpx global view\n",
			in, l.Cols, l.Rows, l.Tiles(), l.TileSide, l.GlobalSide)
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TILE\tREGION\tSIZE")
		for i, r := range l.Regions {
			fmt.Fprintf(tw, "%d\t%v\t%dx%d\n", i, r, r.Dx(), r.Dy())
		}
		return tw.Flush()
	}

	aspect, err := scale.ParseAspect(opts.aspect)
	if err != nil {
		return err
	}
	var plans []namedPlan
	switch {
	case opts.preset != "":
		p, err := scale.ParsePreset(opts.preset)
		if err != nil {
			return err
		}
		plans = append(plans, namedPlan{p.Name, p.Target(), p.Aspect})
	case opts.maxLongSide > 0:
		plans = append(plans, namedPlan{"max-long-side", scale.MaxLongSide(opts.maxLongSide), aspect})
	case opts.exactW > 0 || opts.exactH > 0:
		plans = append(plans, namedPlan{"exact", scale.Exact(opts.exactW, opts.exactH), aspect})
	default:
		for _, p := range scale.Presets() {
			plans = append(plans, namedPlan{p.Name, p.Target(), p.Aspect})
		}
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PLAN\tTARGET\tASPECT\tOUTPUT\tROI\tBYTES")
	for _, np := range plans {
		p, err := scale.BuildPlan(in, np.target, np.aspect)
		if err != nil {
			return fmt.Errorf("%s: %w", np.name, err)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\t%d\n", np.name, np.target, np.aspect, p.Out, p.ROI, p.OutBytes())
	}
	return tw.Flush()
}

type namedPlan struct {
	name   string
	target scale.Target
	aspect scale.AspectMode
}
