package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/capstream/config"
	"github.com/zsiec/capstream/internal/status"
	"github.com/zsiec/capstream/metrics"
	"github.com/zsiec/capstream/session"
)

const stopTimeout = 10 * time.Second

type runOptions struct {
	configPath string
	watch      bool
	statusAddr string
	noStatus   bool

	output   string
	quality  string
	fps      float64
	duration string
	width    int
	height   int
	preset   string
	gundam   bool
	srt      string
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a capture session",
		Long: "Run a capture session described by a YAML config file. Without --config a\n" +
			"paced synthetic source is recorded to capture.mp4. Flags override the file.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, &opts)
			if err != nil {
				return err
			}
			overrides := func(c *config.Config) error { return applyFlags(cmd, &opts, c) }
			return run(cmd.Context(), cfg, &opts, overrides)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", envOr("CAPSTREAM_CONFIG", ""), "YAML session config")
	f.BoolVar(&opts.watch, "watch", false, "restart the session when the config file changes")
	f.StringVar(&opts.statusAddr, "status-addr", envOr("STATUS_ADDR", ""), "status server address (default from config, :8080)")
	f.BoolVar(&opts.noStatus, "no-status", false, "do not start the status server")
	f.StringVarP(&opts.output, "output", "o", "", "record to this file instead of the configured sinks")
	f.StringVarP(&opts.quality, "quality", "q", "", "recording quality: low, medium, high or ultra")
	f.Float64Var(&opts.fps, "fps", 0, "capture rate")
	f.StringVarP(&opts.duration, "duration", "d", "", "capture duration, e.g. 30, 30s, 2m, 1h; 0 runs until stopped")
	f.IntVar(&opts.width, "width", 0, "capture width")
	f.IntVar(&opts.height, "height", 0, "capture height")
	f.StringVar(&opts.preset, "scale-preset", "", "scaling preset: p2_56, p4, p6_9, p9 or p10_24")
	f.BoolVar(&opts.gundam, "gundam", false, "emit Gundam tile composites")
	f.StringVar(&opts.srt, "srt", "", "also stream MPEG-TS to this SRT listener")
	return cmd
}

// loadConfig reads the config file, or the defaults, and applies any flags
// the user set.
func loadConfig(cmd *cobra.Command, opts *runOptions) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return nil, err
		}
	}
	if err := applyFlags(cmd, opts, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	slog.Debug("loaded configuration", "config", cfg.Dump())
	return cfg, nil
}

func applyFlags(cmd *cobra.Command, opts *runOptions, cfg *config.Config) error {
	changed := cmd.Flags().Changed
	if changed("fps") {
		cfg.Session.FPS = opts.fps
	}
	if changed("duration") {
		d, err := config.ParseDuration(opts.duration)
		if err != nil {
			return err
		}
		cfg.Session.Duration = config.Duration(d)
	}
	if changed("width") {
		cfg.Session.Width = opts.width
	}
	if changed("height") {
		cfg.Session.Height = opts.height
	}
	if changed("scale-preset") {
		cfg.Scaling = config.ScalingConfig{Preset: opts.preset}
	}
	if changed("gundam") {
		cfg.Gundam.Enabled = opts.gundam
	}
	if changed("output") {
		cfg.Sinks = []config.SinkConfig{{Kind: config.SinkFile, Name: config.SinkFile, Path: opts.output, CRF: config.DefaultCRF}}
	}
	if changed("quality") {
		crf, err := config.QualityCRF(opts.quality)
		if err != nil {
			return err
		}
		for i := range cfg.Sinks {
			if k := cfg.Sinks[i].Kind; k == config.SinkFile || k == config.SinkSRT {
				cfg.Sinks[i].CRF = crf
			}
		}
	}
	if changed("srt") {
		crf := config.DefaultCRF
		if len(cfg.Sinks) > 0 && cfg.Sinks[0].CRF > 0 {
			crf = cfg.Sinks[0].CRF
		}
		cfg.Sinks = append(cfg.Sinks, config.SinkConfig{Kind: config.SinkSRT, Name: "srt-flag", Address: opts.srt, CRF: crf})
	}
	if opts.statusAddr != "" {
		cfg.Status.Addr = opts.statusAddr
	}
	if opts.noStatus {
		cfg.Status.Disabled = true
	}
	return nil
}

type app struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	mgr     *session.Manager
	status  *status.Server
}

func run(ctx context.Context, cfg *config.Config, opts *runOptions, overrides func(*config.Config) error) error {
	log := slog.Default()
	a := &app{
		log:     log,
		metrics: metrics.New(),
		mgr:     session.NewManager(log),
	}
	a.status = status.New(status.Config{
		Addr:     cfg.Status.Addr,
		Sessions: a.mgr,
		Metrics:  a.metrics,
		Log:      log,
	})

	log.Info("capstream starting", "version", version, "status", cfg.Status.Addr,
		"sinks", len(cfg.Sinks), "watch", opts.watch && opts.configPath != "")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	reloads := make(chan *config.Config, 1)
	if opts.watch && opts.configPath != "" {
		g.Go(func() error {
			return config.Watch(ctx, opts.configPath, log, func(next *config.Config) {
				if err := overrides(next); err != nil {
					log.Error("reloaded config rejected", "error", err)
					return
				}
				if err := next.Validate(); err != nil {
					log.Error("reloaded config rejected", "error", err)
					return
				}
				// Keep only the newest pending config.
				select {
				case <-reloads:
				default:
				}
				reloads <- next
			})
		})
	}

	if !cfg.Status.Disabled {
		g.Go(func() error { return a.status.Start(ctx) })
	}

	g.Go(func() error {
		// The session ending ends the process.
		defer cancel()
		return a.supervise(ctx, cfg, reloads)
	})

	err := g.Wait()
	a.mgr.StopAll(stopTimeout)
	return err
}

// supervise runs one session at a time, replacing it whenever a new config
// arrives, until a session ends on its own or ctx is cancelled.
func (a *app) supervise(ctx context.Context, cfg *config.Config, reloads <-chan *config.Config) error {
	for {
		built, err := cfg.Build(a.log, a.metrics)
		if err != nil {
			return fmt.Errorf("build session: %w", err)
		}
		var preview http.Handler
		if built.Preview != nil {
			preview = built.Preview
		}
		a.status.SetPreview(preview)

		id := built.Session.ID()
		if err := a.mgr.Start(ctx, built.Session); err != nil {
			return err
		}
		done := make(chan error, 1)
		go func() { done <- a.mgr.Wait(context.WithoutCancel(ctx), id) }()

		select {
		case err := <-done:
			return err
		case next := <-reloads:
			a.log.Info("config changed, restarting session", "id", id)
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
			if err := a.mgr.Stop(sctx, id); err != nil {
				a.log.Warn("previous session ended with an error", "id", id, "error", err)
			}
			cancel()
			<-done
			cfg = next
		}
	}
}
