package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/zsiec/capstream/certs"
	"github.com/zsiec/capstream/media"
	"github.com/zsiec/capstream/sink"
)

type receiveOptions struct {
	quicAddr string
	srtAddr  string
	out      string
	hosts    []string
	validity time.Duration
}

func newReceiveCmd() *cobra.Command {
	var opts receiveOptions
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Receive frames from a quic sink or MPEG-TS from an srt sink",
		Long: "With --quic, listen for raw frames and append them to --out in the framed\n" +
			"raw format; the certificate fingerprint to pin is printed on start.\n" +
			"With --srt, listen for MPEG-TS and write one .ts file per stream under --out.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch {
			case opts.quicAddr != "" && opts.srtAddr != "":
				return errors.New("choose one of --quic or --srt")
			case opts.quicAddr != "":
				return receiveQUIC(cmd.Context(), cmd.OutOrStdout(), opts)
			case opts.srtAddr != "":
				return receiveSRT(cmd.Context(), opts)
			}
			return errors.New("one of --quic or --srt is required")
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.quicAddr, "quic", "", "QUIC listen address, e.g. :7000")
	f.StringVar(&opts.srtAddr, "srt", "", "SRT listen address, e.g. :6000")
	f.StringVarP(&opts.out, "out", "o", "", "output file (--quic) or directory (--srt)")
	f.StringSliceVar(&opts.hosts, "host", nil, "extra certificate hosts or IPs for --quic")
	f.DurationVar(&opts.validity, "cert-validity", certs.DefaultValidity, "certificate validity for --quic")
	return cmd
}

func receiveQUIC(ctx context.Context, stdout io.Writer, opts receiveOptions) error {
	if opts.out == "" {
		opts.out = "received.raw"
	}
	cert, err := certs.Generate(opts.validity, opts.hosts...)
	if err != nil {
		return err
	}
	rcv, err := sink.ListenQUIC(opts.quicAddr, cert.ServerTLS(), slog.Default())
	if err != nil {
		return err
	}
	defer rcv.Close()
	fmt.Fprintf(stdout, "listening on %s\nfingerprint %s\n", rcv.Addr(), cert.FingerprintHex())

	file, err := os.Create(opts.out)
	if err != nil {
		return fmt.Errorf("create %s: %w", opts.out, err)
	}
	defer file.Close()
	bw := bufio.NewWriterSize(file, 1<<20)

	var (
		mu     sync.Mutex
		frames int
	)
	err = rcv.Serve(ctx, func(h sink.Header, payload []byte) error {
		f, err := media.NewFrame(payload, h.Width, h.Height, h.Width*media.BytesPerPixel, h.PTS)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		frames++
		return sink.WriteFrame(bw, f, h.PTS)
	})
	// Connection goroutines may still be finishing a frame.
	mu.Lock()
	defer mu.Unlock()
	if ferr := bw.Flush(); ferr != nil && err == nil {
		err = ferr
	}
	slog.Info("receiver stopped", "frames", frames, "out", opts.out)
	return err
}

func receiveSRT(ctx context.Context, opts receiveOptions) error {
	if opts.out == "" {
		opts.out = "."
	}
	if err := os.MkdirAll(opts.out, 0o755); err != nil {
		return err
	}
	rcv := sink.NewSRTReceiver(opts.srtAddr, slog.Default())
	return rcv.Serve(ctx, func(key string, src io.Reader) error {
		path := filepath.Join(opts.out, key+".ts")
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		n, err := io.Copy(f, src)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		slog.Info("stream ended", "stream", key, "bytes", n, "file", path)
		return err
	})
}
