package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/browser"
	"github.com/pkg/errors"
	"github.com/sarchlab/ppcmmu/datarecording"
	"github.com/sarchlab/ppcmmu/monitoring"
	"github.com/sarchlab/ppcmmu/system"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	monitorPort    int
	openBrowser    bool
	tracePath      string
	replayInterval time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the translation state of a configured system.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if cmd.Flags().Changed("port") {
			cfg.MonitorPort = monitorPort
		}

		b := cfg.Builder()

		var run *datarecording.RunRecorder

		if cfg.Record != "" {
			recorder := datarecording.New(cfg.Record)
			defer recorder.Close()

			run = datarecording.NewRunRecorder(recorder)
			run.Start(cfg.Map())

			b = b.WithRecorder(recorder)
		}

		s, err := buildConfiguredSystem(b)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(),
			os.Interrupt, syscall.SIGTERM)
		defer stop()

		trace, err := loadTrace(tracePath)
		if err != nil {
			return err
		}

		err = serve(ctx, s, trace)

		if run != nil {
			run.End()
		}

		return err
	},
}

func init() {
	addRegisterFlags(serveCmd)
	serveCmd.Flags().IntVar(&monitorPort, "port", 0,
		"port of the monitor, 0 for a random one")
	serveCmd.Flags().BoolVar(&openBrowser, "open", false,
		"open the monitor in a browser")
	serveCmd.Flags().StringVar(&tracePath, "trace", "",
		"guest access trace to replay while serving")
	serveCmd.Flags().DurationVar(&replayInterval, "interval", time.Millisecond,
		"delay between two replayed accesses")
	rootCmd.AddCommand(serveCmd)
}

func loadTrace(path string) ([]Access, error) {
	if path == "" {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening trace")
	}
	defer f.Close()

	return ParseTrace(f)
}

func serve(ctx context.Context, s *system.System, trace []Access) error {
	m := monitoring.NewMonitor().
		WithPortNumber(cfg.MonitorPort).
		WithGuard(s.Guard)
	m.RegisterMMU(s.MMU)
	m.RegisterWatches(s.Watches)

	if s.Fastmem != nil {
		m.RegisterHostMapper(s.Fastmem)
	}

	listener, err := m.Listen()
	if err != nil {
		return err
	}

	url := monitoring.URL(listener)
	logger.Info("monitor listening", zap.String("url", url))

	if openBrowser {
		if err := browser.OpenURL(url); err != nil {
			logger.Warn("cannot open a browser", zap.Error(err))
		}
	}

	replayer := &Replayer{
		System:   s,
		Trace:    trace,
		Interval: replayInterval,
		Logger:   logger,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.Serve(ctx, listener)
	})
	g.Go(func() error {
		err := replayer.Run(ctx)
		logger.Info("replay stopped",
			zap.Uint64("accesses", replayer.Stats().Accesses),
			zap.Uint64("exceptions", replayer.Stats().Exceptions))

		return err
	})

	return g.Wait()
}
