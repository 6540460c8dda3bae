package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jnesss/pgfault-recorder/collector"
	"github.com/jnesss/pgfault-recorder/platform"
	"github.com/jnesss/pgfault-recorder/process"
	"github.com/jnesss/pgfault-recorder/sink"
	"github.com/jnesss/pgfault-recorder/web"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	var configPath string

	cmd := &cobra.Command{
		Use:   "pgfault-recorder",
		Short: "Record page faults with an eBPF kprobe on handle_mm_fault",
		Long: `pgfault-recorder attaches a kprobe to the kernel page fault handler and
prints one line per fault until interrupted:

  Page fault: PID= 4242, Address=0x00007ffee291a000, Flags=0x255

Events travel through a BPF ring buffer. When it is full, new events are
dropped and counted. Attaching requires root; --simulate runs the same
pipeline on synthetic faults without privileges.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v, configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML configuration file")
	if err := registerFlags(v, cmd.Flags()); err != nil {
		panic(err)
	}
	return cmd
}

func run(ctx context.Context, cfg Config, out io.Writer) error {
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	monitor, err := newMonitor(cfg, logger)
	if err != nil {
		return err
	}
	if err := monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start monitor: %w", err)
	}
	defer monitor.Stop()

	if cfg.Privileges.Drop {
		if u, err := dropPrivileges(); err != nil {
			logger.Warn("Failed to drop privileges", zap.Error(err))
		} else {
			logger.Info("Dropped privileges", zap.String("user", u.Username))
		}
	}

	reg := prometheus.NewRegistry()
	events, err := buildSink(cfg.Output, reg, monitor, out)
	if err != nil {
		return err
	}

	c := collector.New(monitor.Source(), events, cfg.Collector.PollInterval, logger)
	stats := collector.NewStatsReporter(c, monitor, monitor.BufferSize(), cfg.Collector.StatsInterval, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.Run(gctx)
	})
	if cfg.Collector.StatsInterval > 0 {
		g.Go(func() error {
			if err := stats.Start(gctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	if cfg.Web.Listen != "" {
		srv := web.NewServer(stats, reg, cfg.Web.Listen, logger)
		g.Go(func() error {
			return srv.Start(gctx)
		})
	}

	logger.Info("Monitoring page faults... Press Ctrl+C to stop",
		zap.String("symbol", cfg.Probe.Symbol),
		zap.Bool("simulated", cfg.Simulate.Enabled),
	)

	err = g.Wait()

	final, serr := stats.Snapshot()
	if serr != nil {
		logger.Warn("Failed to read final stats", zap.Error(serr))
	}
	logger.Info("Shutting down",
		zap.Uint64("emitted", final.Emitted),
		zap.Uint64("dropped", final.Dropped),
	)
	return err
}

func newMonitor(cfg Config, logger *zap.Logger) (platform.FaultMonitor, error) {
	mc := platform.MonitorConfig{
		RingSize:        cfg.RingBuf.Size,
		Symbol:          cfg.Probe.Symbol,
		Logger:          logger,
		SimulateRate:    cfg.Simulate.Rate,
		SimulateWorkers: cfg.Simulate.Workers,
	}
	if cfg.Simulate.Enabled {
		return platform.NewSimulatedMonitor(mc)
	}
	return platform.NewBPFMonitor(mc)
}

// buildSink assembles the event output followed by the metrics counter.
func buildSink(cfg OutputConfig, reg prometheus.Registerer, drops collector.DropCounter, out io.Writer) (sink.Multi, error) {
	metrics, err := sink.NewMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	if err := sink.RegisterDrops(reg, drops); err != nil {
		return nil, fmt.Errorf("failed to register drop metric: %w", err)
	}

	var primary collector.Sink
	switch cfg.Format {
	case formatJSON:
		var resolver process.InfoResolver
		if cfg.ResolveProcess {
			r, err := process.NewResolver(cfg.ProcessCacheSize, process.DefaultProcRoot)
			if err != nil {
				return nil, fmt.Errorf("failed to create process resolver: %w", err)
			}
			resolver = r
		}
		primary = sink.NewJSON(out, resolver)
	default:
		primary = sink.NewConsole(out)
	}
	return sink.Multi{primary, metrics}, nil
}
