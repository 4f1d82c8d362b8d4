package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"
	"go.opentelemetry.io/otel"

	"github.com/slok/sbxd/internal/cleanup"
	"github.com/slok/sbxd/internal/monitor"
)

type ServeCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	noMonitor   bool
	noHostStats bool
}

// NewServeCommand returns the serve command.
func NewServeCommand(rootCmd *RootCommand, app *kingpin.Application) *ServeCommand {
	c := &ServeCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("serve", "Run the engine background workers (monitor and cleanup).")
	c.Cmd.Flag("no-monitor", "Disable the resource monitor worker.").BoolVar(&c.noMonitor)
	c.Cmd.Flag("no-host-stats", "Disable the host resource checks of the monitor.").BoolVar(&c.noHostStats)

	return c
}

func (c ServeCommand) Name() string { return c.Cmd.FullCommand() }

func (c ServeCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	s, err := newStack(ctx, *c.rootCmd)
	if err != nil {
		return err
	}
	defer s.Close()

	n, err := s.orch.ReclaimOrphans(ctx)
	if err != nil {
		logger.Warningf("could not reclaim orphan containers: %s", err)
	} else if n > 0 {
		logger.Infof("Reclaimed %d orphan containers", n)
	}

	var g run.Group

	// Context cancellation.
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				<-ctx.Done()
				return nil
			},
			func(_ error) {
				cancel()
			},
		)
	}

	// Monitor worker.
	if !c.noMonitor {
		var hostStats monitor.HostStatsFunc
		if !c.noHostStats {
			hostStats = monitor.NewHostStats(s.cfg.VolumesRoot)
		}

		worker, err := monitor.NewWorker(monitor.WorkerConfig{
			Orchestrator: s.orch,
			Stats:        s.runtime,
			Thresholds: monitor.Thresholds{
				CPU:    s.cfg.MonitorCPUThreshold,
				Memory: s.cfg.MonitorMemoryThreshold,
				Disk:   s.cfg.MonitorDiskThreshold,
			},
			Interval:      s.cfg.MonitorInterval,
			StatsTimeout:  s.cfg.MonitorStatsTimeout,
			MaxFailures:   s.cfg.MonitorMaxFailures,
			AlertCooldown: s.cfg.MonitorAlertCooldown,
			HostStats:     hostStats,
			AlertSink:     monitor.LogAlertSink(logger),
			MeterProvider: otel.GetMeterProvider(),
			Logger:        logger,
		})
		if err != nil {
			return fmt.Errorf("could not create monitor worker: %w", err)
		}

		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				return worker.Run(ctx)
			},
			func(_ error) {
				cancel()
			},
		)
	}

	// Cleanup worker.
	{
		worker, err := cleanup.NewWorker(cleanup.WorkerConfig{
			Orchestrator:    s.orch,
			Interval:        s.cfg.CleanupInterval,
			MaxAge:          s.cfg.MaxContainerAge,
			InactiveTimeout: s.cfg.InactiveTimeout,
			Disabled:        !s.cfg.AutoCleanupEnabled,
			DeleteRate:      s.cfg.CleanupDeleteRate,
			Logger:          logger,
		})
		if err != nil {
			return fmt.Errorf("could not create cleanup worker: %w", err)
		}

		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				return worker.Run(ctx)
			},
			func(_ error) {
				cancel()
			},
		)
	}

	logger.Infof("sbxd engine running")
	err = g.Run()
	logger.Infof("sbxd engine stopped")

	return err
}
