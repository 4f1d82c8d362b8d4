package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/sbxd/internal/doctor"
	"github.com/slok/sbxd/internal/model"
	"github.com/slok/sbxd/internal/monitor"
)

type DoctorCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand
}

// NewDoctorCommand returns the doctor command.
func NewDoctorCommand(rootCmd *RootCommand, app *kingpin.Application) *DoctorCommand {
	c := &DoctorCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("doctor", "Run preflight checks of the host.")

	return c
}

func (c DoctorCommand) Name() string { return c.Cmd.FullCommand() }

func (c DoctorCommand) Run(ctx context.Context) error {
	out := c.rootCmd.Stdout

	// Not rehydrated, the checks must run on a broken host too.
	s, err := buildStack(ctx, *c.rootCmd)
	if err != nil {
		return err
	}
	defer s.Close()

	checker, err := doctor.NewChecker(doctor.CheckerConfig{
		Runtime:     s.runtime,
		VolumesRoot: s.cfg.VolumesRoot,
		Ports:       s.ports,
		MinPorts:    s.cfg.MaxContainersPerUser,
		Proxy:       s.proxyCheck,
		HostStats:   monitor.NewHostStats(s.cfg.VolumesRoot),
		Thresholds: monitor.Thresholds{
			CPU:    s.cfg.MonitorCPUThreshold,
			Memory: s.cfg.MonitorMemoryThreshold,
			Disk:   s.cfg.MonitorDiskThreshold,
		},
		GPUEnabled: s.cfg.EnableGPU,
		Logger:     c.rootCmd.Logger,
	})
	if err != nil {
		return fmt.Errorf("could not create checker: %w", err)
	}

	results := checker.Check(ctx)
	for _, r := range results {
		fmt.Fprintf(out, "  %s %-20s %s\n", getStatusIcon(r.Status), r.ID, r.Message)
	}

	// Summary
	_, totalWarnings, totalErrors := model.CountByStatus(results)
	fmt.Fprintln(out)
	if totalErrors == 0 && totalWarnings == 0 {
		fmt.Fprintln(out, "All checks passed!")
	} else {
		var summary []string
		if totalErrors > 0 {
			summary = append(summary, fmt.Sprintf("%d error(s)", totalErrors))
		}
		if totalWarnings > 0 {
			summary = append(summary, fmt.Sprintf("%d warning(s)", totalWarnings))
		}
		fmt.Fprintln(out, strings.Join(summary, ", "))
	}

	if model.HasErrors(results) {
		return fmt.Errorf("preflight checks failed with %d error(s)", totalErrors)
	}

	return nil
}

func getStatusIcon(status model.CheckStatus) string {
	switch status {
	case model.CheckStatusOK:
		return "OK"
	case model.CheckStatusWarning:
		return "!!"
	case model.CheckStatusError:
		return "XX"
	default:
		return "??"
	}
}
