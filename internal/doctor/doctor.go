package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/dustin/go-humanize"

	"github.com/slok/sbxd/internal/log"
	"github.com/slok/sbxd/internal/model"
	"github.com/slok/sbxd/internal/monitor"
)

// Pinger is satisfied by the container runtime.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PortCounter is satisfied by the port allocator.
type PortCounter interface {
	Available() int
}

// CheckerConfig is the configuration of the preflight checker.
type CheckerConfig struct {
	Runtime Pinger
	// VolumesRoot must be a writable directory.
	VolumesRoot string
	Ports       PortCounter
	// MinPorts is the number of free ports under which a warning is reported.
	MinPorts int
	// Proxy checks the route publishing backend, optional.
	Proxy      func(ctx context.Context) error
	HostStats  monitor.HostStatsFunc
	Thresholds monitor.Thresholds
	GPUEnabled bool
	// LookPath is used to find binaries, defaults to exec.LookPath.
	LookPath func(file string) (string, error)
	Logger   log.Logger
}

func (c *CheckerConfig) defaults() error {
	if c.Runtime == nil {
		return fmt.Errorf("runtime is required")
	}

	if c.VolumesRoot == "" {
		return fmt.Errorf("volumes root is required")
	}

	if c.Ports == nil {
		return fmt.Errorf("ports are required")
	}

	if c.LookPath == nil {
		c.LookPath = exec.LookPath
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "doctor.Checker"})

	return nil
}

// Checker runs the host preflight checks.
type Checker struct {
	cfg    CheckerConfig
	logger log.Logger
}

// NewChecker returns a new preflight checker.
func NewChecker(cfg CheckerConfig) (*Checker, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Checker{cfg: cfg, logger: cfg.Logger}, nil
}

// Check performs all the preflight checks.
func (c *Checker) Check(ctx context.Context) []model.CheckResult {
	results := []model.CheckResult{
		c.checkRuntime(ctx),
		c.checkVolumesRoot(),
		c.checkPorts(),
	}

	if c.cfg.Proxy != nil {
		results = append(results, c.checkProxy(ctx))
	}

	if c.cfg.HostStats != nil {
		results = append(results, c.checkHost(ctx))
	}

	if c.cfg.GPUEnabled {
		results = append(results, c.checkGPU())
	}

	return results
}

func (c *Checker) checkRuntime(ctx context.Context) model.CheckResult {
	if err := c.cfg.Runtime.Ping(ctx); err != nil {
		return model.CheckResult{ID: "container_runtime", Message: fmt.Sprintf("Container runtime not reachable: %v", err), Status: model.CheckStatusError}
	}
	return model.CheckResult{ID: "container_runtime", Message: "Container runtime is reachable", Status: model.CheckStatusOK}
}

// checkVolumesRoot checks the volumes root exists (or can be created) and is writable.
func (c *Checker) checkVolumesRoot() model.CheckResult {
	const id = "volumes_root"

	if err := os.MkdirAll(c.cfg.VolumesRoot, 0o755); err != nil {
		return model.CheckResult{ID: id, Message: fmt.Sprintf("Cannot create %s: %v", c.cfg.VolumesRoot, err), Status: model.CheckStatusError}
	}

	f, err := os.CreateTemp(c.cfg.VolumesRoot, ".doctor-*")
	if err != nil {
		return model.CheckResult{ID: id, Message: fmt.Sprintf("No write permission to %s: %v", c.cfg.VolumesRoot, err), Status: model.CheckStatusError}
	}
	f.Close()
	_ = os.Remove(f.Name())

	return model.CheckResult{ID: id, Message: fmt.Sprintf("%s is writable", c.cfg.VolumesRoot), Status: model.CheckStatusOK}
}

func (c *Checker) checkPorts() model.CheckResult {
	const id = "port_range"

	available := c.cfg.Ports.Available()
	switch {
	case available == 0:
		return model.CheckResult{ID: id, Message: "No free ports in the port range", Status: model.CheckStatusError}
	case available < c.cfg.MinPorts:
		return model.CheckResult{ID: id, Message: fmt.Sprintf("Only %d free ports in the port range", available), Status: model.CheckStatusWarning}
	}

	return model.CheckResult{ID: id, Message: fmt.Sprintf("%s free ports", humanize.Comma(int64(available))), Status: model.CheckStatusOK}
}

func (c *Checker) checkProxy(ctx context.Context) model.CheckResult {
	if err := c.cfg.Proxy(ctx); err != nil {
		return model.CheckResult{ID: "proxy_provider", Message: fmt.Sprintf("Proxy provider not usable: %v", err), Status: model.CheckStatusError}
	}
	return model.CheckResult{ID: "proxy_provider", Message: "Proxy provider is usable", Status: model.CheckStatusOK}
}

func (c *Checker) checkHost(ctx context.Context) model.CheckResult {
	const id = "host_resources"

	usage, err := c.cfg.HostStats(ctx)
	if err != nil {
		return model.CheckResult{ID: id, Message: fmt.Sprintf("Cannot get host stats: %v", err), Status: model.CheckStatusWarning}
	}

	th := c.cfg.Thresholds
	for _, m := range []struct {
		name      string
		value     float64
		threshold float64
	}{
		{"cpu", usage.CPUPercent, th.CPU},
		{"memory", usage.MemoryPercent, th.Memory},
		{"disk", usage.DiskPercent, th.Disk},
	} {
		if m.threshold > 0 && m.value > m.threshold {
			return model.CheckResult{
				ID:      id,
				Message: fmt.Sprintf("Host %s usage %s%% is above %s%%", m.name, humanize.FtoaWithDigits(m.value, 1), humanize.FtoaWithDigits(m.threshold, 1)),
				Status:  model.CheckStatusWarning,
			}
		}
	}

	return model.CheckResult{ID: id, Message: fmt.Sprintf("Host has %s of memory", humanize.IBytes(usage.MemoryLimit)), Status: model.CheckStatusOK}
}

func (c *Checker) checkGPU() model.CheckResult {
	if _, err := c.cfg.LookPath("nvidia-smi"); err != nil {
		return model.CheckResult{ID: "gpu", Message: "GPUs enabled but nvidia-smi was not found", Status: model.CheckStatusWarning}
	}
	return model.CheckResult{ID: "gpu", Message: "nvidia-smi found", Status: model.CheckStatusOK}
}
