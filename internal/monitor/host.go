package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/slok/sbxd/internal/model"
)

// HostStatsFunc samples the host resource usage.
type HostStatsFunc func(ctx context.Context) (*model.ResourceUsage, error)

// NewHostStats returns a HostStatsFunc that samples the host with disk usage measured on diskPath.
func NewHostStats(diskPath string) HostStatsFunc {
	if diskPath == "" {
		diskPath = "/"
	}

	return func(ctx context.Context) (*model.ResourceUsage, error) {
		cpus, err := cpu.PercentWithContext(ctx, 0, false)
		if err != nil {
			return nil, fmt.Errorf("could not get host cpu: %w", err)
		}
		cpuPct := 0.0
		if len(cpus) > 0 {
			cpuPct = cpus[0]
		}

		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return nil, fmt.Errorf("could not get host memory: %w", err)
		}

		du, err := disk.UsageWithContext(ctx, diskPath)
		if err != nil {
			return nil, fmt.Errorf("could not get disk usage of %s: %w", diskPath, err)
		}

		return &model.ResourceUsage{
			Timestamp:     time.Now().UTC(),
			CPUPercent:    cpuPct,
			MemoryPercent: vm.UsedPercent,
			DiskPercent:   du.UsedPercent,
			MemoryBytes:   vm.Used,
			MemoryLimit:   vm.Total,
		}, nil
	}
}
