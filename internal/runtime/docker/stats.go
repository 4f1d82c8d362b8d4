package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"

	"github.com/slok/sbxd/internal/model"
)

// Stats returns a resource usage sample of a container.
func (r *Runtime) Stats(ctx context.Context, containerID string) (*model.ResourceUsage, error) {
	var st container.StatsResponse
	err := r.do(ctx, "stats "+shortID(containerID), func(ctx context.Context) error {
		resp, err := r.client.ContainerStats(ctx, containerID, false)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			return fmt.Errorf("could not decode stats: %w: %w", model.ErrRuntimeRejected, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var sizeRw int64
	err = r.do(ctx, "inspect size "+shortID(containerID), func(ctx context.Context) error {
		info, _, err := r.client.ContainerInspectWithRaw(ctx, containerID, true)
		if err != nil {
			return err
		}
		if info.ContainerJSONBase != nil && info.SizeRw != nil {
			sizeRw = *info.SizeRw
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	memUsed, memLimit := memoryUsage(st)
	usage := &model.ResourceUsage{
		Timestamp:   st.Read,
		CPUPercent:  cpuPercent(st),
		MemoryBytes: memUsed,
		MemoryLimit: memLimit,
		DiskPercent: percent(float64(sizeRw), float64(r.diskBudget)),
	}
	if memLimit > 0 {
		usage.MemoryPercent = percent(float64(memUsed), float64(memLimit))
	}
	if usage.Timestamp.IsZero() {
		usage.Timestamp = time.Now().UTC()
	}

	return usage, nil
}

func cpuPercent(st container.StatsResponse) float64 {
	cpuDelta := float64(st.CPUStats.CPUUsage.TotalUsage) - float64(st.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(st.CPUStats.SystemUsage) - float64(st.PreCPUStats.SystemUsage)
	onlineCPUs := float64(st.CPUStats.OnlineCPUs)
	if onlineCPUs == 0 {
		onlineCPUs = float64(len(st.CPUStats.CPUUsage.PercpuUsage))
	}

	if cpuDelta <= 0 || systemDelta <= 0 {
		return 0
	}
	return cpuDelta / systemDelta * onlineCPUs * 100
}

// memoryUsage returns the used memory without the page cache, like the docker CLI.
func memoryUsage(st container.StatsResponse) (used, limit uint64) {
	used = st.MemoryStats.Usage
	for _, k := range []string{"inactive_file", "total_inactive_file"} {
		if v, ok := st.MemoryStats.Stats[k]; ok && v < used {
			used -= v
			break
		}
	}
	return used, st.MemoryStats.Limit
}

func percent(v, total float64) float64 {
	if total <= 0 {
		return 0
	}
	return v / total * 100
}
