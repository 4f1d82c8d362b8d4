package model

import "time"

// ResourceUsage is a resource usage sample of a sandbox.
type ResourceUsage struct {
	SandboxID     string
	Timestamp     time.Time
	CPUPercent    float64
	MemoryPercent float64
	DiskPercent   float64
	MemoryBytes   uint64
	MemoryLimit   uint64
}

// Metric names a monitored resource.
type Metric string

const (
	MetricCPU    Metric = "cpu"
	MetricMemory Metric = "memory"
	MetricDisk   Metric = "disk"
)

// Alert is raised when a metric breaches its threshold.
type Alert struct {
	// SandboxID is empty for host level alerts.
	SandboxID string
	Metric    Metric
	Value     float64
	Threshold float64
	At        time.Time
}

// Subject returns what the alert is about.
func (a Alert) Subject() string {
	if a.SandboxID == "" {
		return "system"
	}
	return a.SandboxID
}
