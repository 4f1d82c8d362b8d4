package model

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"time"
)

// SandboxState represents the lifecycle state of a sandbox.
type SandboxState string

const (
	// SandboxStateCreating is set while ports, volumes and the container are being set up.
	SandboxStateCreating SandboxState = "creating"
	// SandboxStateRunning indicates the container is running and routes are published.
	SandboxStateRunning SandboxState = "running"
	// SandboxStateStopping indicates the container is being stopped.
	SandboxStateStopping SandboxState = "stopping"
	// SandboxStateStopped indicates the container is stopped, ports and volumes are still held.
	SandboxStateStopped SandboxState = "stopped"
	// SandboxStateRemoving indicates the sandbox resources are being released.
	SandboxStateRemoving SandboxState = "removing"
	// SandboxStateTerminated is the final state, the sandbox holds no resources.
	SandboxStateTerminated SandboxState = "terminated"
	// SandboxStateError indicates a failed transition, only delete can reconcile it.
	SandboxStateError SandboxState = "error"
)

// AllSandboxStates lists every known state.
var AllSandboxStates = []SandboxState{
	SandboxStateCreating,
	SandboxStateRunning,
	SandboxStateStopping,
	SandboxStateStopped,
	SandboxStateRemoving,
	SandboxStateTerminated,
	SandboxStateError,
}

// ParseSandboxState parses a state name.
func ParseSandboxState(s string) (SandboxState, error) {
	st := SandboxState(s)
	if slices.Contains(AllSandboxStates, st) {
		return st, nil
	}
	return "", fmt.Errorf("unknown sandbox state %q: %w", s, ErrNotValid)
}

// Terminal returns true when the sandbox reached its final state.
func (s SandboxState) Terminal() bool { return s == SandboxStateTerminated }

// Transient returns true for states that only exist while a transition is in flight.
func (s SandboxState) Transient() bool {
	return s == SandboxStateCreating || s == SandboxStateStopping || s == SandboxStateRemoving
}

// DefaultOwner is used when a sandbox is created without an owner.
const DefaultOwner = "default"

// Resources defines the compute resources for a sandbox.
type Resources struct {
	// CPU is the number of CPU cores.
	CPU float64
	// MemoryBytes is the memory limit.
	MemoryBytes int64
	// GPU is the requested GPU type (e.g. H100), empty means none.
	GPU string
	// Timeout is the maximum time the sandbox may run since its last start, 0 disables it.
	Timeout time.Duration
	// MaxRetries is the restart policy retry count.
	MaxRetries int
}

// BuildSpec asks for the image to be built instead of pulled.
type BuildSpec struct {
	ContextPath string
	Dockerfile  string
}

// SandboxSpec is the requested configuration of a sandbox.
type SandboxSpec struct {
	Owner      string
	Image      string
	Build      *BuildSpec
	Entrypoint []string
	Command    []string
	Env        map[string]string
	Resources  Resources
	Ports      []PortSpec
	Volumes    []VolumeMount
}

// Sandbox represents a managed sandbox.
type Sandbox struct {
	ID           string
	Owner        string
	Spec         SandboxSpec
	State        SandboxState
	ContainerID  string
	Ports        []PortAllocation
	Volumes      []VolumeMount
	CreatedAt    time.Time
	LastActiveAt time.Time
	StartedAt    *time.Time
	UpdatedAt    time.Time
	// Error is only set when the sandbox is in error state.
	Error string
}

// ContainerName returns the runtime container name for the sandbox.
func (s Sandbox) ContainerName() string { return ContainerName(s.ID) }

// ContainerName returns the runtime container name for a sandbox ID.
func ContainerName(id string) string { return "sbx-" + lowerASCII(id) }

// ExternalPorts returns the external ports held by the sandbox.
func (s Sandbox) ExternalPorts() []int {
	ports := make([]int, 0, len(s.Ports))
	for _, p := range s.Ports {
		ports = append(ports, p.External)
	}
	return ports
}

// Clone returns a deep copy of the sandbox.
func (s Sandbox) Clone() Sandbox {
	c := s
	c.Spec = s.Spec.Clone()
	c.Ports = slices.Clone(s.Ports)
	c.Volumes = slices.Clone(s.Volumes)
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	return c
}

// Clone returns a deep copy of the spec.
func (s SandboxSpec) Clone() SandboxSpec {
	c := s
	c.Entrypoint = slices.Clone(s.Entrypoint)
	c.Command = slices.Clone(s.Command)
	c.Env = maps.Clone(s.Env)
	c.Ports = slices.Clone(s.Ports)
	c.Volumes = slices.Clone(s.Volumes)
	if s.Build != nil {
		b := *s.Build
		c.Build = &b
	}
	return c
}

// Limits are the deployment bounds a spec is validated against.
type Limits struct {
	MaxCPU         float64
	MaxMemoryBytes int64
	GPUEnabled     bool
	NetworkEnabled bool
}

var (
	imageRegexp  = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*(:[0-9]+)?(/[a-zA-Z0-9_.-]+)*(:[a-zA-Z0-9_.-]+)?(@sha256:[a-f0-9]{64})?$`)
	envKeyRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Validate validates the sandbox spec against the deployment limits.
func (s SandboxSpec) Validate(l Limits) error {
	if s.Image == "" {
		return fmt.Errorf("image is required: %w", ErrNotValid)
	}
	if !imageRegexp.MatchString(s.Image) {
		return fmt.Errorf("image %q is not a valid reference: %w", s.Image, ErrNotValid)
	}
	if s.Build != nil && s.Build.ContextPath == "" && s.Build.Dockerfile == "" {
		return fmt.Errorf("build requires a context path or a dockerfile: %w", ErrNotValid)
	}

	for k := range s.Env {
		if !envKeyRegexp.MatchString(k) {
			return fmt.Errorf("invalid environment variable name %q: %w", k, ErrNotValid)
		}
	}

	if err := s.Resources.validate(l); err != nil {
		return err
	}

	if len(s.Ports) > 0 && !l.NetworkEnabled {
		return fmt.Errorf("ports requested but networking is disabled: %w", ErrNotValid)
	}
	if err := validatePortSpecs(s.Ports); err != nil {
		return err
	}

	paths := map[string]bool{}
	for _, v := range s.Volumes {
		if err := v.Validate(); err != nil {
			return err
		}
		if paths[v.MountPath] {
			return fmt.Errorf("mount path %q used more than once: %w", v.MountPath, ErrMountConflict)
		}
		paths[v.MountPath] = true
	}

	return nil
}

func (r Resources) validate(l Limits) error {
	if r.CPU <= 0 {
		return fmt.Errorf("cpu must be positive: %w", ErrNotValid)
	}
	if l.MaxCPU > 0 && r.CPU > l.MaxCPU {
		return fmt.Errorf("cpu %.2f exceeds maximum %.2f: %w", r.CPU, l.MaxCPU, ErrNotValid)
	}
	if r.MemoryBytes <= 0 {
		return fmt.Errorf("memory must be positive: %w", ErrNotValid)
	}
	if l.MaxMemoryBytes > 0 && r.MemoryBytes > l.MaxMemoryBytes {
		return fmt.Errorf("memory %d exceeds maximum %d bytes: %w", r.MemoryBytes, l.MaxMemoryBytes, ErrNotValid)
	}
	if r.GPU != "" && !l.GPUEnabled {
		return fmt.Errorf("gpu %q requested but gpus are disabled: %w", r.GPU, ErrNotValid)
	}
	if r.Timeout < 0 {
		return fmt.Errorf("timeout can't be negative: %w", ErrNotValid)
	}
	if r.MaxRetries < 0 {
		return fmt.Errorf("max retries can't be negative: %w", ErrNotValid)
	}
	return nil
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
