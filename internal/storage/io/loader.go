package io

import (
	"context"
	"fmt"
	"io/fs"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/slok/sbxd/internal/model"
)

// SpecYAMLRepository loads sandbox specs from YAML files.
type SpecYAMLRepository struct {
	fs fs.FS
}

// NewSpecYAMLRepository creates a new YAML spec repository.
func NewSpecYAMLRepository(filesystem fs.FS) *SpecYAMLRepository {
	return &SpecYAMLRepository{fs: filesystem}
}

// GetSpec loads a sandbox spec from a YAML file.
// Omitted resources are left at zero so the engine defaults apply.
func (r *SpecYAMLRepository) GetSpec(ctx context.Context, path string) (model.SandboxSpec, error) {
	data, err := fs.ReadFile(r.fs, path)
	if err != nil {
		return model.SandboxSpec{}, fmt.Errorf("reading spec file: %w", err)
	}

	if ctx.Err() != nil {
		return model.SandboxSpec{}, ctx.Err()
	}

	var spec SandboxSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return model.SandboxSpec{}, fmt.Errorf("parsing YAML: %w: %w", model.ErrNotValid, err)
	}

	m, err := spec.toModel()
	if err != nil {
		return model.SandboxSpec{}, fmt.Errorf("invalid spec: %w", err)
	}

	return m, nil
}

// SandboxSpec represents the YAML structure of a sandbox spec.
type SandboxSpec struct {
	Owner      string            `yaml:"owner"`
	Image      string            `yaml:"image"`
	Build      *BuildSpec        `yaml:"build,omitempty"`
	Entrypoint []string          `yaml:"entrypoint"`
	Command    []string          `yaml:"command"`
	Env        map[string]string `yaml:"env"`
	Resources  ResourcesSpec     `yaml:"resources"`
	Ports      []string          `yaml:"ports"`
	Volumes    []VolumeSpec      `yaml:"volumes"`
}

// BuildSpec represents the YAML structure of an image build.
type BuildSpec struct {
	Context    string `yaml:"context"`
	Dockerfile string `yaml:"dockerfile"`
}

// ResourcesSpec represents the YAML structure of sandbox resources.
type ResourcesSpec struct {
	CPU        float64 `yaml:"cpu"`
	Memory     string  `yaml:"memory"`
	GPU        string  `yaml:"gpu"`
	Timeout    string  `yaml:"timeout"`
	MaxRetries int     `yaml:"max_retries"`
}

// VolumeSpec represents the YAML structure of a volume mount.
type VolumeSpec struct {
	Volume string `yaml:"volume"`
	Path   string `yaml:"path"`
	Mode   string `yaml:"mode"`
}

func (s SandboxSpec) toModel() (model.SandboxSpec, error) {
	if s.Image == "" {
		return model.SandboxSpec{}, fmt.Errorf("image is required: %w", model.ErrNotValid)
	}

	spec := model.SandboxSpec{
		Owner:      s.Owner,
		Image:      s.Image,
		Entrypoint: s.Entrypoint,
		Command:    s.Command,
		Env:        s.Env,
		Resources: model.Resources{
			CPU:        s.Resources.CPU,
			GPU:        s.Resources.GPU,
			MaxRetries: s.Resources.MaxRetries,
		},
	}

	if s.Build != nil {
		spec.Build = &model.BuildSpec{ContextPath: s.Build.Context, Dockerfile: s.Build.Dockerfile}
	}

	if s.Resources.Memory != "" {
		b, err := model.ParseMemory(s.Resources.Memory)
		if err != nil {
			return model.SandboxSpec{}, fmt.Errorf("resources: %w", err)
		}
		spec.Resources.MemoryBytes = b
	}

	if s.Resources.Timeout != "" {
		d, err := time.ParseDuration(s.Resources.Timeout)
		if err != nil {
			return model.SandboxSpec{}, fmt.Errorf("resources: invalid timeout %q: %w", s.Resources.Timeout, model.ErrNotValid)
		}
		spec.Resources.Timeout = d
	}

	for _, p := range s.Ports {
		ps, err := model.ParsePortSpec(p)
		if err != nil {
			return model.SandboxSpec{}, fmt.Errorf("ports: %w", err)
		}
		spec.Ports = append(spec.Ports, ps)
	}

	for _, v := range s.Volumes {
		m := model.VolumeMount{Volume: v.Volume, MountPath: v.Path, Mode: model.MountMode(v.Mode)}
		if m.Mode == "" {
			m.Mode = model.MountModeRW
		}
		if err := m.Validate(); err != nil {
			return model.SandboxSpec{}, fmt.Errorf("volumes: %w", err)
		}
		spec.Volumes = append(spec.Volumes, m)
	}

	return spec, nil
}
