package model

import (
	"fmt"
	"path"
	"regexp"
	"slices"
	"strings"
	"time"
)

// MountMode is the access mode of a volume mount.
type MountMode string

const (
	MountModeRW MountMode = "rw"
	MountModeRO MountMode = "ro"
)

// DriverLocal is the volume driver backed by host directories.
const DriverLocal = "local"

// VolumeMount mounts a volume on a sandbox path.
type VolumeMount struct {
	Volume    string
	MountPath string
	Mode      MountMode
}

var volumeNameRegexp = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,127}$`)

// ValidateVolumeName validates a volume name.
func ValidateVolumeName(name string) error {
	if !volumeNameRegexp.MatchString(name) {
		return fmt.Errorf("invalid volume name %q: %w", name, ErrNotValid)
	}
	return nil
}

// Validate validates the mount.
func (m VolumeMount) Validate() error {
	if err := ValidateVolumeName(m.Volume); err != nil {
		return err
	}
	if !path.IsAbs(m.MountPath) {
		return fmt.Errorf("mount path %q must be absolute: %w", m.MountPath, ErrNotValid)
	}
	if path.Clean(m.MountPath) == "/" {
		return fmt.Errorf("mount path can't be the root: %w", ErrNotValid)
	}
	switch m.Mode {
	case MountModeRW, MountModeRO, "":
	default:
		return fmt.Errorf("unknown mount mode %q: %w", m.Mode, ErrNotValid)
	}
	return nil
}

// ParseVolumeMount parses a "name:/path[:ro|rw]" mount declaration.
func ParseVolumeMount(s string) (VolumeMount, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return VolumeMount{}, fmt.Errorf("invalid mount %q, expected 'name:/path[:ro|rw]': %w", s, ErrNotValid)
	}

	vm := VolumeMount{Volume: parts[0], MountPath: parts[1], Mode: MountModeRW}
	if len(parts) == 3 {
		vm.Mode = MountMode(strings.ToLower(parts[2]))
	}
	if err := vm.Validate(); err != nil {
		return VolumeMount{}, err
	}
	return vm, nil
}

// ReadOnly returns true for read only mounts.
func (m VolumeMount) ReadOnly() bool { return m.Mode == MountModeRO }

// Volume is a managed volume.
type Volume struct {
	Name      string
	Driver    string
	SizeBytes int64
	// MountPath is the default mount path used when a mount doesn't specify one.
	MountPath string
	Mounters  []string
	CreatedAt time.Time
}

// Local returns true when the volume is backed by a host directory.
func (v Volume) Local() bool { return v.Driver == "" || v.Driver == DriverLocal }

// Clone returns a deep copy of the volume.
func (v Volume) Clone() Volume {
	c := v
	c.Mounters = slices.Clone(v.Mounters)
	return c
}

// HasMounter returns true if the sandbox mounts the volume.
func (v Volume) HasMounter(sandboxID string) bool { return slices.Contains(v.Mounters, sandboxID) }
