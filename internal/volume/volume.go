package volume

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path"
	"slices"
	"sync"
	"time"

	"github.com/slok/sbxd/internal/conventions"
	"github.com/slok/sbxd/internal/log"
	"github.com/slok/sbxd/internal/model"
	"github.com/slok/sbxd/internal/runtime"
	"github.com/slok/sbxd/internal/storage"
)

// ManagerConfig is the configuration for the volume manager.
type ManagerConfig struct {
	Repository storage.VolumeRepository
	Runtime    runtime.Runtime
	// Root is the host directory where local volumes live.
	Root   string
	Logger log.Logger
	Now    func() time.Time
}

func (c *ManagerConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}

	if c.Runtime == nil {
		return fmt.Errorf("runtime is required")
	}

	if c.Root == "" {
		return fmt.Errorf("volumes root is required")
	}

	if c.Now == nil {
		c.Now = time.Now
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "volume.Manager"})

	return nil
}

// Manager owns the volume records and the sandbox mount table.
type Manager struct {
	mu sync.Mutex
	// mounts indexes the mounts of each sandbox by mount path.
	mounts map[string]map[string]model.VolumeMount
	repo   storage.VolumeRepository
	rt     runtime.Runtime
	root   string
	logger log.Logger
	now    func() time.Time
}

// NewManager creates a new volume manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Manager{
		mounts: map[string]map[string]model.VolumeMount{},
		repo:   cfg.Repository,
		rt:     cfg.Runtime,
		root:   cfg.Root,
		logger: cfg.Logger,
		now:    cfg.Now,
	}, nil
}

// Ensure creates the volume if missing. Ensuring an existing volume returns it untouched,
// unless the driver differs.
func (m *Manager) Ensure(ctx context.Context, v model.Volume) (*model.Volume, error) {
	if err := model.ValidateVolumeName(v.Name); err != nil {
		return nil, err
	}
	if v.Driver == "" {
		v.Driver = model.DriverLocal
	}
	if v.SizeBytes < 0 {
		return nil, fmt.Errorf("volume size can't be negative: %w", model.ErrNotValid)
	}
	if v.MountPath != "" && !path.IsAbs(v.MountPath) {
		return nil, fmt.Errorf("default mount path %q must be absolute: %w", v.MountPath, model.ErrNotValid)
	}

	existing, err := m.repo.GetVolume(ctx, v.Name)
	switch {
	case err == nil:
		if existing.Driver != v.Driver {
			return nil, fmt.Errorf("volume %s exists with driver %s: %w", v.Name, existing.Driver, model.ErrAlreadyExists)
		}
		return existing, nil
	case !errors.Is(err, model.ErrNotFound):
		return nil, fmt.Errorf("could not get volume: %w", err)
	}

	if v.Local() {
		if err := os.MkdirAll(conventions.VolumeDir(m.root, v.Name), 0o755); err != nil {
			return nil, fmt.Errorf("could not create volume dir: %w", err)
		}
	} else {
		err := m.rt.CreateVolume(ctx, runtime.VolumeSpec{
			Name:      conventions.RuntimeVolumeName(v.Name),
			Driver:    v.Driver,
			SizeBytes: v.SizeBytes,
			Labels: map[string]string{
				conventions.LabelManaged: "true",
				conventions.LabelVolume:  v.Name,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("could not create runtime volume: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Lost a concurrent ensure.
	if existing, err := m.repo.GetVolume(ctx, v.Name); err == nil {
		return existing, nil
	}

	v.Mounters = nil
	v.CreatedAt = m.now().UTC()
	if err := m.repo.UpsertVolume(ctx, v); err != nil {
		return nil, fmt.Errorf("could not store volume: %w", err)
	}
	m.logger.Infof("Volume %s created (driver: %s)", v.Name, v.Driver)

	return &v, nil
}

// Get returns a volume.
func (m *Manager) Get(ctx context.Context, name string) (*model.Volume, error) {
	return m.repo.GetVolume(ctx, name)
}

// List returns all the volumes.
func (m *Manager) List(ctx context.Context) ([]model.Volume, error) {
	return m.repo.ListVolumes(ctx)
}

// Mount mounts a volume on a sandbox and returns the runtime mount to use.
// Missing volumes are created as local volumes. Mounting the same volume on the same path is a no-op.
func (m *Manager) Mount(ctx context.Context, sandboxID string, vm model.VolumeMount) (*runtime.Mount, error) {
	vol, err := m.repo.GetVolume(ctx, vm.Volume)
	if errors.Is(err, model.ErrNotFound) {
		vol, err = m.Ensure(ctx, model.Volume{Name: vm.Volume, MountPath: vm.MountPath})
	}
	if err != nil {
		return nil, err
	}

	if vm.MountPath == "" {
		vm.MountPath = vol.MountPath
	}
	if vm.Mode == "" {
		vm.Mode = model.MountModeRW
	}
	if err := vm.Validate(); err != nil {
		return nil, err
	}
	vm.MountPath = path.Clean(vm.MountPath)

	m.mu.Lock()
	defer m.mu.Unlock()

	mounts := m.mounts[sandboxID]
	if cur, ok := mounts[vm.MountPath]; ok {
		if cur.Volume != vm.Volume {
			return nil, fmt.Errorf("path %s already has volume %s: %w", vm.MountPath, cur.Volume, model.ErrMountConflict)
		}
		if cur.Mode == vm.Mode {
			return m.runtimeMount(*vol, cur), nil
		}
	}
	for p, cur := range mounts {
		if cur.Volume == vm.Volume && p != vm.MountPath {
			return nil, fmt.Errorf("volume %s already mounted at %s: %w", vm.Volume, p, model.ErrMountConflict)
		}
	}

	// Reload under the lock, mounters may have changed.
	vol, err = m.repo.GetVolume(ctx, vm.Volume)
	if err != nil {
		return nil, err
	}
	if !vol.HasMounter(sandboxID) {
		vol.Mounters = append(vol.Mounters, sandboxID)
		slices.Sort(vol.Mounters)
		if err := m.repo.UpsertVolume(ctx, *vol); err != nil {
			return nil, fmt.Errorf("could not store volume: %w", err)
		}
	}

	if mounts == nil {
		mounts = map[string]model.VolumeMount{}
		m.mounts[sandboxID] = mounts
	}
	mounts[vm.MountPath] = vm
	m.logger.Debugf("Volume %s mounted on sandbox %s at %s", vm.Volume, sandboxID, vm.MountPath)

	return m.runtimeMount(*vol, vm), nil
}

// Unmount unmounts a volume from a sandbox. Unmounting a volume that is not mounted is a no-op.
// The volume is kept even without mounters.
func (m *Manager) Unmount(ctx context.Context, sandboxID, volume string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.unmount(ctx, sandboxID, volume)
}

// UnmountAll unmounts every volume of a sandbox, it tries all of them before failing.
func (m *Manager) UnmountAll(ctx context.Context, sandboxID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, vm := range m.sandboxMounts(sandboxID) {
		if err := m.unmount(ctx, sandboxID, vm.Volume); err != nil {
			errs = append(errs, err)
		}
	}
	delete(m.mounts, sandboxID)

	return errors.Join(errs...)
}

func (m *Manager) unmount(ctx context.Context, sandboxID, volume string) error {
	for p, vm := range m.mounts[sandboxID] {
		if vm.Volume == volume {
			delete(m.mounts[sandboxID], p)
		}
	}
	if len(m.mounts[sandboxID]) == 0 {
		delete(m.mounts, sandboxID)
	}

	vol, err := m.repo.GetVolume(ctx, volume)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("could not get volume: %w", err)
	}
	if !vol.HasMounter(sandboxID) {
		return nil
	}

	vol.Mounters = slices.DeleteFunc(vol.Mounters, func(s string) bool { return s == sandboxID })
	if err := m.repo.UpsertVolume(ctx, *vol); err != nil {
		return fmt.Errorf("could not store volume: %w", err)
	}
	m.logger.Debugf("Volume %s unmounted from sandbox %s", volume, sandboxID)

	return nil
}

// Mounts returns the mounts of a sandbox sorted by mount path.
func (m *Manager) Mounts(sandboxID string) []model.VolumeMount {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sandboxMounts(sandboxID)
}

func (m *Manager) sandboxMounts(sandboxID string) []model.VolumeMount {
	mounts := m.mounts[sandboxID]
	res := make([]model.VolumeMount, 0, len(mounts))
	for _, p := range slices.Sorted(maps.Keys(mounts)) {
		res = append(res, mounts[p])
	}
	return res
}

// RuntimeMounts returns the runtime mounts of a sandbox sorted by mount path.
func (m *Manager) RuntimeMounts(ctx context.Context, sandboxID string) ([]runtime.Mount, error) {
	res := []runtime.Mount{}
	for _, vm := range m.Mounts(sandboxID) {
		vol, err := m.repo.GetVolume(ctx, vm.Volume)
		if err != nil {
			return nil, fmt.Errorf("could not get volume %s: %w", vm.Volume, err)
		}
		res = append(res, *m.runtimeMount(*vol, vm))
	}
	return res, nil
}

func (m *Manager) runtimeMount(v model.Volume, vm model.VolumeMount) *runtime.Mount {
	if v.Local() {
		return &runtime.Mount{
			Type:     runtime.MountTypeBind,
			Source:   conventions.VolumeDir(m.root, v.Name),
			Target:   vm.MountPath,
			ReadOnly: vm.ReadOnly(),
		}
	}

	return &runtime.Mount{
		Type:     runtime.MountTypeVolume,
		Source:   conventions.RuntimeVolumeName(v.Name),
		Target:   vm.MountPath,
		ReadOnly: vm.ReadOnly(),
	}
}

// Delete deletes a volume and its data, it requires the volume to have no mounters.
func (m *Manager) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	vol, err := m.repo.GetVolume(ctx, name)
	if err != nil {
		return err
	}
	if len(vol.Mounters) > 0 {
		return fmt.Errorf("volume %s is mounted by %d sandboxes: %w", name, len(vol.Mounters), model.ErrInvalidState)
	}

	if vol.Local() {
		if err := os.RemoveAll(conventions.VolumeDir(m.root, name)); err != nil {
			return fmt.Errorf("could not remove volume dir: %w", err)
		}
	} else {
		if err := m.rt.RemoveVolume(ctx, conventions.RuntimeVolumeName(name)); err != nil {
			return fmt.Errorf("could not remove runtime volume: %w", err)
		}
	}

	if err := m.repo.DeleteVolume(ctx, name); err != nil && !errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("could not delete volume: %w", err)
	}
	m.logger.Infof("Volume %s deleted", name)

	return nil
}

// Rehydrate rebuilds the mount table from the live sandboxes and drops the mounters
// that no longer exist.
func (m *Manager) Rehydrate(ctx context.Context, sandboxes []model.Sandbox) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.mounts = map[string]map[string]model.VolumeMount{}
	mounters := map[string][]string{}
	for _, s := range sandboxes {
		if s.State.Terminal() {
			continue
		}
		for _, vm := range s.Volumes {
			if m.mounts[s.ID] == nil {
				m.mounts[s.ID] = map[string]model.VolumeMount{}
			}
			m.mounts[s.ID][path.Clean(vm.MountPath)] = vm
			mounters[vm.Volume] = append(mounters[vm.Volume], s.ID)
		}
	}

	vols, err := m.repo.ListVolumes(ctx)
	if err != nil {
		return fmt.Errorf("could not list volumes: %w", err)
	}
	for _, v := range vols {
		want := mounters[v.Name]
		slices.Sort(want)
		want = slices.Compact(want)
		if slices.Equal(want, v.Mounters) || (len(want) == 0 && len(v.Mounters) == 0) {
			continue
		}

		v.Mounters = want
		if err := m.repo.UpsertVolume(ctx, v); err != nil {
			return fmt.Errorf("could not store volume %s: %w", v.Name, err)
		}
		m.logger.Warningf("Volume %s mounters reconciled: %v", v.Name, want)
	}

	return nil
}
