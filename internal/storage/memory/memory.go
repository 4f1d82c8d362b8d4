package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/slok/sbxd/internal/log"
	"github.com/slok/sbxd/internal/model"
)

// RepositoryConfig is the configuration for the memory repository.
type RepositoryConfig struct {
	Logger log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.Memory"})
	return nil
}

// Repository is an in-memory implementation of storage.Repository.
type Repository struct {
	sandboxes map[string]model.Sandbox
	volumes   map[string]model.Volume
	mu        sync.RWMutex
	logger    log.Logger
}

// NewRepository creates a new memory repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Repository{
		sandboxes: make(map[string]model.Sandbox),
		volumes:   make(map[string]model.Volume),
		logger:    cfg.Logger,
	}, nil
}

// UpsertSandbox creates or replaces a sandbox.
func (r *Repository) UpsertSandbox(ctx context.Context, s model.Sandbox) error {
	if s.ID == "" {
		return fmt.Errorf("sandbox id is required: %w", model.ErrNotValid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sandboxes[s.ID] = s.Clone()
	r.logger.Debugf("Upserted sandbox in repository: %s", s.ID)

	return nil
}

// GetSandbox retrieves a sandbox by ID.
func (r *Repository) GetSandbox(ctx context.Context, id string) (*model.Sandbox, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sandbox, ok := r.sandboxes[id]
	if !ok {
		return nil, fmt.Errorf("sandbox %s: %w", id, model.ErrNotFound)
	}

	c := sandbox.Clone()
	return &c, nil
}

// ListSandboxes returns all sandboxes, oldest first.
func (r *Repository) ListSandboxes(ctx context.Context) ([]model.Sandbox, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sandboxes := make([]model.Sandbox, 0, len(r.sandboxes))
	for _, sandbox := range r.sandboxes {
		sandboxes = append(sandboxes, sandbox.Clone())
	}
	slices.SortFunc(sandboxes, func(a, b model.Sandbox) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})

	return sandboxes, nil
}

// DeleteSandbox deletes a sandbox.
func (r *Repository) DeleteSandbox(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sandboxes[id]; !ok {
		return fmt.Errorf("sandbox %s: %w", id, model.ErrNotFound)
	}

	delete(r.sandboxes, id)
	r.logger.Debugf("Deleted sandbox from repository: %s", id)

	return nil
}

// UpsertVolume creates or replaces a volume.
func (r *Repository) UpsertVolume(ctx context.Context, v model.Volume) error {
	if v.Name == "" {
		return fmt.Errorf("volume name is required: %w", model.ErrNotValid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.volumes[v.Name] = v.Clone()
	r.logger.Debugf("Upserted volume in repository: %s", v.Name)

	return nil
}

// GetVolume retrieves a volume by name.
func (r *Repository) GetVolume(ctx context.Context, name string) (*model.Volume, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.volumes[name]
	if !ok {
		return nil, fmt.Errorf("volume %s: %w", name, model.ErrNotFound)
	}

	c := v.Clone()
	return &c, nil
}

// ListVolumes returns all volumes sorted by name.
func (r *Repository) ListVolumes(ctx context.Context) ([]model.Volume, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	volumes := make([]model.Volume, 0, len(r.volumes))
	for _, v := range r.volumes {
		volumes = append(volumes, v.Clone())
	}
	slices.SortFunc(volumes, func(a, b model.Volume) int { return cmp.Compare(a.Name, b.Name) })

	return volumes, nil
}

// DeleteVolume deletes a volume.
func (r *Repository) DeleteVolume(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.volumes[name]; !ok {
		return fmt.Errorf("volume %s: %w", name, model.ErrNotFound)
	}

	delete(r.volumes, name)
	r.logger.Debugf("Deleted volume from repository: %s", name)

	return nil
}
