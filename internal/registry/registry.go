package registry

import (
	"cmp"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/slok/sbxd/internal/log"
	"github.com/slok/sbxd/internal/model"
	"github.com/slok/sbxd/internal/storage"
)

// RegistryConfig is the configuration for the sandbox registry.
type RegistryConfig struct {
	Repository storage.SandboxRepository
	// MaxPerOwner caps the non terminated sandboxes an owner can have.
	MaxPerOwner int
	Logger      log.Logger
	// Now is used for timestamps, defaults to time.Now.
	Now func() time.Time
}

func (c *RegistryConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}

	if c.MaxPerOwner <= 0 {
		return fmt.Errorf("max per owner must be positive")
	}

	if c.Now == nil {
		c.Now = time.Now
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "registry.Registry"})

	return nil
}

type entry struct {
	mu sync.Mutex
	sb model.Sandbox
}

// Registry is the authoritative map of sandboxes.
// Every change is persisted before it becomes visible.
type Registry struct {
	entries     cmap.ConcurrentMap[string, *entry]
	createMu    sync.Mutex
	repo        storage.SandboxRepository
	maxPerOwner int
	now         func() time.Time
	logger      log.Logger
}

// NewRegistry returns a new registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Registry{
		entries:     cmap.New[*entry](),
		repo:        cfg.Repository,
		maxPerOwner: cfg.MaxPerOwner,
		now:         cfg.Now,
		logger:      cfg.Logger,
	}, nil
}

// Create registers a new sandbox in creating state.
// The owner quota check and the insertion are atomic.
func (r *Registry) Create(ctx context.Context, spec model.SandboxSpec) (model.Sandbox, error) {
	if spec.Owner == "" {
		spec.Owner = model.DefaultOwner
	}

	r.createMu.Lock()
	defer r.createMu.Unlock()

	if n := r.countActive(spec.Owner); n >= r.maxPerOwner {
		return model.Sandbox{}, fmt.Errorf("owner %s has %d sandboxes (max %d): %w", spec.Owner, n, r.maxPerOwner, model.ErrQuotaExceeded)
	}

	now := r.now().UTC()
	sb := model.Sandbox{
		ID:           ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		Owner:        spec.Owner,
		Spec:         spec.Clone(),
		State:        model.SandboxStateCreating,
		CreatedAt:    now,
		LastActiveAt: now,
		UpdatedAt:    now,
	}

	if err := r.repo.UpsertSandbox(ctx, sb); err != nil {
		return model.Sandbox{}, fmt.Errorf("could not persist sandbox: %w", err)
	}
	r.entries.Set(sb.ID, &entry{sb: sb})
	r.logger.Debugf("Registered sandbox %s for owner %s", sb.ID, sb.Owner)

	return sb.Clone(), nil
}

func (r *Registry) countActive(owner string) int {
	n := 0
	for _, e := range r.entries.Items() {
		e.mu.Lock()
		if e.sb.Owner == owner && !e.sb.State.Terminal() {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// CountActive returns the non terminated sandboxes of an owner.
func (r *Registry) CountActive(owner string) int { return r.countActive(owner) }

// Get returns a copy of a sandbox.
func (r *Registry) Get(id string) (model.Sandbox, error) {
	e, ok := r.entries.Get(id)
	if !ok {
		return model.Sandbox{}, fmt.Errorf("sandbox %s: %w", id, model.ErrNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sb.Clone(), nil
}

// Mutator changes a sandbox in place, returning an error aborts the update.
type Mutator func(s *model.Sandbox) error

// Update applies a read-modify-write on a sandbox and persists the result.
// When the mutator or the persistence fails the sandbox is left untouched.
func (r *Registry) Update(ctx context.Context, id string, mutate Mutator) (model.Sandbox, error) {
	e, ok := r.entries.Get(id)
	if !ok {
		return model.Sandbox{}, fmt.Errorf("sandbox %s: %w", id, model.ErrNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	sb := e.sb.Clone()
	if err := mutate(&sb); err != nil {
		return model.Sandbox{}, err
	}
	if sb.ID != id {
		return model.Sandbox{}, fmt.Errorf("sandbox id can't change: %w", model.ErrNotValid)
	}
	sb.UpdatedAt = r.now().UTC()

	if err := r.repo.UpsertSandbox(ctx, sb); err != nil {
		return model.Sandbox{}, fmt.Errorf("could not persist sandbox: %w", err)
	}
	e.sb = sb

	return sb.Clone(), nil
}

// SetState moves a sandbox to a state, an error detail is only kept in error state.
func (r *Registry) SetState(ctx context.Context, id string, state model.SandboxState, detail string) (model.Sandbox, error) {
	return r.Update(ctx, id, func(s *model.Sandbox) error {
		s.State = state
		s.Error = ""
		if state == model.SandboxStateError {
			s.Error = detail
		}
		return nil
	})
}

// Touch marks activity on a sandbox.
func (r *Registry) Touch(ctx context.Context, id string) error {
	_, err := r.Update(ctx, id, func(s *model.Sandbox) error {
		s.LastActiveAt = r.now().UTC()
		return nil
	})
	return err
}

// ListFilter filters listed sandboxes, empty fields match everything.
type ListFilter struct {
	States []model.SandboxState
	Owner  string
}

func (f ListFilter) match(s model.Sandbox) bool {
	if len(f.States) > 0 && !slices.Contains(f.States, s.State) {
		return false
	}
	if f.Owner != "" && f.Owner != s.Owner {
		return false
	}
	return true
}

// List returns copies of the sandboxes matching the filter, oldest first.
func (r *Registry) List(f ListFilter) []model.Sandbox {
	var res []model.Sandbox
	for _, e := range r.entries.Items() {
		e.mu.Lock()
		if f.match(e.sb) {
			res = append(res, e.sb.Clone())
		}
		e.mu.Unlock()
	}

	slices.SortFunc(res, func(a, b model.Sandbox) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return res
}

// Delete removes a terminated sandbox.
func (r *Registry) Delete(ctx context.Context, id string) error {
	e, ok := r.entries.Get(id)
	if !ok {
		return fmt.Errorf("sandbox %s: %w", id, model.ErrNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.sb.State.Terminal() {
		return fmt.Errorf("sandbox %s is %s: %w", id, e.sb.State, model.ErrInvalidState)
	}

	err := r.repo.DeleteSandbox(ctx, id)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("could not delete sandbox: %w", err)
	}
	r.entries.Remove(id)
	r.logger.Debugf("Removed sandbox %s from registry", id)

	return nil
}

// Load rehydrates the registry from the repository.
// Terminated leftovers are purged and never loaded.
func (r *Registry) Load(ctx context.Context) ([]model.Sandbox, error) {
	all, err := r.repo.ListSandboxes(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not list sandboxes: %w", err)
	}

	var loaded []model.Sandbox
	for _, sb := range all {
		if sb.State.Terminal() {
			if err := r.repo.DeleteSandbox(ctx, sb.ID); err != nil && !errors.Is(err, model.ErrNotFound) {
				r.logger.Warningf("could not purge terminated sandbox %s: %s", sb.ID, err)
			}
			continue
		}

		r.entries.Set(sb.ID, &entry{sb: sb.Clone()})
		loaded = append(loaded, sb.Clone())
	}

	r.logger.Infof("Loaded %d sandboxes from storage", len(loaded))
	return loaded, nil
}
