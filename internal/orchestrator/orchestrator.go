package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/slok/sbxd/internal/conventions"
	"github.com/slok/sbxd/internal/log"
	"github.com/slok/sbxd/internal/model"
	"github.com/slok/sbxd/internal/port"
	"github.com/slok/sbxd/internal/registry"
	"github.com/slok/sbxd/internal/runtime"
	"github.com/slok/sbxd/internal/volume"
)

// ImageEnsurer makes an image available on the runtime, pulling or building it.
type ImageEnsurer interface {
	Ensure(ctx context.Context, ref string, build *model.BuildSpec) error
}

// RouteRegistrar publishes the sandbox routes on the reverse proxy.
type RouteRegistrar interface {
	Publish(ctx context.Context, sb model.Sandbox) error
	Withdraw(ctx context.Context, sandboxID string) error
	Restore(ctx context.Context, sbs []model.Sandbox) error
	URLs(sb model.Sandbox) map[int]string
}

// OrchestratorConfig is the configuration for the orchestrator.
type OrchestratorConfig struct {
	Registry *registry.Registry
	Ports    *port.Allocator
	Volumes  *volume.Manager
	Proxy    RouteRegistrar
	Images   ImageEnsurer
	Runtime  runtime.Runtime
	// Limits are the resource limits sandbox specs are validated against.
	Limits model.Limits
	// DefaultResources fill the resources a spec leaves unset.
	DefaultResources model.Resources
	// Network is the proxy network the sandbox containers join.
	Network string
	// NetworkIsolation keeps the containers out of the default bridge network.
	NetworkIsolation bool
	StopTimeout      time.Duration
	// OperationTimeout bounds every lifecycle operation, a sandbox exceeding it ends in error.
	OperationTimeout time.Duration
	Logger           log.Logger
	Now              func() time.Time
}

func (c *OrchestratorConfig) defaults() error {
	if c.Registry == nil {
		return fmt.Errorf("registry is required")
	}

	if c.Ports == nil {
		return fmt.Errorf("port allocator is required")
	}

	if c.Volumes == nil {
		return fmt.Errorf("volume manager is required")
	}

	if c.Proxy == nil {
		return fmt.Errorf("proxy registrar is required")
	}

	if c.Images == nil {
		return fmt.Errorf("image manager is required")
	}

	if c.Runtime == nil {
		return fmt.Errorf("runtime is required")
	}

	if c.Limits.NetworkEnabled && c.Network == "" {
		c.Network = "traefik-net"
	}

	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}

	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 2 * time.Minute
	}

	if c.Now == nil {
		c.Now = time.Now
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "orchestrator.Orchestrator"})

	return nil
}

// Orchestrator drives the sandbox lifecycle state machine. Operations on the same sandbox
// are serialized, different sandboxes progress in parallel.
type Orchestrator struct {
	reg       *registry.Registry
	ports     *port.Allocator
	volumes   *volume.Manager
	proxy     RouteRegistrar
	images    ImageEnsurer
	rt        runtime.Runtime
	locks     *keyedLocker
	limits    model.Limits
	defRes    model.Resources
	network   string
	isolation bool
	stopTO    time.Duration
	opTO      time.Duration
	logger    log.Logger
	now       func() time.Time
}

// New returns a new orchestrator.
func New(cfg OrchestratorConfig) (*Orchestrator, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Orchestrator{
		reg:       cfg.Registry,
		ports:     cfg.Ports,
		volumes:   cfg.Volumes,
		proxy:     cfg.Proxy,
		images:    cfg.Images,
		rt:        cfg.Runtime,
		locks:     newKeyedLocker(),
		limits:    cfg.Limits,
		defRes:    cfg.DefaultResources,
		network:   cfg.Network,
		isolation: cfg.NetworkIsolation,
		stopTO:    cfg.StopTimeout,
		opTO:      cfg.OperationTimeout,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}, nil
}

// Get returns a sandbox.
func (o *Orchestrator) Get(id string) (model.Sandbox, error) {
	return o.reg.Get(id)
}

// List returns the sandboxes matching the filter.
func (o *Orchestrator) List(f registry.ListFilter) []model.Sandbox {
	return o.reg.List(f)
}

// URLs returns the public URL of every sandbox port, by internal port.
func (o *Orchestrator) URLs(id string) (map[int]string, error) {
	sb, err := o.reg.Get(id)
	if err != nil {
		return nil, model.NewOpError("urls", id, err)
	}
	return o.proxy.URLs(sb), nil
}

// begin looks up the sandbox, takes its lock and bounds the operation with the operation timeout.
func (o *Orchestrator) begin(ctx context.Context, id string) (context.Context, model.Sandbox, func(), error) {
	if _, err := o.reg.Get(id); err != nil {
		return nil, model.Sandbox{}, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, o.opTO)
	unlock, err := o.locks.Lock(ctx, id)
	if err != nil {
		cancel()
		return nil, model.Sandbox{}, nil, err
	}
	done := func() {
		unlock()
		cancel()
	}

	// The sandbox may be gone while waiting for the lock.
	sb, err := o.reg.Get(id)
	if err != nil {
		done()
		return nil, model.Sandbox{}, nil, err
	}

	return ctx, sb, done, nil
}

// fail moves a sandbox to error. It runs detached from the operation context so an expired
// deadline still gets recorded.
func (o *Orchestrator) fail(ctx context.Context, id string, cause error) {
	ctx = context.WithoutCancel(ctx)
	if _, err := o.reg.SetState(ctx, id, model.SandboxStateError, cause.Error()); err != nil {
		o.logger.Errorf("could not move sandbox %s to error: %s", id, err)
		return
	}
	o.logger.Warningf("Sandbox %s moved to error: %s", id, cause)
}

// setState records a transition, failures move the sandbox to error.
func (o *Orchestrator) setState(ctx context.Context, id string, state model.SandboxState) (model.Sandbox, error) {
	sb, err := o.reg.SetState(ctx, id, state, "")
	if err != nil {
		return model.Sandbox{}, fmt.Errorf("could not set state %s: %w", state, err)
	}
	return sb, nil
}

func requireState(sb model.Sandbox, states ...model.SandboxState) error {
	for _, s := range states {
		if sb.State == s {
			return nil
		}
	}
	return fmt.Errorf("sandbox is %s, expected %v: %w", sb.State, states, model.ErrInvalidState)
}

// containerSpec returns the runtime spec of a sandbox container.
func (o *Orchestrator) containerSpec(sb model.Sandbox, mounts []runtime.Mount) runtime.ContainerSpec {
	spec := runtime.ContainerSpec{
		Name:       sb.ContainerName(),
		Image:      sb.Spec.Image,
		Entrypoint: sb.Spec.Entrypoint,
		Command:    sb.Spec.Command,
		Env:        sb.Spec.Env,
		Labels: map[string]string{
			conventions.LabelManaged:   "true",
			conventions.LabelSandboxID: sb.ID,
			conventions.LabelOwner:     sb.Owner,
		},
		CPU:         sb.Spec.Resources.CPU,
		MemoryBytes: sb.Spec.Resources.MemoryBytes,
		GPU:         sb.Spec.Resources.GPU,
		MaxRetries:  sb.Spec.Resources.MaxRetries,
		Mounts:      mounts,
	}

	for _, p := range sb.Ports {
		spec.Ports = append(spec.Ports, runtime.PortBinding{
			HostPort:      p.External,
			ContainerPort: p.Internal,
			Transport:     p.Protocol.Transport(),
		})
	}

	switch {
	case !o.limits.NetworkEnabled:
		spec.Network = runtime.NetworkModeNone
	case o.isolation:
		spec.Network = o.network
	}

	return spec
}

// startContainer creates and starts the sandbox container, a container left behind by a failed
// start is removed.
func (o *Orchestrator) startContainer(ctx context.Context, sb model.Sandbox, run bool) (string, error) {
	mounts, err := o.volumes.RuntimeMounts(ctx, sb.ID)
	if err != nil {
		return "", err
	}

	cid, err := o.rt.Create(ctx, o.containerSpec(sb, mounts))
	if err != nil {
		return "", fmt.Errorf("could not create container: %w", err)
	}
	if !run {
		return cid, nil
	}

	if err := o.rt.Start(ctx, cid); err != nil {
		if rerr := o.rt.Remove(context.WithoutCancel(ctx), cid); rerr != nil {
			o.logger.Errorf("could not remove container %s after failed start: %s", cid, rerr)
		}
		return "", fmt.Errorf("could not start container: %w", err)
	}

	return cid, nil
}

func portsLabel(ps []model.PortAllocation) string {
	s := ""
	for i, p := range ps {
		if i > 0 {
			s += ","
		}
		s += strconv.Itoa(p.External) + "->" + strconv.Itoa(p.Internal) + "/" + string(p.Protocol)
	}
	return s
}
