package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/slok/sbxd/internal/model"
)

// Create creates a sandbox and runs it. The spec is validated before anything is claimed,
// a failed create releases what it claimed and leaves the sandbox in error.
func (o *Orchestrator) Create(ctx context.Context, spec model.SandboxSpec) (model.Sandbox, error) {
	// 1. Validate.
	spec = o.withDefaults(spec)
	if err := spec.Validate(o.limits); err != nil {
		return model.Sandbox{}, model.NewOpError("create", "", err)
	}
	if err := o.ports.Validate(pinnedPorts(spec.Ports)...); err != nil {
		return model.Sandbox{}, model.NewOpError("create", "", err)
	}

	// 2. Register, the owner quota is checked here.
	sb, err := o.reg.Create(ctx, spec)
	if err != nil {
		return model.Sandbox{}, model.NewOpError("create", "", err)
	}

	ctx, cancel := context.WithTimeout(ctx, o.opTO)
	defer cancel()
	unlock, err := o.locks.Lock(ctx, sb.ID)
	if err != nil {
		o.fail(ctx, sb.ID, err)
		return model.Sandbox{}, model.NewOpError("create", sb.ID, err)
	}
	defer unlock()

	// 3. Provision.
	c := &creation{o: o, sb: sb}
	if err := c.run(ctx); err != nil {
		c.rollback(ctx, err)
		return model.Sandbox{}, model.NewOpError("create", sb.ID, err)
	}

	o.logger.Infof("Sandbox %s running (ports: %s)", c.sb.ID, portsLabel(c.sb.Ports))
	return c.sb, nil
}

func (o *Orchestrator) withDefaults(spec model.SandboxSpec) model.SandboxSpec {
	spec = spec.Clone()
	if spec.Owner == "" {
		spec.Owner = model.DefaultOwner
	}
	if spec.Resources.CPU == 0 {
		spec.Resources.CPU = o.defRes.CPU
	}
	if spec.Resources.MemoryBytes == 0 {
		spec.Resources.MemoryBytes = o.defRes.MemoryBytes
	}
	if spec.Resources.Timeout == 0 {
		spec.Resources.Timeout = o.defRes.Timeout
	}
	for i := range spec.Ports {
		if spec.Ports[i].Protocol == "" {
			spec.Ports[i].Protocol = model.ProtocolHTTP
		}
	}
	for i := range spec.Volumes {
		if spec.Volumes[i].Mode == "" {
			spec.Volumes[i].Mode = model.MountModeRW
		}
	}
	return spec
}

// creation tracks what a create has claimed so it can be rolled back.
type creation struct {
	o           *Orchestrator
	sb          model.Sandbox
	ports       []int
	mounted     bool
	containerID string
	published   bool
}

func (c *creation) run(ctx context.Context) error {
	o := c.o

	if err := c.allocatePorts(); err != nil {
		return err
	}

	for _, vm := range c.sb.Spec.Volumes {
		c.mounted = true
		if _, err := o.volumes.Mount(ctx, c.sb.ID, vm); err != nil {
			return fmt.Errorf("could not mount volume %s: %w", vm.Volume, err)
		}
	}

	sb, err := o.reg.Update(ctx, c.sb.ID, func(s *model.Sandbox) error {
		s.Ports = c.sb.Ports
		s.Volumes = o.volumes.Mounts(s.ID)
		return nil
	})
	if err != nil {
		return err
	}
	c.sb = sb

	if err := o.images.Ensure(ctx, sb.Spec.Image, sb.Spec.Build); err != nil {
		return fmt.Errorf("could not get image %s: %w", sb.Spec.Image, err)
	}

	if o.limits.NetworkEnabled && o.isolation {
		if err := o.rt.EnsureNetwork(ctx, o.network); err != nil {
			return fmt.Errorf("could not ensure network %s: %w", o.network, err)
		}
	}

	cid, err := o.startContainer(ctx, sb, true)
	if err != nil {
		return err
	}
	c.containerID = cid

	startedAt := o.now().UTC()
	sb, err = o.reg.Update(ctx, sb.ID, func(s *model.Sandbox) error {
		s.ContainerID = cid
		s.StartedAt = &startedAt
		s.LastActiveAt = startedAt
		return nil
	})
	if err != nil {
		return err
	}
	c.sb = sb

	c.published = true
	if err := o.proxy.Publish(ctx, sb); err != nil {
		return err
	}

	sb, err = o.setState(ctx, sb.ID, model.SandboxStateRunning)
	if err != nil {
		return err
	}
	c.sb = sb

	return nil
}

// allocatePorts claims the fixed external ports and allocates the rest, all or nothing.
func (c *creation) allocatePorts() error {
	o := c.o
	specs := c.sb.Spec.Ports
	if len(specs) == 0 {
		return nil
	}

	fixed := pinnedPorts(specs)
	if err := o.ports.Reserve(fixed...); err != nil {
		return err
	}
	claimed := fixed

	// The rest are allocated per protocol in declaration order.
	exts := make([]int, len(specs))
	pending := map[model.Protocol][]int{}
	var protocols []model.Protocol
	for i, p := range specs {
		exts[i] = p.External
		if p.External != 0 {
			continue
		}
		if _, ok := pending[p.Protocol]; !ok {
			protocols = append(protocols, p.Protocol)
		}
		pending[p.Protocol] = append(pending[p.Protocol], i)
	}
	for _, proto := range protocols {
		idxs := pending[proto]
		got, err := o.ports.Allocate(len(idxs), proto)
		if err != nil {
			o.ports.Release(claimed...)
			return err
		}
		claimed = append(claimed, got...)
		for j, i := range idxs {
			exts[i] = got[j]
		}
	}
	c.ports = claimed

	allocs := make([]model.PortAllocation, 0, len(specs))
	for i, p := range specs {
		ext := exts[i]
		sub := p.Subdomain
		if sub == "" && p.Protocol.Routed() {
			sub = model.DefaultSubdomain(c.sb.ID, p.Internal)
		}
		allocs = append(allocs, model.PortAllocation{
			External:  ext,
			Internal:  p.Internal,
			Protocol:  p.Protocol,
			SandboxID: c.sb.ID,
			Subdomain: sub,
		})
	}
	c.sb.Ports = allocs

	return nil
}

// rollback releases everything the creation claimed. Rollback failures are logged, the
// original cause is what gets recorded.
func (c *creation) rollback(ctx context.Context, cause error) {
	o := c.o
	id := c.sb.ID
	ctx = context.WithoutCancel(ctx)

	var errs []error
	if c.published {
		if err := o.proxy.Withdraw(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("withdraw routes: %w", err))
		}
	}
	if c.containerID != "" {
		if err := o.rt.Remove(ctx, c.containerID); err != nil {
			errs = append(errs, fmt.Errorf("remove container: %w", err))
		}
	}
	if c.mounted {
		if err := o.volumes.UnmountAll(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("unmount volumes: %w", err))
		}
	}
	o.ports.Release(c.ports...)

	if err := errors.Join(errs...); err != nil {
		o.logger.Errorf("Rollback of sandbox %s creation incomplete: %s", id, err)
	}

	_, err := o.reg.Update(ctx, id, func(s *model.Sandbox) error {
		s.State = model.SandboxStateError
		s.Error = cause.Error()
		s.Ports = nil
		s.Volumes = nil
		if len(errs) == 0 {
			s.ContainerID = ""
		}
		return nil
	})
	if err != nil {
		o.logger.Errorf("could not move sandbox %s to error: %s", id, err)
	}
	o.logger.Warningf("Sandbox %s creation failed: %s", id, cause)
}

// pinnedPorts returns the external ports the spec asks for explicitly.
func pinnedPorts(specs []model.PortSpec) []int {
	var ports []int
	for _, p := range specs {
		if p.External != 0 {
			ports = append(ports, p.External)
		}
	}
	return ports
}
