package orchestrator

import (
	"context"
	"fmt"

	"github.com/slok/sbxd/internal/conventions"
	"github.com/slok/sbxd/internal/model"
	"github.com/slok/sbxd/internal/registry"
)

// Rehydrate loads the stored sandboxes and rebuilds the port, volume and route tables.
// Sandboxes interrupted in the middle of a transition end in error.
func (o *Orchestrator) Rehydrate(ctx context.Context) error {
	sbs, err := o.reg.Load(ctx)
	if err != nil {
		return fmt.Errorf("could not load sandboxes: %w", err)
	}

	for _, sb := range sbs {
		if sb.State.Transient() {
			o.fail(ctx, sb.ID, fmt.Errorf("interrupted while %s", sb.State))
		}

		if err := o.ports.Reserve(sb.ExternalPorts()...); err != nil {
			o.logger.Errorf("could not reserve ports of sandbox %s: %s", sb.ID, err)
			// None of its ports are held, so a later delete must not release them.
			_, err := o.reg.Update(ctx, sb.ID, func(s *model.Sandbox) error {
				s.State = model.SandboxStateError
				s.Error = fmt.Sprintf("could not reserve ports: %s", err)
				s.Ports = nil
				return nil
			})
			if err != nil {
				o.logger.Errorf("could not move sandbox %s to error: %s", sb.ID, err)
			}
		}
	}

	if err := o.volumes.Rehydrate(ctx, sbs); err != nil {
		return fmt.Errorf("could not rehydrate volumes: %w", err)
	}

	running := o.reg.List(registry.ListFilter{States: []model.SandboxState{model.SandboxStateRunning}})
	if err := o.proxy.Restore(ctx, running); err != nil {
		return fmt.Errorf("could not restore routes: %w", err)
	}

	o.logger.Infof("Rehydrated %d sandboxes (%d running)", len(sbs), len(running))
	return nil
}

// ReclaimOrphans removes the managed containers whose sandbox is unknown and returns how many
// were removed.
func (o *Orchestrator) ReclaimOrphans(ctx context.Context) (int, error) {
	cs, err := o.rt.List(ctx, map[string]string{conventions.LabelManaged: "true"})
	if err != nil {
		return 0, fmt.Errorf("could not list containers: %w", err)
	}

	n := 0
	for _, c := range cs {
		id := c.Labels[conventions.LabelSandboxID]
		// Containers of an in flight transition aren't recorded yet.
		if sb, err := o.reg.Get(id); err == nil && (sb.ContainerID == c.ID || sb.State.Transient()) {
			continue
		}

		if err := o.rt.Remove(ctx, c.ID); err != nil {
			o.logger.Warningf("could not remove orphan container %s: %s", c.Name, err)
			continue
		}
		n++
		o.logger.Infof("Removed orphan container %s", c.Name)
	}

	return n, nil
}
