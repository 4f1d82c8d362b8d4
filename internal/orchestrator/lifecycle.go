package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/slok/sbxd/internal/model"
)

// Stop stops a running sandbox. Ports and volumes are kept, routes are withdrawn.
func (o *Orchestrator) Stop(ctx context.Context, id string) (model.Sandbox, error) {
	ctx, sb, done, err := o.begin(ctx, id)
	if err != nil {
		return model.Sandbox{}, model.NewOpError("stop", id, err)
	}
	defer done()

	if err := requireState(sb, model.SandboxStateRunning); err != nil {
		return model.Sandbox{}, model.NewOpError("stop", id, err)
	}

	sb, err = o.stop(ctx, sb)
	if err != nil {
		o.fail(ctx, id, err)
		return model.Sandbox{}, model.NewOpError("stop", id, err)
	}

	o.logger.Infof("Sandbox %s stopped", id)
	return sb, nil
}

func (o *Orchestrator) stop(ctx context.Context, sb model.Sandbox) (model.Sandbox, error) {
	if _, err := o.setState(ctx, sb.ID, model.SandboxStateStopping); err != nil {
		return model.Sandbox{}, err
	}

	if err := o.proxy.Withdraw(ctx, sb.ID); err != nil {
		return model.Sandbox{}, err
	}

	if err := o.rt.Stop(ctx, sb.ContainerID, o.stopTO); err != nil {
		return model.Sandbox{}, fmt.Errorf("could not stop container: %w", err)
	}

	now := o.now().UTC()
	return o.reg.Update(ctx, sb.ID, func(s *model.Sandbox) error {
		s.State = model.SandboxStateStopped
		s.LastActiveAt = now
		return nil
	})
}

// Start starts a stopped sandbox and publishes its routes again.
func (o *Orchestrator) Start(ctx context.Context, id string) (model.Sandbox, error) {
	ctx, sb, done, err := o.begin(ctx, id)
	if err != nil {
		return model.Sandbox{}, model.NewOpError("start", id, err)
	}
	defer done()

	if err := requireState(sb, model.SandboxStateStopped); err != nil {
		return model.Sandbox{}, model.NewOpError("start", id, err)
	}

	sb, err = o.start(ctx, sb)
	if err != nil {
		o.fail(ctx, id, err)
		return model.Sandbox{}, model.NewOpError("start", id, err)
	}

	o.logger.Infof("Sandbox %s started", id)
	return sb, nil
}

func (o *Orchestrator) start(ctx context.Context, sb model.Sandbox) (model.Sandbox, error) {
	if err := o.rt.Start(ctx, sb.ContainerID); err != nil {
		return model.Sandbox{}, fmt.Errorf("could not start container: %w", err)
	}

	if err := o.proxy.Publish(ctx, sb); err != nil {
		return model.Sandbox{}, err
	}

	now := o.now().UTC()
	return o.reg.Update(ctx, sb.ID, func(s *model.Sandbox) error {
		s.State = model.SandboxStateRunning
		s.StartedAt = &now
		s.LastActiveAt = now
		return nil
	})
}

// Restart stops the sandbox if it's running and starts it.
func (o *Orchestrator) Restart(ctx context.Context, id string) (model.Sandbox, error) {
	ctx, sb, done, err := o.begin(ctx, id)
	if err != nil {
		return model.Sandbox{}, model.NewOpError("restart", id, err)
	}
	defer done()

	if err := requireState(sb, model.SandboxStateRunning, model.SandboxStateStopped); err != nil {
		return model.Sandbox{}, model.NewOpError("restart", id, err)
	}

	if sb.State == model.SandboxStateRunning {
		sb, err = o.stop(ctx, sb)
		if err != nil {
			o.fail(ctx, id, err)
			return model.Sandbox{}, model.NewOpError("restart", id, err)
		}
	}

	sb, err = o.start(ctx, sb)
	if err != nil {
		o.fail(ctx, id, err)
		return model.Sandbox{}, model.NewOpError("restart", id, err)
	}

	o.logger.Infof("Sandbox %s restarted", id)
	return sb, nil
}

// Delete removes a sandbox from any non terminal state. Resources are released even when a
// step fails, in that case the sandbox stays in error so a later delete can finish the job.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	ctx, sb, done, err := o.begin(ctx, id)
	if err != nil {
		return model.NewOpError("delete", id, err)
	}
	defer done()

	if sb.State.Terminal() {
		return model.NewOpError("delete", id, fmt.Errorf("sandbox %s: %w", id, model.ErrNotFound))
	}

	if _, err := o.setState(ctx, id, model.SandboxStateRemoving); err != nil {
		return model.NewOpError("delete", id, err)
	}

	var errs []error
	if err := o.proxy.Withdraw(ctx, id); err != nil {
		errs = append(errs, fmt.Errorf("withdraw routes: %w", err))
	}

	containerRemoved := true
	if sb.ContainerID != "" {
		if err := o.rt.Remove(ctx, sb.ContainerID); err != nil {
			containerRemoved = false
			errs = append(errs, fmt.Errorf("remove container: %w", err))
		}
	}

	// Best effort from here on, the deadline may already be gone.
	bctx := context.WithoutCancel(ctx)
	o.ports.Release(sb.ExternalPorts()...)
	if err := o.volumes.UnmountAll(bctx, id); err != nil {
		errs = append(errs, fmt.Errorf("unmount volumes: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		_, uerr := o.reg.Update(bctx, id, func(s *model.Sandbox) error {
			s.State = model.SandboxStateError
			s.Error = err.Error()
			s.Ports = nil
			s.Volumes = nil
			if containerRemoved {
				s.ContainerID = ""
			}
			return nil
		})
		if uerr != nil {
			o.logger.Errorf("could not move sandbox %s to error: %s", id, uerr)
		}
		return model.NewOpError("delete", id, err)
	}

	_, err = o.reg.Update(bctx, id, func(s *model.Sandbox) error {
		s.State = model.SandboxStateTerminated
		s.Error = ""
		s.ContainerID = ""
		s.Ports = nil
		s.Volumes = nil
		return nil
	})
	if err != nil {
		return model.NewOpError("delete", id, err)
	}

	if err := o.reg.Delete(bctx, id); err != nil {
		return model.NewOpError("delete", id, err)
	}

	o.logger.Infof("Sandbox %s deleted", id)
	return nil
}

// MarkError moves a non terminal sandbox to error keeping its resources.
func (o *Orchestrator) MarkError(ctx context.Context, id, detail string) error {
	ctx, sb, done, err := o.begin(ctx, id)
	if err != nil {
		return model.NewOpError("mark-error", id, err)
	}
	defer done()

	if sb.State.Terminal() || sb.State == model.SandboxStateError {
		return nil
	}

	if _, err := o.reg.SetState(ctx, id, model.SandboxStateError, detail); err != nil {
		return model.NewOpError("mark-error", id, err)
	}
	o.logger.Warningf("Sandbox %s moved to error: %s", id, detail)

	return nil
}
