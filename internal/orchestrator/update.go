package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/slok/sbxd/internal/model"
	"github.com/slok/sbxd/internal/utils/env"
)

// UpdateEnvironment changes the sandbox environment. The container is recreated keeping the
// sandbox ID, ports, routes and volumes.
func (o *Orchestrator) UpdateEnvironment(ctx context.Context, id string, vars map[string]string, mode model.EnvUpdateMode) (model.Sandbox, error) {
	return o.update(ctx, "update-environment", id, func(sb *model.Sandbox) error {
		newEnv, err := env.Apply(sb.Spec.Env, vars, mode)
		if err != nil {
			return err
		}
		sb.Spec.Env = newEnv
		return nil
	})
}

// UpdateEntrypoint replaces the entrypoint and the command, nil values are left untouched.
func (o *Orchestrator) UpdateEntrypoint(ctx context.Context, id string, entrypoint, command []string) (model.Sandbox, error) {
	return o.update(ctx, "update-entrypoint", id, func(sb *model.Sandbox) error {
		if entrypoint == nil && command == nil {
			return fmt.Errorf("entrypoint or command required: %w", model.ErrNotValid)
		}
		if entrypoint != nil {
			sb.Spec.Entrypoint = slices.Clone(entrypoint)
		}
		if command != nil {
			sb.Spec.Command = slices.Clone(command)
		}
		return nil
	})
}

// MountVolume mounts a volume on the sandbox, the container is recreated to get the mount.
func (o *Orchestrator) MountVolume(ctx context.Context, id string, vm model.VolumeMount) (model.Sandbox, error) {
	ctx, sb, done, err := o.begin(ctx, id)
	if err != nil {
		return model.Sandbox{}, model.NewOpError("mount-volume", id, err)
	}
	defer done()

	if err := requireState(sb, model.SandboxStateRunning, model.SandboxStateStopped); err != nil {
		return model.Sandbox{}, model.NewOpError("mount-volume", id, err)
	}

	if _, err := o.volumes.Mount(ctx, id, vm); err != nil {
		return model.Sandbox{}, model.NewOpError("mount-volume", id, err)
	}
	sb.Volumes = o.volumes.Mounts(id)
	sb.Spec.Volumes = slices.Clone(sb.Volumes)

	sb, err = o.recreate(ctx, sb)
	if err != nil {
		return model.Sandbox{}, model.NewOpError("mount-volume", id, err)
	}

	o.logger.Infof("Volume %s mounted on sandbox %s", vm.Volume, id)
	return sb, nil
}

// UnmountVolume unmounts a volume from the sandbox, the volume data is kept.
func (o *Orchestrator) UnmountVolume(ctx context.Context, id, volume string) (model.Sandbox, error) {
	ctx, sb, done, err := o.begin(ctx, id)
	if err != nil {
		return model.Sandbox{}, model.NewOpError("unmount-volume", id, err)
	}
	defer done()

	if err := requireState(sb, model.SandboxStateRunning, model.SandboxStateStopped); err != nil {
		return model.Sandbox{}, model.NewOpError("unmount-volume", id, err)
	}

	mounted := slices.ContainsFunc(sb.Volumes, func(vm model.VolumeMount) bool { return vm.Volume == volume })
	if !mounted {
		return sb, nil
	}

	if err := o.volumes.Unmount(ctx, id, volume); err != nil {
		return model.Sandbox{}, model.NewOpError("unmount-volume", id, err)
	}
	sb.Volumes = o.volumes.Mounts(id)
	sb.Spec.Volumes = slices.Clone(sb.Volumes)

	sb, err = o.recreate(ctx, sb)
	if err != nil {
		return model.Sandbox{}, model.NewOpError("unmount-volume", id, err)
	}

	o.logger.Infof("Volume %s unmounted from sandbox %s", volume, id)
	return sb, nil
}

// UpdateTimeout sets the sandbox run timeout, zero disables it.
func (o *Orchestrator) UpdateTimeout(ctx context.Context, id string, timeout time.Duration) (model.Sandbox, error) {
	if timeout < 0 {
		return model.Sandbox{}, model.NewOpError("update-timeout", id, fmt.Errorf("timeout can't be negative: %w", model.ErrNotValid))
	}

	ctx, sb, done, err := o.begin(ctx, id)
	if err != nil {
		return model.Sandbox{}, model.NewOpError("update-timeout", id, err)
	}
	defer done()

	if sb.State.Terminal() {
		return model.Sandbox{}, model.NewOpError("update-timeout", id, fmt.Errorf("sandbox is %s: %w", sb.State, model.ErrInvalidState))
	}

	sb, err = o.reg.Update(ctx, id, func(s *model.Sandbox) error {
		s.Spec.Resources.Timeout = timeout
		return nil
	})
	if err != nil {
		return model.Sandbox{}, model.NewOpError("update-timeout", id, err)
	}

	return sb, nil
}

func (o *Orchestrator) update(ctx context.Context, op, id string, mutate func(sb *model.Sandbox) error) (model.Sandbox, error) {
	ctx, sb, done, err := o.begin(ctx, id)
	if err != nil {
		return model.Sandbox{}, model.NewOpError(op, id, err)
	}
	defer done()

	if err := requireState(sb, model.SandboxStateRunning, model.SandboxStateStopped); err != nil {
		return model.Sandbox{}, model.NewOpError(op, id, err)
	}

	if err := mutate(&sb); err != nil {
		return model.Sandbox{}, model.NewOpError(op, id, err)
	}
	if err := sb.Spec.Validate(o.limits); err != nil {
		return model.Sandbox{}, model.NewOpError(op, id, err)
	}

	sb, err = o.recreate(ctx, sb)
	if err != nil {
		return model.Sandbox{}, model.NewOpError(op, id, err)
	}

	o.logger.Infof("Sandbox %s container recreated (%s)", id, op)
	return sb, nil
}

// recreate replaces the sandbox container with one built from sb, the container runs only if
// the sandbox was running. Failures move the sandbox to error.
func (o *Orchestrator) recreate(ctx context.Context, sb model.Sandbox) (model.Sandbox, error) {
	running := sb.State == model.SandboxStateRunning

	if sb.ContainerID != "" {
		if err := o.rt.Remove(ctx, sb.ContainerID); err != nil {
			err = fmt.Errorf("could not remove container: %w", err)
			o.fail(ctx, sb.ID, err)
			return model.Sandbox{}, err
		}
	}

	cid, err := o.startContainer(ctx, sb, running)
	if err != nil {
		_, uerr := o.reg.Update(context.WithoutCancel(ctx), sb.ID, func(s *model.Sandbox) error {
			s.ContainerID = ""
			s.Spec = sb.Spec
			s.Volumes = sb.Volumes
			s.State = model.SandboxStateError
			s.Error = err.Error()
			return nil
		})
		if uerr != nil {
			o.logger.Errorf("could not move sandbox %s to error: %s", sb.ID, uerr)
		}
		return model.Sandbox{}, err
	}

	now := o.now().UTC()
	return o.reg.Update(ctx, sb.ID, func(s *model.Sandbox) error {
		s.Spec = sb.Spec
		s.Volumes = sb.Volumes
		s.ContainerID = cid
		s.LastActiveAt = now
		if running {
			s.StartedAt = &now
		}
		return nil
	})
}
