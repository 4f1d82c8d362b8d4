package orchestrator

import (
	"context"
	"fmt"

	"github.com/slok/sbxd/internal/model"
	"github.com/slok/sbxd/internal/runtime"
)

// Exec runs a command in a running sandbox and waits for its result. The sandbox lock is
// not held while the command runs.
func (o *Orchestrator) Exec(ctx context.Context, id string, command []string, opts model.ExecOpts) (*model.ExecResult, error) {
	sb, err := o.execTarget(ctx, id)
	if err != nil {
		return nil, model.NewOpError("exec", id, err)
	}

	res, err := o.rt.Exec(ctx, sb.ContainerID, command, opts)
	if err != nil {
		return nil, model.NewOpError("exec", id, err)
	}
	o.touch(ctx, id)

	return res, nil
}

// StreamExec runs a command in a running sandbox and returns its output as it's produced.
// The returned sequence can be ranged only once.
func (o *Orchestrator) StreamExec(ctx context.Context, id string, command []string, opts model.ExecOpts) (runtime.ExecStream, error) {
	sb, err := o.execTarget(ctx, id)
	if err != nil {
		return nil, model.NewOpError("stream-exec", id, err)
	}

	stream, err := o.rt.StreamExec(ctx, sb.ContainerID, command, opts)
	if err != nil {
		return nil, model.NewOpError("stream-exec", id, err)
	}
	o.touch(ctx, id)

	return stream, nil
}

func (o *Orchestrator) execTarget(ctx context.Context, id string) (model.Sandbox, error) {
	if _, err := o.reg.Get(id); err != nil {
		return model.Sandbox{}, err
	}

	lockCtx, cancel := context.WithTimeout(ctx, o.opTO)
	defer cancel()

	unlock, err := o.locks.Lock(lockCtx, id)
	if err != nil {
		return model.Sandbox{}, err
	}
	defer unlock()

	sb, err := o.reg.Get(id)
	if err != nil {
		return model.Sandbox{}, err
	}
	if err := requireState(sb, model.SandboxStateRunning); err != nil {
		return model.Sandbox{}, err
	}
	if sb.ContainerID == "" {
		return model.Sandbox{}, fmt.Errorf("sandbox has no container: %w", model.ErrInvalidState)
	}

	return sb, nil
}

// touch records activity, a failure only loses an activity mark.
func (o *Orchestrator) touch(ctx context.Context, id string) {
	if err := o.reg.Touch(context.WithoutCancel(ctx), id); err != nil {
		o.logger.Warningf("could not record activity of sandbox %s: %s", id, err)
	}
}
