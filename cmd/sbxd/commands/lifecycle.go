package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/sbxd/internal/model"
	"github.com/slok/sbxd/internal/orchestrator"
)

// lifecycleCommand runs a state transition on a sandbox and prints the resulting state.
type lifecycleCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	id     string
	action func(o *orchestrator.Orchestrator, ctx context.Context, id string) (model.Sandbox, error)
	verb   string
}

func newLifecycleCommand(rootCmd *RootCommand, app *kingpin.Application, name, help, verb string, action func(o *orchestrator.Orchestrator, ctx context.Context, id string) (model.Sandbox, error)) *lifecycleCommand {
	c := &lifecycleCommand{rootCmd: rootCmd, action: action, verb: verb}

	c.Cmd = app.Command(name, help)
	c.Cmd.Arg("id", "Sandbox ID.").Required().StringVar(&c.id)

	return c
}

// NewStopCommand returns the stop command.
func NewStopCommand(rootCmd *RootCommand, app *kingpin.Application) Command {
	return newLifecycleCommand(rootCmd, app, "stop", "Stop a running sandbox.", "stopped", (*orchestrator.Orchestrator).Stop)
}

// NewStartCommand returns the start command.
func NewStartCommand(rootCmd *RootCommand, app *kingpin.Application) Command {
	return newLifecycleCommand(rootCmd, app, "start", "Start a stopped sandbox.", "started", (*orchestrator.Orchestrator).Start)
}

// NewRestartCommand returns the restart command.
func NewRestartCommand(rootCmd *RootCommand, app *kingpin.Application) Command {
	return newLifecycleCommand(rootCmd, app, "restart", "Restart a sandbox.", "restarted", (*orchestrator.Orchestrator).Restart)
}

func (c lifecycleCommand) Name() string { return c.Cmd.FullCommand() }

func (c lifecycleCommand) Run(ctx context.Context) error {
	s, err := newStack(ctx, *c.rootCmd)
	if err != nil {
		return err
	}
	defer s.Close()

	sb, err := c.action(s.orch, ctx, c.id)
	if err != nil {
		return fmt.Errorf("could not %s sandbox: %w", c.Cmd.FullCommand(), err)
	}

	c.rootCmd.Logger.Infof("Sandbox %s %s (%s)", sb.ID, c.verb, sb.State)
	return nil
}

type RemoveCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	ids []string
}

// NewRemoveCommand returns the rm command.
func NewRemoveCommand(rootCmd *RootCommand, app *kingpin.Application) *RemoveCommand {
	c := &RemoveCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("rm", "Remove sandboxes and release their resources.")
	c.Cmd.Arg("id", "Sandbox IDs.").Required().StringsVar(&c.ids)

	return c
}

func (c RemoveCommand) Name() string { return c.Cmd.FullCommand() }

func (c RemoveCommand) Run(ctx context.Context) error {
	s, err := newStack(ctx, *c.rootCmd)
	if err != nil {
		return err
	}
	defer s.Close()

	failed := 0
	for _, id := range c.ids {
		if err := s.orch.Delete(ctx, id); err != nil {
			c.rootCmd.Logger.Errorf("could not remove sandbox %s: %s", id, err)
			failed++
			continue
		}
		fmt.Fprintln(c.rootCmd.Stdout, id)
	}

	if failed > 0 {
		return fmt.Errorf("could not remove %d of %d sandboxes", failed, len(c.ids))
	}
	return nil
}
