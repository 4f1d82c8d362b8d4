package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/sbxd/internal/model"
	"github.com/slok/sbxd/internal/utils/env"
)

type EnvCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	id       string
	envSpecs []string
	unset    []string
	replace  bool
}

// NewEnvCommand returns the env command.
func NewEnvCommand(rootCmd *RootCommand, app *kingpin.Application) *EnvCommand {
	c := &EnvCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("env", "Update the environment of a sandbox (the container is recreated).")
	c.Cmd.Arg("id", "Sandbox ID.").Required().StringVar(&c.id)
	c.Cmd.Arg("vars", "Environment variables (KEY=VALUE or KEY from current environment).").StringsVar(&c.envSpecs)
	c.Cmd.Flag("unset", "Remove a variable. Can be repeated.").StringsVar(&c.unset)
	c.Cmd.Flag("replace", "Replace the whole environment instead of merging.").BoolVar(&c.replace)

	return c
}

func (c EnvCommand) Name() string { return c.Cmd.FullCommand() }

func (c EnvCommand) Run(ctx context.Context) error {
	vars, err := env.ParseSpecs(c.envSpecs)
	if err != nil {
		return fmt.Errorf("invalid env value: %w", err)
	}
	if vars == nil {
		vars = map[string]string{}
	}

	mode := model.EnvUpdateMerge
	if c.replace {
		mode = model.EnvUpdateReplace
	}
	for _, k := range c.unset {
		// Merging an empty value removes the key.
		vars[k] = ""
	}

	s, err := newStack(ctx, *c.rootCmd)
	if err != nil {
		return err
	}
	defer s.Close()

	sb, err := s.orch.UpdateEnvironment(ctx, c.id, vars, mode)
	if err != nil {
		return fmt.Errorf("could not update environment: %w", err)
	}

	c.rootCmd.Logger.Infof("Sandbox %s environment updated (%d vars)", sb.ID, len(sb.Spec.Env))
	return nil
}

type EntrypointCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	id         string
	entrypoint []string
	command    []string
}

// NewEntrypointCommand returns the entrypoint command.
func NewEntrypointCommand(rootCmd *RootCommand, app *kingpin.Application) *EntrypointCommand {
	c := &EntrypointCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("entrypoint", "Update the entrypoint and/or command of a sandbox (the container is recreated).")
	c.Cmd.Arg("id", "Sandbox ID.").Required().StringVar(&c.id)
	c.Cmd.Flag("entrypoint", "New entrypoint. Can be repeated.").StringsVar(&c.entrypoint)
	c.Cmd.Flag("command", "New command. Can be repeated.").StringsVar(&c.command)

	return c
}

func (c EntrypointCommand) Name() string { return c.Cmd.FullCommand() }

func (c EntrypointCommand) Run(ctx context.Context) error {
	s, err := newStack(ctx, *c.rootCmd)
	if err != nil {
		return err
	}
	defer s.Close()

	// Nil leaves the field untouched.
	var entrypoint, command []string
	if len(c.entrypoint) > 0 {
		entrypoint = c.entrypoint
	}
	if len(c.command) > 0 {
		command = c.command
	}

	sb, err := s.orch.UpdateEntrypoint(ctx, c.id, entrypoint, command)
	if err != nil {
		return fmt.Errorf("could not update entrypoint: %w", err)
	}

	c.rootCmd.Logger.Infof("Sandbox %s entrypoint updated", sb.ID)
	return nil
}

type TimeoutCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	id      string
	timeout time.Duration
}

// NewTimeoutCommand returns the timeout command.
func NewTimeoutCommand(rootCmd *RootCommand, app *kingpin.Application) *TimeoutCommand {
	c := &TimeoutCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("timeout", "Update the maximum run time of a sandbox (0 disables it).")
	c.Cmd.Arg("id", "Sandbox ID.").Required().StringVar(&c.id)
	c.Cmd.Arg("timeout", "Maximum run time since the last start (e.g., 2h).").Required().DurationVar(&c.timeout)

	return c
}

func (c TimeoutCommand) Name() string { return c.Cmd.FullCommand() }

func (c TimeoutCommand) Run(ctx context.Context) error {
	s, err := newStack(ctx, *c.rootCmd)
	if err != nil {
		return err
	}
	defer s.Close()

	sb, err := s.orch.UpdateTimeout(ctx, c.id, c.timeout)
	if err != nil {
		return fmt.Errorf("could not update timeout: %w", err)
	}

	c.rootCmd.Logger.Infof("Sandbox %s timeout set to %s", sb.ID, sb.Spec.Resources.Timeout)
	return nil
}
