package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/sbxd/internal/model"
	"github.com/slok/sbxd/internal/utils/env"
)

type ExecCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	id         string
	command    []string
	workingDir string
	user       string
	envSpecs   []string
	stdin      bool
}

// NewExecCommand returns the exec command.
func NewExecCommand(rootCmd *RootCommand, app *kingpin.Application) *ExecCommand {
	c := &ExecCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("exec", "Execute a command in a running sandbox.")
	c.Cmd.Arg("id", "Sandbox ID.").Required().StringVar(&c.id)
	c.Cmd.Arg("command", "Command to execute (use -- before command).").Required().StringsVar(&c.command)
	c.Cmd.Flag("workdir", "Working directory for command execution.").Short('w').StringVar(&c.workingDir)
	c.Cmd.Flag("user", "User to run the command as.").Short('u').StringVar(&c.user)
	c.Cmd.Flag("env", "Environment variables (KEY=VALUE or KEY from current environment). Can be repeated.").Short('e').StringsVar(&c.envSpecs)
	c.Cmd.Flag("interactive", "Attach the standard input.").Short('i').BoolVar(&c.stdin)

	return c
}

func (c ExecCommand) Name() string { return c.Cmd.FullCommand() }

func (c ExecCommand) Run(ctx context.Context) error {
	cmdEnv, err := env.ParseSpecs(c.envSpecs)
	if err != nil {
		return fmt.Errorf("invalid --env value: %w", err)
	}

	s, err := newStack(ctx, *c.rootCmd)
	if err != nil {
		return err
	}

	opts := model.ExecOpts{
		WorkingDir: c.workingDir,
		Env:        cmdEnv,
		User:       c.user,
	}
	if c.stdin {
		opts.Stdin = c.rootCmd.Stdin
	}

	stream, err := s.orch.StreamExec(ctx, c.id, c.command, opts)
	if err != nil {
		s.Close()
		return fmt.Errorf("could not execute command: %w", err)
	}

	exitCode := 0
	for chunk, err := range stream {
		if err != nil {
			s.Close()
			return fmt.Errorf("exec stream failed: %w", err)
		}

		switch chunk.Stream {
		case model.StreamStdout:
			_, _ = c.rootCmd.Stdout.Write(chunk.Data)
		case model.StreamStderr:
			_, _ = c.rootCmd.Stderr.Write(chunk.Data)
		case model.StreamExit:
			exitCode = chunk.ExitCode
		}
	}
	s.Close()

	// Exit with the command's exit code.
	if exitCode != 0 {
		os.Exit(exitCode)
	}
	return nil
}
