package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"
)

type StatusCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	id       string
	urlsOnly bool
	format   string
}

// NewStatusCommand returns the status command.
func NewStatusCommand(rootCmd *RootCommand, app *kingpin.Application) *StatusCommand {
	c := &StatusCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("status", "Show detailed status of a sandbox.")
	c.Cmd.Arg("id", "Sandbox ID.").Required().StringVar(&c.id)
	c.Cmd.Flag("urls", "Only print the public URLs of the sandbox.").BoolVar(&c.urlsOnly)
	formatFlag(c.Cmd, &c.format)

	return c
}

func (c StatusCommand) Name() string { return c.Cmd.FullCommand() }

func (c StatusCommand) Run(ctx context.Context) error {
	s, err := newStack(ctx, *c.rootCmd)
	if err != nil {
		return err
	}
	defer s.Close()

	sb, err := s.orch.Get(c.id)
	if err != nil {
		return fmt.Errorf("could not get sandbox: %w", err)
	}

	urls, err := s.orch.URLs(sb.ID)
	if err != nil {
		return fmt.Errorf("could not get sandbox urls: %w", err)
	}

	p := newPrinter(c.format, c.rootCmd.Stdout)
	if c.urlsOnly {
		return p.PrintURLs(urls)
	}

	return p.PrintStatus(sb, urls)
}
