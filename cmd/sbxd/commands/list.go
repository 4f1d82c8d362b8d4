package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/sbxd/internal/model"
	"github.com/slok/sbxd/internal/registry"
)

type ListCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	states []string
	owner  string
	format string
}

// NewListCommand returns the list command.
func NewListCommand(rootCmd *RootCommand, app *kingpin.Application) *ListCommand {
	c := &ListCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("list", "List all sandboxes.")
	c.Cmd.Flag("state", "Filter by state (creating, running, stopping, stopped, removing, error). Can be repeated.").StringsVar(&c.states)
	c.Cmd.Flag("owner", "Filter by owner.").StringVar(&c.owner)
	formatFlag(c.Cmd, &c.format)

	return c
}

func (c ListCommand) Name() string { return c.Cmd.FullCommand() }

func (c ListCommand) Run(ctx context.Context) error {
	filter := registry.ListFilter{Owner: c.owner}
	for _, st := range c.states {
		state, err := model.ParseSandboxState(st)
		if err != nil {
			return fmt.Errorf("invalid state filter: %w", err)
		}
		filter.States = append(filter.States, state)
	}

	s, err := newStack(ctx, *c.rootCmd)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := newPrinter(c.format, c.rootCmd.Stdout).PrintList(s.orch.List(filter)); err != nil {
		return fmt.Errorf("could not print list: %w", err)
	}

	return nil
}
