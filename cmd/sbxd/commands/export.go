package commands

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/alecthomas/kingpin/v2"
	"github.com/moby/sys/atomicwriter"

	"github.com/slok/sbxd/internal/conventions"
	"github.com/slok/sbxd/internal/model"
)

type ExportCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	id     string
	folder string
	output string
	scope  string
}

// NewExportCommand returns the export command.
func NewExportCommand(rootCmd *RootCommand, app *kingpin.Application) *ExportCommand {
	c := &ExportCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("export", "Export a sandbox folder as a zip archive.")
	c.Cmd.Arg("id", "Sandbox ID.").Required().StringVar(&c.id)
	c.Cmd.Arg("folder", "Absolute folder path inside the sandbox.").Required().StringVar(&c.folder)
	c.Cmd.Flag("output", "Output archive path, '-' writes to stdout.").Short('o').StringVar(&c.output)
	c.Cmd.Flag("scope", "Where the data is read from (volumes, container).").Default(string(model.ExportScopeVolumes)).
		EnumVar(&c.scope, string(model.ExportScopeVolumes), string(model.ExportScopeContainer))

	return c
}

func (c ExportCommand) Name() string { return c.Cmd.FullCommand() }

func (c ExportCommand) Run(ctx context.Context) error {
	s, err := newStack(ctx, *c.rootCmd)
	if err != nil {
		return err
	}
	defer s.Close()

	scope := model.ExportScope(c.scope)
	if c.output == "-" {
		return s.orch.ExportFolder(ctx, c.id, c.folder, scope, c.rootCmd.Stdout)
	}

	output := c.output
	if output == "" {
		output = path.Base(path.Clean(c.folder)) + conventions.ExportArchiveExt
	}

	// A failed export never leaves a partial archive behind.
	var buf bytes.Buffer
	if err := s.orch.ExportFolder(ctx, c.id, c.folder, scope, &buf); err != nil {
		return fmt.Errorf("could not export folder: %w", err)
	}

	if err := atomicwriter.WriteFile(output, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("could not write %s: %w", output, err)
	}

	c.rootCmd.Logger.Infof("Exported %s of sandbox %s to %s", c.folder, c.id, output)
	return nil
}
