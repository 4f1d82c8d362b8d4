package commands

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/sbxd/internal/model"
	sio "github.com/slok/sbxd/internal/storage/io"
	"github.com/slok/sbxd/internal/utils/env"
)

type CreateCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	file       string
	owner      string
	image      string
	buildCtx   string
	dockerfile string
	entrypoint []string
	command    []string
	envSpecs   []string
	ports      []string
	mounts     []string

	// Resource flags.
	cpu        float64
	mem        string
	gpu        string
	timeout    time.Duration
	maxRetries int

	format string
}

// NewCreateCommand returns the create command.
func NewCreateCommand(rootCmd *RootCommand, app *kingpin.Application) *CreateCommand {
	c := &CreateCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("create", "Create and start a new sandbox.")
	c.Cmd.Arg("image", "Container image of the sandbox, required unless a spec file sets it.").StringVar(&c.image)
	c.Cmd.Arg("command", "Command of the sandbox (use -- before command).").StringsVar(&c.command)
	c.Cmd.Flag("file", "YAML sandbox spec file, flags override its values.").Short('f').StringVar(&c.file)
	c.Cmd.Flag("owner", "Owner of the sandbox, used for the per user quota.").StringVar(&c.owner)
	c.Cmd.Flag("build-context", "Build the image from this context directory instead of pulling it.").StringVar(&c.buildCtx)
	c.Cmd.Flag("dockerfile", "Dockerfile path relative to the build context.").StringVar(&c.dockerfile)
	c.Cmd.Flag("entrypoint", "Entrypoint of the sandbox. Can be repeated.").StringsVar(&c.entrypoint)
	c.Cmd.Flag("env", "Environment variables (KEY=VALUE or KEY from current environment). Can be repeated.").Short('e').StringsVar(&c.envSpecs)
	c.Cmd.Flag("port", "Exposed port ('[external:]internal[/proto][@subdomain]'). Can be repeated.").Short('p').StringsVar(&c.ports)
	c.Cmd.Flag("volume", "Volume mount ('name:/path[:ro|rw]'). Can be repeated.").Short('v').StringsVar(&c.mounts)

	// Resource flags, zero values take the engine defaults.
	c.Cmd.Flag("cpu", "Number of CPUs (can be fractional, e.g., 0.5, 1.5).").Float64Var(&c.cpu)
	c.Cmd.Flag("mem", "Memory limit (e.g., 512m, 2g).").StringVar(&c.mem)
	c.Cmd.Flag("gpu", "GPU type (e.g., H100).").StringVar(&c.gpu)
	c.Cmd.Flag("timeout", "Maximum run time since the last start.").DurationVar(&c.timeout)
	c.Cmd.Flag("max-retries", "Restart policy retries.").IntVar(&c.maxRetries)
	formatFlag(c.Cmd, &c.format)

	return c
}

func (c CreateCommand) Name() string { return c.Cmd.FullCommand() }

func (c CreateCommand) spec(ctx context.Context) (model.SandboxSpec, error) {
	var spec model.SandboxSpec
	if c.file != "" {
		repo := sio.NewSpecYAMLRepository(os.DirFS(filepath.Dir(c.file)))
		s, err := repo.GetSpec(ctx, filepath.Base(c.file))
		if err != nil {
			return spec, fmt.Errorf("could not load spec file: %w", err)
		}
		spec = s
	}

	spec.Owner = cmp.Or(c.owner, spec.Owner)
	spec.Image = cmp.Or(c.image, spec.Image)
	if spec.Image == "" {
		return spec, fmt.Errorf("image is required: %w", model.ErrNotValid)
	}
	if len(c.entrypoint) > 0 {
		spec.Entrypoint = c.entrypoint
	}
	if len(c.command) > 0 {
		spec.Command = c.command
	}
	spec.Resources.CPU = cmp.Or(c.cpu, spec.Resources.CPU)
	spec.Resources.GPU = cmp.Or(c.gpu, spec.Resources.GPU)
	spec.Resources.Timeout = cmp.Or(c.timeout, spec.Resources.Timeout)
	spec.Resources.MaxRetries = cmp.Or(c.maxRetries, spec.Resources.MaxRetries)

	if c.buildCtx != "" {
		spec.Build = &model.BuildSpec{ContextPath: c.buildCtx, Dockerfile: c.dockerfile}
	}

	if c.mem != "" {
		mem, err := model.ParseMemory(c.mem)
		if err != nil {
			return spec, fmt.Errorf("invalid --mem value: %w", err)
		}
		spec.Resources.MemoryBytes = mem
	}

	vars, err := env.ParseSpecs(c.envSpecs)
	if err != nil {
		return spec, fmt.Errorf("invalid --env value: %w", err)
	}
	if len(vars) > 0 {
		if spec.Env == nil {
			spec.Env = map[string]string{}
		}
		maps.Copy(spec.Env, vars)
	}

	for _, p := range c.ports {
		ps, err := model.ParsePortSpec(p)
		if err != nil {
			return spec, fmt.Errorf("invalid --port value: %w", err)
		}
		spec.Ports = append(spec.Ports, ps)
	}

	for _, m := range c.mounts {
		vm, err := model.ParseVolumeMount(m)
		if err != nil {
			return spec, fmt.Errorf("invalid --volume value: %w", err)
		}
		spec.Volumes = append(spec.Volumes, vm)
	}

	return spec, nil
}

func (c CreateCommand) Run(ctx context.Context) error {
	spec, err := c.spec(ctx)
	if err != nil {
		return err
	}

	s, err := newStack(ctx, *c.rootCmd)
	if err != nil {
		return err
	}
	defer s.Close()

	sb, err := s.orch.Create(ctx, spec)
	if err != nil {
		return fmt.Errorf("could not create sandbox: %w", err)
	}

	urls, err := s.orch.URLs(sb.ID)
	if err != nil {
		return fmt.Errorf("could not get sandbox urls: %w", err)
	}

	return newPrinter(c.format, c.rootCmd.Stdout).PrintStatus(sb, urls)
}
