package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/sbxd/internal/model"
)

type VolumeCreateCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	name      string
	driver    string
	size      string
	mountPath string
}

// NewVolumeCreateCommand returns the volume create command.
func NewVolumeCreateCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *VolumeCreateCommand {
	c := &VolumeCreateCommand{rootCmd: rootCmd}

	c.Cmd = parent.Command("create", "Create a volume.")
	c.Cmd.Arg("name", "Volume name.").Required().StringVar(&c.name)
	c.Cmd.Flag("driver", "Volume driver, any driver other than local is a runtime network volume.").Default(model.DriverLocal).StringVar(&c.driver)
	c.Cmd.Flag("size", "Volume size (e.g., 10GB), if the driver supports it.").StringVar(&c.size)
	c.Cmd.Flag("mount-path", "Default mount path of the volume.").StringVar(&c.mountPath)

	return c
}

func (c VolumeCreateCommand) Name() string { return c.Cmd.FullCommand() }

func (c VolumeCreateCommand) Run(ctx context.Context) error {
	v := model.Volume{Name: c.name, Driver: c.driver, MountPath: c.mountPath}
	if c.size != "" {
		size, err := model.ParseSize(c.size)
		if err != nil {
			return fmt.Errorf("invalid --size value: %w", err)
		}
		v.SizeBytes = size
	}

	s, err := newStack(ctx, *c.rootCmd)
	if err != nil {
		return err
	}
	defer s.Close()

	created, err := s.volumes.Ensure(ctx, v)
	if err != nil {
		return fmt.Errorf("could not create volume: %w", err)
	}

	fmt.Fprintln(c.rootCmd.Stdout, created.Name)
	return nil
}

type VolumeListCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	format string
}

// NewVolumeListCommand returns the volume list command.
func NewVolumeListCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *VolumeListCommand {
	c := &VolumeListCommand{rootCmd: rootCmd}

	c.Cmd = parent.Command("list", "List volumes.")
	formatFlag(c.Cmd, &c.format)

	return c
}

func (c VolumeListCommand) Name() string { return c.Cmd.FullCommand() }

func (c VolumeListCommand) Run(ctx context.Context) error {
	s, err := newStack(ctx, *c.rootCmd)
	if err != nil {
		return err
	}
	defer s.Close()

	vols, err := s.volumes.List(ctx)
	if err != nil {
		return fmt.Errorf("could not list volumes: %w", err)
	}

	return newPrinter(c.format, c.rootCmd.Stdout).PrintVolumes(vols)
}

type VolumeRmCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	name string
}

// NewVolumeRmCommand returns the volume rm command.
func NewVolumeRmCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *VolumeRmCommand {
	c := &VolumeRmCommand{rootCmd: rootCmd}

	c.Cmd = parent.Command("rm", "Remove a volume and its data, it must not be mounted.")
	c.Cmd.Arg("name", "Volume name.").Required().StringVar(&c.name)

	return c
}

func (c VolumeRmCommand) Name() string { return c.Cmd.FullCommand() }

func (c VolumeRmCommand) Run(ctx context.Context) error {
	s, err := newStack(ctx, *c.rootCmd)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.volumes.Delete(ctx, c.name); err != nil {
		return fmt.Errorf("could not remove volume: %w", err)
	}

	fmt.Fprintln(c.rootCmd.Stdout, c.name)
	return nil
}

type VolumeMountCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	id    string
	mount string
}

// NewVolumeMountCommand returns the volume mount command.
func NewVolumeMountCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *VolumeMountCommand {
	c := &VolumeMountCommand{rootCmd: rootCmd}

	c.Cmd = parent.Command("mount", "Mount a volume on a sandbox (the container is recreated).")
	c.Cmd.Arg("id", "Sandbox ID.").Required().StringVar(&c.id)
	c.Cmd.Arg("mount", "Volume mount ('name:/path[:ro|rw]').").Required().StringVar(&c.mount)

	return c
}

func (c VolumeMountCommand) Name() string { return c.Cmd.FullCommand() }

func (c VolumeMountCommand) Run(ctx context.Context) error {
	vm, err := model.ParseVolumeMount(c.mount)
	if err != nil {
		return fmt.Errorf("invalid mount: %w", err)
	}

	s, err := newStack(ctx, *c.rootCmd)
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := s.orch.MountVolume(ctx, c.id, vm); err != nil {
		return fmt.Errorf("could not mount volume: %w", err)
	}

	c.rootCmd.Logger.Infof("Volume %s mounted on sandbox %s at %s", vm.Volume, c.id, vm.MountPath)
	return nil
}

type VolumeUnmountCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	id   string
	name string
}

// NewVolumeUnmountCommand returns the volume unmount command.
func NewVolumeUnmountCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *VolumeUnmountCommand {
	c := &VolumeUnmountCommand{rootCmd: rootCmd}

	c.Cmd = parent.Command("unmount", "Unmount a volume from a sandbox (the container is recreated).")
	c.Cmd.Arg("id", "Sandbox ID.").Required().StringVar(&c.id)
	c.Cmd.Arg("name", "Volume name.").Required().StringVar(&c.name)

	return c
}

func (c VolumeUnmountCommand) Name() string { return c.Cmd.FullCommand() }

func (c VolumeUnmountCommand) Run(ctx context.Context) error {
	s, err := newStack(ctx, *c.rootCmd)
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := s.orch.UnmountVolume(ctx, c.id, c.name); err != nil {
		return fmt.Errorf("could not unmount volume: %w", err)
	}

	c.rootCmd.Logger.Infof("Volume %s unmounted from sandbox %s", c.name, c.id)
	return nil
}
