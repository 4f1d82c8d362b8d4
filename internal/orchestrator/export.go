package orchestrator

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/slok/sbxd/internal/model"
	"github.com/slok/sbxd/internal/volume"
)

// ExportFolder writes a zip archive of a sandbox folder to w.
// The volumes scope reads the mounted volume data from the host, the container scope reads
// the container filesystem including its writable layer.
func (o *Orchestrator) ExportFolder(ctx context.Context, id, folder string, scope model.ExportScope, w io.Writer) error {
	if !path.IsAbs(folder) {
		return model.NewOpError("export", id, fmt.Errorf("folder %q must be absolute: %w", folder, model.ErrNotValid))
	}

	ctx, sb, done, err := o.begin(ctx, id)
	if err != nil {
		return model.NewOpError("export", id, err)
	}
	defer done()

	switch scope {
	case model.ExportScopeVolumes, "":
		err = o.volumes.Export(ctx, id, folder, w)
	case model.ExportScopeContainer:
		err = o.exportContainer(ctx, sb, folder, w)
	default:
		err = fmt.Errorf("unknown export scope %q: %w", scope, model.ErrNotValid)
	}
	if err != nil {
		return model.NewOpError("export", id, err)
	}
	o.touch(ctx, id)

	return nil
}

func (o *Orchestrator) exportContainer(ctx context.Context, sb model.Sandbox, folder string, w io.Writer) error {
	if sb.ContainerID == "" {
		return fmt.Errorf("sandbox has no container: %w", model.ErrInvalidState)
	}

	rc, err := o.rt.CopyFrom(ctx, sb.ContainerID, path.Clean(folder))
	if err != nil {
		return err
	}
	defer rc.Close()

	return volume.TarToZip(ctx, rc, w)
}
