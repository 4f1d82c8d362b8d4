package conventions

import "path/filepath"

const (
	// DefaultDataDir is the default sbxd data directory name (relative to home).
	DefaultDataDir = ".sbxd"
	// DBFile is the registry database filename.
	DBFile = "sbxd.db"

	// Container labels.

	// LabelManaged marks containers and volumes owned by sbxd.
	LabelManaged = "sbxd.managed"
	// LabelSandboxID carries the sandbox ID on its container.
	LabelSandboxID = "sbxd.sandbox-id"
	// LabelOwner carries the sandbox owner on its container.
	LabelOwner = "sbxd.owner"
	// LabelVolume carries the volume name on runtime volumes.
	LabelVolume = "sbxd.volume"

	// RuntimeVolumePrefix prefixes the runtime names of network volumes.
	RuntimeVolumePrefix = "sbxd-"

	// ExportArchiveExt is the extension of exported folder archives.
	ExportArchiveExt = ".zip"
)

// DBPath returns the registry database path inside a data dir.
func DBPath(dataDir string) string {
	return filepath.Join(dataDir, DBFile)
}

// VolumeDir returns the host directory of a local volume.
func VolumeDir(volumesRoot, volume string) string {
	return filepath.Join(volumesRoot, volume)
}

// RuntimeVolumeName returns the runtime name of a network volume.
func RuntimeVolumeName(volume string) string {
	return RuntimeVolumePrefix + volume
}
