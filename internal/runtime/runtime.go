package runtime

import (
	"context"
	"io"
	"iter"
	"time"

	"github.com/slok/sbxd/internal/model"
)

// MountType is how a mount source is resolved.
type MountType string

const (
	// MountTypeBind mounts a host path.
	MountTypeBind MountType = "bind"
	// MountTypeVolume mounts a runtime managed volume.
	MountTypeVolume MountType = "volume"
)

// Mount is a filesystem mount of a container.
type Mount struct {
	Type     MountType
	Source   string
	Target   string
	ReadOnly bool
}

// PortBinding publishes a container port on a host port.
type PortBinding struct {
	HostPort      int
	ContainerPort int
	// Transport is tcp or udp.
	Transport string
}

// NetworkModeNone disables container networking.
const NetworkModeNone = "none"

// ContainerSpec describes a container to create.
type ContainerSpec struct {
	Name        string
	Image       string
	Entrypoint  []string
	Command     []string
	Env         map[string]string
	Labels      map[string]string
	CPU         float64
	MemoryBytes int64
	GPU         string
	MaxRetries  int
	Ports       []PortBinding
	Mounts      []Mount
	// Network the container joins, empty uses the runtime default bridge.
	Network string
}

// ContainerInfo is the observed state of a container.
type ContainerInfo struct {
	ID        string
	Name      string
	Status    string
	Running   bool
	ExitCode  int
	StartedAt time.Time
	Labels    map[string]string
	Error     string
}

// VolumeSpec describes a runtime managed volume.
type VolumeSpec struct {
	Name      string
	Driver    string
	SizeBytes int64
	Labels    map[string]string
}

// ExecStream is a lazy stream of exec output chunks.
// It can only be ranged once, the last chunk carries the exit code.
type ExecStream = iter.Seq2[model.ExecChunk, error]

// Runtime is the container runtime facade.
// Every call is bounded by a deadline, transient failures are retried.
type Runtime interface {
	Create(ctx context.Context, spec ContainerSpec) (containerID string, err error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string, timeout time.Duration) error
	// Remove removes a container, removing a missing container is not an error.
	Remove(ctx context.Context, containerID string) error
	Inspect(ctx context.Context, containerID string) (*ContainerInfo, error)
	// List returns the containers matching all the labels.
	List(ctx context.Context, labels map[string]string) ([]ContainerInfo, error)
	Exec(ctx context.Context, containerID string, command []string, opts model.ExecOpts) (*model.ExecResult, error)
	StreamExec(ctx context.Context, containerID string, command []string, opts model.ExecOpts) (ExecStream, error)
	Stats(ctx context.Context, containerID string) (*model.ResourceUsage, error)
	// CopyFrom returns a tar stream of a container path.
	CopyFrom(ctx context.Context, containerID, path string) (io.ReadCloser, error)
	CreateVolume(ctx context.Context, spec VolumeSpec) error
	RemoveVolume(ctx context.Context, name string) error
	EnsureNetwork(ctx context.Context, name string) error
	Ping(ctx context.Context) error
}
