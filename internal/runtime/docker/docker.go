package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/slok/sbxd/internal/log"
	"github.com/slok/sbxd/internal/model"
	"github.com/slok/sbxd/internal/runtime"
)

// DockerClient is the interface for Docker operations that we use.
// This allows us to mock the Docker client for testing.
type DockerClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspectWithRaw(ctx context.Context, containerID string, getSize bool) (container.InspectResponse, []byte, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	ContainerStats(ctx context.Context, containerID string, stream bool) (container.StatsResponseReader, error)
	CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, container.PathStat, error)
	VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error)
	VolumeRemove(ctx context.Context, volumeID string, force bool) error
	NetworkInspect(ctx context.Context, networkID string, options network.InspectOptions) (network.Inspect, error)
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	Ping(ctx context.Context) (types.Ping, error)
}

// RuntimeConfig is the configuration for the Docker runtime.
type RuntimeConfig struct {
	Client DockerClient
	// Timeout bounds every single runtime call attempt.
	Timeout time.Duration
	// MaxRetries is the number of retries for transient failures.
	MaxRetries int
	// RetryBackoff is the initial backoff between retries.
	RetryBackoff time.Duration
	// DiskBudget is the writable layer size reported as 100% disk usage.
	DiskBudget int64
	Logger     log.Logger
}

func (c *RuntimeConfig) defaults() error {
	if c.Client == nil {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return fmt.Errorf("could not create Docker client: %w", err)
		}
		c.Client = cli
	}

	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries can't be negative")
	}

	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}

	if c.DiskBudget <= 0 {
		c.DiskBudget = 10 * 1024 * 1024 * 1024
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "runtime.Docker"})

	return nil
}

// Runtime is the Docker implementation of runtime.Runtime.
type Runtime struct {
	client       DockerClient
	timeout      time.Duration
	maxRetries   int
	retryBackoff time.Duration
	diskBudget   int64
	logger       log.Logger
}

var _ runtime.Runtime = &Runtime{}

// NewRuntime creates a new Docker runtime.
func NewRuntime(cfg RuntimeConfig) (*Runtime, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Runtime{
		client:       cfg.Client,
		timeout:      cfg.Timeout,
		maxRetries:   cfg.MaxRetries,
		retryBackoff: cfg.RetryBackoff,
		diskBudget:   cfg.DiskBudget,
		logger:       cfg.Logger,
	}, nil
}

// Create creates a container without starting it.
func (r *Runtime) Create(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	if spec.Image == "" {
		return "", fmt.Errorf("image is required: %w", model.ErrNotValid)
	}

	cfg, hostCfg, netCfg, err := containerConfig(spec)
	if err != nil {
		return "", err
	}

	var id string
	err = r.do(ctx, "create container "+spec.Name, func(ctx context.Context) error {
		resp, err := r.client.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
		if err != nil {
			return err
		}
		id = resp.ID
		for _, w := range resp.Warnings {
			r.logger.Warningf("Container %s: %s", spec.Name, w)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	r.logger.Infof("Created container %s (%s)", spec.Name, shortID(id))
	return id, nil
}

func containerConfig(spec runtime.ContainerSpec) (*container.Config, *container.HostConfig, *network.NetworkingConfig, error) {
	cfg := &container.Config{
		Image:        spec.Image,
		Entrypoint:   spec.Entrypoint,
		Cmd:          spec.Command,
		Env:          envList(spec.Env),
		Labels:       maps.Clone(spec.Labels),
		ExposedPorts: nat.PortSet{},
	}

	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: int64(spec.CPU * 1e9),
			Memory:   spec.MemoryBytes,
		},
		PortBindings: nat.PortMap{},
	}

	if spec.MaxRetries > 0 {
		hostCfg.RestartPolicy = container.RestartPolicy{
			Name:              container.RestartPolicyOnFailure,
			MaximumRetryCount: spec.MaxRetries,
		}
	}

	if spec.GPU != "" {
		hostCfg.Resources.DeviceRequests = []container.DeviceRequest{{
			Driver:       "nvidia",
			Count:        -1,
			Capabilities: [][]string{{"gpu"}},
		}}
	}

	for _, p := range spec.Ports {
		port, err := nat.NewPort(p.Transport, strconv.Itoa(p.ContainerPort))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("invalid port %d/%s: %w", p.ContainerPort, p.Transport, model.ErrNotValid)
		}
		cfg.ExposedPorts[port] = struct{}{}
		hostCfg.PortBindings[port] = append(hostCfg.PortBindings[port], nat.PortBinding{HostPort: strconv.Itoa(p.HostPort)})
	}

	for _, m := range spec.Mounts {
		typ := mount.TypeBind
		if m.Type == runtime.MountTypeVolume {
			typ = mount.TypeVolume
		}
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:     typ,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	var netCfg *network.NetworkingConfig
	switch spec.Network {
	case "":
	case runtime.NetworkModeNone:
		hostCfg.NetworkMode = container.NetworkMode(runtime.NetworkModeNone)
	default:
		hostCfg.NetworkMode = container.NetworkMode(spec.Network)
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{spec.Network: {}},
		}
	}

	return cfg, hostCfg, netCfg, nil
}

// Start starts a container, starting a running container is a no-op.
func (r *Runtime) Start(ctx context.Context, containerID string) error {
	err := r.do(ctx, "start container "+shortID(containerID), func(ctx context.Context) error {
		err := r.client.ContainerStart(ctx, containerID, container.StartOptions{})
		if cerrdefs.IsNotModified(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}

	r.logger.Debugf("Started container %s", shortID(containerID))
	return nil
}

// Stop stops a container, stopping a stopped container is a no-op.
func (r *Runtime) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	err := r.doWithTimeout(ctx, "stop container "+shortID(containerID), r.timeout+timeout, func(ctx context.Context) error {
		err := r.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &secs})
		if cerrdefs.IsNotModified(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}

	r.logger.Debugf("Stopped container %s", shortID(containerID))
	return nil
}

// Remove force removes a container.
func (r *Runtime) Remove(ctx context.Context, containerID string) error {
	err := r.do(ctx, "remove container "+shortID(containerID), func(ctx context.Context) error {
		err := r.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
		if cerrdefs.IsNotFound(err) {
			r.logger.Debugf("Container %s already removed", shortID(containerID))
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}

	r.logger.Debugf("Removed container %s", shortID(containerID))
	return nil
}

// Inspect returns the observed state of a container.
func (r *Runtime) Inspect(ctx context.Context, containerID string) (*runtime.ContainerInfo, error) {
	var info container.InspectResponse
	err := r.do(ctx, "inspect container "+shortID(containerID), func(ctx context.Context) error {
		var err error
		info, _, err = r.client.ContainerInspectWithRaw(ctx, containerID, false)
		return err
	})
	if err != nil {
		return nil, err
	}

	return inspectToInfo(info), nil
}

func inspectToInfo(info container.InspectResponse) *runtime.ContainerInfo {
	res := &runtime.ContainerInfo{}
	if info.ContainerJSONBase != nil {
		res.ID = info.ID
		res.Name = strings.TrimPrefix(info.Name, "/")
		if st := info.State; st != nil {
			res.Status = string(st.Status)
			res.Running = st.Running
			res.ExitCode = st.ExitCode
			res.Error = st.Error
			if t, err := time.Parse(time.RFC3339Nano, st.StartedAt); err == nil {
				res.StartedAt = t
			}
		}
	}
	if info.Config != nil {
		res.Labels = maps.Clone(info.Config.Labels)
	}
	return res
}

// List returns the containers, running or not, that have all the labels.
func (r *Runtime) List(ctx context.Context, labels map[string]string) ([]runtime.ContainerInfo, error) {
	args := filters.NewArgs()
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		args.Add("label", k+"="+labels[k])
	}

	var summaries []container.Summary
	err := r.do(ctx, "list containers", func(ctx context.Context) error {
		var err error
		summaries, err = r.client.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
		return err
	})
	if err != nil {
		return nil, err
	}

	res := make([]runtime.ContainerInfo, 0, len(summaries))
	for _, s := range summaries {
		name := ""
		if len(s.Names) > 0 {
			name = strings.TrimPrefix(s.Names[0], "/")
		}
		res = append(res, runtime.ContainerInfo{
			ID:      s.ID,
			Name:    name,
			Status:  string(s.State),
			Running: string(s.State) == "running",
			Labels:  maps.Clone(s.Labels),
		})
	}

	return res, nil
}

// CopyFrom returns a tar stream of a path inside the container.
// The stream is bound to ctx instead of the per call deadline so long archives can be read.
func (r *Runtime) CopyFrom(ctx context.Context, containerID, path string) (io.ReadCloser, error) {
	rc, _, err := r.client.CopyFromContainer(ctx, containerID, path)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("copy from container %s: %w", shortID(containerID), model.ErrRuntimeTimeout)
		}
		return nil, fmt.Errorf("copy from container %s: %w", shortID(containerID), classify(err))
	}
	return rc, nil
}

// CreateVolume creates a runtime volume, creating an existing volume is a no-op.
func (r *Runtime) CreateVolume(ctx context.Context, spec runtime.VolumeSpec) error {
	opts := volume.CreateOptions{
		Name:   spec.Name,
		Driver: spec.Driver,
		Labels: maps.Clone(spec.Labels),
	}
	if spec.SizeBytes > 0 {
		opts.DriverOpts = map[string]string{"size": strconv.FormatInt(spec.SizeBytes, 10)}
	}

	return r.do(ctx, "create volume "+spec.Name, func(ctx context.Context) error {
		_, err := r.client.VolumeCreate(ctx, opts)
		return err
	})
}

// RemoveVolume removes a runtime volume, removing a missing volume is a no-op.
func (r *Runtime) RemoveVolume(ctx context.Context, name string) error {
	return r.do(ctx, "remove volume "+name, func(ctx context.Context) error {
		err := r.client.VolumeRemove(ctx, name, false)
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return err
	})
}

// EnsureNetwork creates a bridge network when missing.
func (r *Runtime) EnsureNetwork(ctx context.Context, name string) error {
	return r.do(ctx, "ensure network "+name, func(ctx context.Context) error {
		_, err := r.client.NetworkInspect(ctx, name, network.InspectOptions{})
		if err == nil {
			return nil
		}
		if !cerrdefs.IsNotFound(err) {
			return err
		}

		_, err = r.client.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"})
		if cerrdefs.IsConflict(err) || cerrdefs.IsAlreadyExists(err) {
			return nil
		}
		if err == nil {
			r.logger.Infof("Created network %s", name)
		}
		return err
	})
}

// Ping checks the runtime daemon is reachable.
func (r *Runtime) Ping(ctx context.Context) error {
	return r.do(ctx, "ping", func(ctx context.Context) error {
		_, err := r.client.Ping(ctx)
		return err
	})
}

func (r *Runtime) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return r.doWithTimeout(ctx, op, r.timeout, fn)
}

// doWithTimeout runs fn with a deadline per attempt, retrying transient failures
// with exponential backoff.
func (r *Runtime) doWithTimeout(ctx context.Context, op string, timeout time.Duration, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retryBackoff
	b.MaxElapsedTime = 0

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		actx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		err := fn(actx)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case errors.Is(actx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
			return backoff.Permanent(fmt.Errorf("exceeded %s: %w", timeout, model.ErrRuntimeTimeout))
		case !isTransient(err):
			return backoff.Permanent(classify(err))
		}

		r.logger.Warningf("%s: attempt %d failed: %s", op, attempts, err)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.maxRetries)), ctx))

	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %w", op, model.ErrRuntimeTimeout, err)
	case errors.Is(err, context.Canceled),
		errors.Is(err, model.ErrRuntimeTimeout),
		errors.Is(err, model.ErrRuntimeRejected),
		errors.Is(err, model.ErrNotFound):
		return fmt.Errorf("%s: %w", op, err)
	}

	return fmt.Errorf("%s failed after %d attempts: %w: %w", op, attempts, model.ErrRuntimeRejected, err)
}

func isTransient(err error) bool {
	var netErr net.Error
	return cerrdefs.IsUnavailable(err) ||
		cerrdefs.IsInternal(err) ||
		cerrdefs.IsResourceExhausted(err) ||
		cerrdefs.IsAborted(err) ||
		client.IsErrConnectionFailed(err) ||
		errors.As(err, &netErr)
}

func classify(err error) error {
	if cerrdefs.IsNotFound(err) {
		return fmt.Errorf("%w: %w", model.ErrNotFound, err)
	}
	return fmt.Errorf("%w: %w", model.ErrRuntimeRejected, err)
}

func envList(env map[string]string) []string {
	res := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		res = append(res, k+"="+env[k])
	}
	return res
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
