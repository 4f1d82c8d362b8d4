package fake

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"maps"
	"path"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/slok/sbxd/internal/log"
	"github.com/slok/sbxd/internal/model"
	"github.com/slok/sbxd/internal/runtime"
)

// Op identifies a runtime operation for failure injection.
type Op string

const (
	OpCreate        Op = "create"
	OpStart         Op = "start"
	OpStop          Op = "stop"
	OpRemove        Op = "remove"
	OpInspect       Op = "inspect"
	OpList          Op = "list"
	OpExec          Op = "exec"
	OpStats         Op = "stats"
	OpCopyFrom      Op = "copy-from"
	OpCreateVolume  Op = "create-volume"
	OpRemoveVolume  Op = "remove-volume"
	OpEnsureNetwork Op = "ensure-network"
	OpPing          Op = "ping"
)

// ExecFunc handles the commands executed in the fake containers.
type ExecFunc func(containerID string, command []string, opts model.ExecOpts) (*model.ExecResult, error)

// RuntimeConfig is the configuration for the fake runtime.
type RuntimeConfig struct {
	// ExecFunc is optional, by default commands are echoed to stdout.
	ExecFunc ExecFunc
	Logger   log.Logger
}

func (c *RuntimeConfig) defaults() error {
	if c.ExecFunc == nil {
		c.ExecFunc = func(_ string, command []string, _ model.ExecOpts) (*model.ExecResult, error) {
			return &model.ExecResult{Stdout: []byte(strings.Join(command, " "))}, nil
		}
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "runtime.Fake"})
	return nil
}

type fakeContainer struct {
	info runtime.ContainerInfo
	spec runtime.ContainerSpec
}

// Runtime is an in-memory runtime.Runtime that simulates containers without a daemon.
type Runtime struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	volumes    map[string]runtime.VolumeSpec
	networks   map[string]struct{}
	files      map[string]map[string][]byte
	stats      map[string]model.ResourceUsage
	failures   map[Op][]error
	calls      map[Op]int
	execFunc   ExecFunc
	logger     log.Logger
}

var _ runtime.Runtime = &Runtime{}

// NewRuntime creates a new fake runtime.
func NewRuntime(cfg RuntimeConfig) (*Runtime, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Runtime{
		containers: map[string]*fakeContainer{},
		volumes:    map[string]runtime.VolumeSpec{},
		networks:   map[string]struct{}{},
		files:      map[string]map[string][]byte{},
		stats:      map[string]model.ResourceUsage{},
		failures:   map[Op][]error{},
		calls:      map[Op]int{},
		execFunc:   cfg.ExecFunc,
		logger:     cfg.Logger,
	}, nil
}

// FailNext makes the next calls of op fail with errs, one error per call.
func (r *Runtime) FailNext(op Op, errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[op] = append(r.failures[op], errs...)
}

// Calls returns the number of times op has been called.
func (r *Runtime) Calls(op Op) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

// SetStats sets the usage sample returned for a container.
func (r *Runtime) SetStats(containerID string, usage model.ResourceUsage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats[containerID] = usage
}

// SetFile adds a file to the container filesystem.
func (r *Runtime) SetFile(containerID, filePath string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.files[containerID] == nil {
		r.files[containerID] = map[string][]byte{}
	}
	r.files[containerID][path.Clean(filePath)] = data
}

// Spec returns the spec a container was created with.
func (r *Runtime) Spec(containerID string) (runtime.ContainerSpec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[containerID]
	if !ok {
		return runtime.ContainerSpec{}, false
	}
	return c.spec, true
}

// Containers returns all the containers.
func (r *Runtime) Containers() []runtime.ContainerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]runtime.ContainerInfo, 0, len(r.containers))
	for _, id := range slices.Sorted(maps.Keys(r.containers)) {
		res = append(res, r.containers[id].info)
	}
	return res
}

// HasVolume returns if a runtime volume exists.
func (r *Runtime) HasVolume(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.volumes[name]
	return ok
}

// call registers the call and returns the injected failure if any. Must be called with the lock held.
func (r *Runtime) call(ctx context.Context, op Op) error {
	r.calls[op]++
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w: %w", op, model.ErrRuntimeTimeout, err)
	}

	errs := r.failures[op]
	if len(errs) == 0 {
		return nil
	}
	r.failures[op] = errs[1:]
	return errs[0]
}

func (r *Runtime) get(containerID string) (*fakeContainer, error) {
	c, ok := r.containers[containerID]
	if !ok {
		return nil, fmt.Errorf("container %s: %w", containerID, model.ErrNotFound)
	}
	return c, nil
}

func (r *Runtime) Create(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.call(ctx, OpCreate); err != nil {
		return "", err
	}
	if spec.Image == "" {
		return "", fmt.Errorf("image is required: %w", model.ErrNotValid)
	}
	for _, c := range r.containers {
		if c.info.Name == spec.Name {
			return "", fmt.Errorf("container name %q in use: %w", spec.Name, model.ErrRuntimeRejected)
		}
	}

	id := strings.ToLower(ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String())
	r.containers[id] = &fakeContainer{
		spec: spec,
		info: runtime.ContainerInfo{
			ID:     id,
			Name:   spec.Name,
			Status: "created",
			Labels: maps.Clone(spec.Labels),
		},
	}
	r.logger.Debugf("Created fake container %s (%s)", spec.Name, id)

	return id, nil
}

func (r *Runtime) Start(ctx context.Context, containerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.call(ctx, OpStart); err != nil {
		return err
	}
	c, err := r.get(containerID)
	if err != nil {
		return err
	}

	if !c.info.Running {
		c.info.Running = true
		c.info.Status = "running"
		c.info.StartedAt = time.Now().UTC()
	}
	return nil
}

func (r *Runtime) Stop(ctx context.Context, containerID string, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.call(ctx, OpStop); err != nil {
		return err
	}
	c, err := r.get(containerID)
	if err != nil {
		return err
	}

	c.info.Running = false
	c.info.Status = "exited"
	return nil
}

func (r *Runtime) Remove(ctx context.Context, containerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.call(ctx, OpRemove); err != nil {
		return err
	}
	delete(r.containers, containerID)
	delete(r.files, containerID)
	delete(r.stats, containerID)
	return nil
}

func (r *Runtime) Inspect(ctx context.Context, containerID string) (*runtime.ContainerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.call(ctx, OpInspect); err != nil {
		return nil, err
	}
	c, err := r.get(containerID)
	if err != nil {
		return nil, err
	}

	info := c.info
	info.Labels = maps.Clone(c.info.Labels)
	return &info, nil
}

func (r *Runtime) List(ctx context.Context, labels map[string]string) ([]runtime.ContainerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.call(ctx, OpList); err != nil {
		return nil, err
	}

	res := []runtime.ContainerInfo{}
	for _, id := range slices.Sorted(maps.Keys(r.containers)) {
		c := r.containers[id]
		match := true
		for k, v := range labels {
			if c.info.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			info := c.info
			info.Labels = maps.Clone(c.info.Labels)
			res = append(res, info)
		}
	}
	return res, nil
}

func (r *Runtime) Exec(ctx context.Context, containerID string, command []string, opts model.ExecOpts) (*model.ExecResult, error) {
	r.mu.Lock()
	if err := r.call(ctx, OpExec); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	c, err := r.get(containerID)
	if err == nil && !c.info.Running {
		err = fmt.Errorf("container %s is not running: %w", containerID, model.ErrRuntimeRejected)
	}
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if len(command) == 0 {
		return nil, fmt.Errorf("command cannot be empty: %w", model.ErrNotValid)
	}

	return r.execFunc(containerID, command, opts)
}

func (r *Runtime) StreamExec(ctx context.Context, containerID string, command []string, opts model.ExecOpts) (runtime.ExecStream, error) {
	res, err := r.Exec(ctx, containerID, command, opts)
	if err != nil {
		return nil, err
	}

	chunks := []model.ExecChunk{}
	if len(res.Stdout) > 0 {
		chunks = append(chunks, model.ExecChunk{Stream: model.StreamStdout, Data: res.Stdout})
	}
	if len(res.Stderr) > 0 {
		chunks = append(chunks, model.ExecChunk{Stream: model.StreamStderr, Data: res.Stderr})
	}
	chunks = append(chunks, model.ExecChunk{Stream: model.StreamExit, ExitCode: res.ExitCode})

	var used atomic.Bool
	return func(yield func(model.ExecChunk, error) bool) {
		if !used.CompareAndSwap(false, true) {
			yield(model.ExecChunk{}, fmt.Errorf("exec stream already consumed: %w", model.ErrNotValid))
			return
		}
		for _, c := range chunks {
			if ctx.Err() != nil {
				yield(model.ExecChunk{}, fmt.Errorf("exec stream: %w: %w", model.ErrRuntimeTimeout, ctx.Err()))
				return
			}
			if !yield(c, nil) {
				return
			}
		}
	}, nil
}

func (r *Runtime) Stats(ctx context.Context, containerID string) (*model.ResourceUsage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.call(ctx, OpStats); err != nil {
		return nil, err
	}
	c, err := r.get(containerID)
	if err != nil {
		return nil, err
	}
	if !c.info.Running {
		return nil, fmt.Errorf("container %s is not running: %w", containerID, model.ErrRuntimeRejected)
	}

	usage := r.stats[containerID]
	if usage.Timestamp.IsZero() {
		usage.Timestamp = time.Now().UTC()
	}
	return &usage, nil
}

// CopyFrom returns a tar archive of the files under srcPath, entries are relative to the parent of srcPath.
func (r *Runtime) CopyFrom(ctx context.Context, containerID, srcPath string) (io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.call(ctx, OpCopyFrom); err != nil {
		return nil, err
	}
	if _, err := r.get(containerID); err != nil {
		return nil, err
	}

	srcPath = path.Clean(srcPath)
	parent := path.Dir(srcPath)
	files := r.files[containerID]

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	found := false
	for _, p := range slices.Sorted(maps.Keys(files)) {
		if p != srcPath && !strings.HasPrefix(p, strings.TrimSuffix(srcPath, "/")+"/") {
			continue
		}
		found = true
		name := strings.TrimPrefix(strings.TrimPrefix(p, parent), "/")
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(files[p])), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(files[p]); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("path %s in container %s: %w", srcPath, containerID, model.ErrNotFound)
	}

	return io.NopCloser(&buf), nil
}

func (r *Runtime) CreateVolume(ctx context.Context, spec runtime.VolumeSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.call(ctx, OpCreateVolume); err != nil {
		return err
	}
	if _, ok := r.volumes[spec.Name]; !ok {
		r.volumes[spec.Name] = spec
	}
	return nil
}

func (r *Runtime) RemoveVolume(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.call(ctx, OpRemoveVolume); err != nil {
		return err
	}
	delete(r.volumes, name)
	return nil
}

func (r *Runtime) EnsureNetwork(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.call(ctx, OpEnsureNetwork); err != nil {
		return err
	}
	r.networks[name] = struct{}{}
	return nil
}

func (r *Runtime) Ping(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.call(ctx, OpPing)
}
