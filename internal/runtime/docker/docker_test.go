package docker_test

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/slok/sbxd/internal/model"
	"github.com/slok/sbxd/internal/runtime"
	"github.com/slok/sbxd/internal/runtime/docker"
	"github.com/slok/sbxd/internal/runtime/docker/dockermock"
)

func newRuntime(t *testing.T, m *dockermock.MockDockerClient, timeout time.Duration) *docker.Runtime {
	t.Helper()
	rt, err := docker.NewRuntime(docker.RuntimeConfig{
		Client:       m,
		Timeout:      timeout,
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
		DiskBudget:   1000,
	})
	require.NoError(t, err)
	return rt
}

func TestRuntimeStartRetries(t *testing.T) {
	tests := map[string]struct {
		mock   func(m *dockermock.MockDockerClient)
		expErr error
	}{
		"A successful start should not retry.": {
			mock: func(m *dockermock.MockDockerClient) {
				m.On("ContainerStart", mock.Anything, "c1", container.StartOptions{}).Once().Return(nil)
			},
		},

		"Starting an already started container should be a no-op.": {
			mock: func(m *dockermock.MockDockerClient) {
				m.On("ContainerStart", mock.Anything, "c1", container.StartOptions{}).Once().Return(cerrdefs.ErrNotModified)
			},
		},

		"Transient failures should be retried until success.": {
			mock: func(m *dockermock.MockDockerClient) {
				m.On("ContainerStart", mock.Anything, "c1", container.StartOptions{}).Twice().Return(cerrdefs.ErrUnavailable)
				m.On("ContainerStart", mock.Anything, "c1", container.StartOptions{}).Once().Return(nil)
			},
		},

		"Transient failures beyond max retries should be rejected.": {
			mock: func(m *dockermock.MockDockerClient) {
				m.On("ContainerStart", mock.Anything, "c1", container.StartOptions{}).Times(3).Return(cerrdefs.ErrUnavailable)
			},
			expErr: model.ErrRuntimeRejected,
		},

		"Non transient failures should fail without retrying.": {
			mock: func(m *dockermock.MockDockerClient) {
				m.On("ContainerStart", mock.Anything, "c1", container.StartOptions{}).Once().Return(cerrdefs.ErrInvalidArgument)
			},
			expErr: model.ErrRuntimeRejected,
		},

		"Missing containers should be not found.": {
			mock: func(m *dockermock.MockDockerClient) {
				m.On("ContainerStart", mock.Anything, "c1", container.StartOptions{}).Once().Return(cerrdefs.ErrNotFound)
			},
			expErr: model.ErrNotFound,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			m := dockermock.NewMockDockerClient(t)
			test.mock(m)

			rt := newRuntime(t, m, time.Second)
			err := rt.Start(context.Background(), "c1")
			if test.expErr != nil {
				assert.ErrorIs(err, test.expErr)
			} else {
				assert.NoError(err)
			}
		})
	}
}

func TestRuntimeCallDeadline(t *testing.T) {
	m := dockermock.NewMockDockerClient(t)
	m.On("ContainerRemove", mock.Anything, "c1", container.RemoveOptions{Force: true}).Once().
		Return(func(ctx context.Context, _ string, _ container.RemoveOptions) error {
			<-ctx.Done()
			return ctx.Err()
		})

	rt := newRuntime(t, m, 20*time.Millisecond)
	err := rt.Remove(context.Background(), "c1")
	assert.ErrorIs(t, err, model.ErrRuntimeTimeout)
}

func TestRuntimeRemoveMissingContainer(t *testing.T) {
	m := dockermock.NewMockDockerClient(t)
	m.On("ContainerRemove", mock.Anything, "c1", container.RemoveOptions{Force: true}).Once().Return(cerrdefs.ErrNotFound)

	rt := newRuntime(t, m, time.Second)
	assert.NoError(t, rt.Remove(context.Background(), "c1"))
}

func TestRuntimeCreate(t *testing.T) {
	tests := map[string]struct {
		spec       runtime.ContainerSpec
		check      func(t *testing.T, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig)
		expCreated bool
		expErr     error
	}{
		"A spec without image should fail validation.": {
			spec:   runtime.ContainerSpec{Name: "sbx-1"},
			expErr: model.ErrNotValid,
		},

		"A complete spec should be mapped to the container config.": {
			spec: runtime.ContainerSpec{
				Name:        "sbx-1",
				Image:       "alpine:3",
				Command:     []string{"sleep", "infinity"},
				Env:         map[string]string{"B": "2", "A": "1"},
				Labels:      map[string]string{"sbxd.managed": "true"},
				CPU:         1.5,
				MemoryBytes: 512 * 1024 * 1024,
				MaxRetries:  2,
				Ports: []runtime.PortBinding{
					{HostPort: 10000, ContainerPort: 8080, Transport: "tcp"},
					{HostPort: 10001, ContainerPort: 53, Transport: "udp"},
				},
				Mounts: []runtime.Mount{
					{Type: runtime.MountTypeBind, Source: "/data/v1", Target: "/work"},
					{Type: runtime.MountTypeVolume, Source: "sbxd-v2", Target: "/cache", ReadOnly: true},
				},
				Network: "traefik-net",
			},
			check: func(t *testing.T, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) {
				assert := assert.New(t)
				assert.Equal("alpine:3", cfg.Image)
				assert.Equal([]string{"A=1", "B=2"}, cfg.Env)
				assert.Equal(int64(1_500_000_000), hostCfg.NanoCPUs)
				assert.Equal(int64(512*1024*1024), hostCfg.Memory)
				assert.Equal(container.RestartPolicyOnFailure, hostCfg.RestartPolicy.Name)
				assert.Equal(2, hostCfg.RestartPolicy.MaximumRetryCount)
				assert.Equal([]nat.PortBinding{{HostPort: "10000"}}, hostCfg.PortBindings["8080/tcp"])
				assert.Equal([]nat.PortBinding{{HostPort: "10001"}}, hostCfg.PortBindings["53/udp"])
				assert.Contains(cfg.ExposedPorts, nat.Port("8080/tcp"))
				require.Len(t, hostCfg.Mounts, 2)
				assert.True(hostCfg.Mounts[1].ReadOnly)
				assert.Equal(container.NetworkMode("traefik-net"), hostCfg.NetworkMode)
				require.NotNil(t, netCfg)
				assert.Contains(netCfg.EndpointsConfig, "traefik-net")
			},
			expCreated: true,
		},

		"Disabled networking should use none network mode.": {
			spec: runtime.ContainerSpec{Name: "sbx-1", Image: "alpine:3", Network: runtime.NetworkModeNone},
			check: func(t *testing.T, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) {
				assert.Equal(t, container.NetworkMode("none"), hostCfg.NetworkMode)
				assert.Nil(t, netCfg)
			},
			expCreated: true,
		},

		"A GPU request should add a device request.": {
			spec: runtime.ContainerSpec{Name: "sbx-1", Image: "alpine:3", GPU: "all"},
			check: func(t *testing.T, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) {
				require.Len(t, hostCfg.DeviceRequests, 1)
				assert.Equal(t, "nvidia", hostCfg.DeviceRequests[0].Driver)
			},
			expCreated: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			m := dockermock.NewMockDockerClient(t)
			if test.expCreated {
				m.On("ContainerCreate", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, test.spec.Name).Once().
					Run(func(args mock.Arguments) {
						test.check(t, args.Get(1).(*container.Config), args.Get(2).(*container.HostConfig), args.Get(3).(*network.NetworkingConfig))
					}).
					Return(container.CreateResponse{ID: "0123456789abcdef"}, nil)
			}

			rt := newRuntime(t, m, time.Second)
			id, err := rt.Create(context.Background(), test.spec)
			if test.expErr != nil {
				assert.ErrorIs(t, err, test.expErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "0123456789abcdef", id)
		})
	}
}

func TestRuntimeStats(t *testing.T) {
	const statsJSON = `{
		"read": "2026-01-01T00:00:00Z",
		"cpu_stats": {"cpu_usage": {"total_usage": 400}, "system_cpu_usage": 2000, "online_cpus": 2},
		"precpu_stats": {"cpu_usage": {"total_usage": 200}, "system_cpu_usage": 1000},
		"memory_stats": {"usage": 600, "limit": 1000, "stats": {"inactive_file": 100}}
	}`

	m := dockermock.NewMockDockerClient(t)
	m.On("ContainerStats", mock.Anything, "c1", false).Once().
		Return(container.StatsResponseReader{Body: io.NopCloser(strings.NewReader(statsJSON))}, nil)
	sizeRw := int64(250)
	m.On("ContainerInspectWithRaw", mock.Anything, "c1", true).Once().
		Return(container.InspectResponse{ContainerJSONBase: &container.ContainerJSONBase{ID: "c1", SizeRw: &sizeRw}}, nil, nil)

	rt := newRuntime(t, m, time.Second)
	usage, err := rt.Stats(context.Background(), "c1")
	require.NoError(t, err)

	assert := assert.New(t)
	assert.InDelta(40.0, usage.CPUPercent, 0.001)
	assert.InDelta(50.0, usage.MemoryPercent, 0.001)
	assert.InDelta(25.0, usage.DiskPercent, 0.001)
	assert.Equal(uint64(500), usage.MemoryBytes)
	assert.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), usage.Timestamp.UTC())
}

func hijacked(t *testing.T, stdout, stderr string) types.HijackedResponse {
	t.Helper()

	var buf bytes.Buffer
	if stdout != "" {
		_, err := stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(stdout))
		require.NoError(t, err)
	}
	if stderr != "" {
		_, err := stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(stderr))
		require.NoError(t, err)
	}

	c1, c2 := net.Pipe()
	t.Cleanup(func() { _ = c2.Close() })
	return types.HijackedResponse{Conn: c1, Reader: bufio.NewReader(&buf)}
}

func mockExec(t *testing.T, m *dockermock.MockDockerClient, stdout, stderr string, exitCode int) {
	m.On("ContainerExecCreate", mock.Anything, "c1", mock.Anything).Once().Return(container.ExecCreateResponse{ID: "e1"}, nil)
	m.On("ContainerExecAttach", mock.Anything, "e1", container.ExecAttachOptions{}).Once().Return(hijacked(t, stdout, stderr), nil)
	m.On("ContainerExecInspect", mock.Anything, "e1").Once().Return(container.ExecInspect{ExecID: "e1", ExitCode: exitCode}, nil)
}

func TestRuntimeExec(t *testing.T) {
	m := dockermock.NewMockDockerClient(t)
	mockExec(t, m, "hello\n", "oops\n", 3)

	rt := newRuntime(t, m, time.Second)
	res, err := rt.Exec(context.Background(), "c1", []string{"sh", "-c", "echo hello"}, model.ExecOpts{})
	require.NoError(t, err)

	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "hello\n", string(res.Stdout))
	assert.Equal(t, "oops\n", string(res.Stderr))
}

func TestRuntimeExecEmptyCommand(t *testing.T) {
	m := dockermock.NewMockDockerClient(t)
	rt := newRuntime(t, m, time.Second)

	_, err := rt.Exec(context.Background(), "c1", nil, model.ExecOpts{})
	assert.ErrorIs(t, err, model.ErrNotValid)
}

func TestRuntimeStreamExec(t *testing.T) {
	m := dockermock.NewMockDockerClient(t)
	mockExec(t, m, "out", "err", 0)

	rt := newRuntime(t, m, time.Second)
	stream, err := rt.StreamExec(context.Background(), "c1", []string{"ls"}, model.ExecOpts{})
	require.NoError(t, err)

	var got []string
	for chunk, err := range stream {
		require.NoError(t, err)
		got = append(got, fmt.Sprintf("%s:%s:%d", chunk.Stream, chunk.Data, chunk.ExitCode))
	}
	assert.Equal(t, []string{"stdout:out:0", "stderr:err:0", "exit::0"}, got)

	// Second consumption is rejected.
	for _, err := range stream {
		assert.ErrorIs(t, err, model.ErrNotValid)
	}
}

func TestRuntimeStreamExecNotConsumed(t *testing.T) {
	m := dockermock.NewMockDockerClient(t)
	c1, c2 := net.Pipe()
	defer c2.Close()
	m.On("ContainerExecCreate", mock.Anything, "c1", mock.Anything).Once().Return(container.ExecCreateResponse{ID: "e1"}, nil)
	m.On("ContainerExecAttach", mock.Anything, "e1", container.ExecAttachOptions{}).Once().Return(types.HijackedResponse{Conn: c1, Reader: bufio.NewReader(c1)}, nil)

	rt := newRuntime(t, m, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	_, err := rt.StreamExec(ctx, "c1", []string{"ls"}, model.ExecOpts{})
	require.NoError(t, err)

	// The stream is dropped without ranging over it.
	cancel()

	require.NoError(t, c2.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = c2.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestRuntimeEnsureNetwork(t *testing.T) {
	tests := map[string]struct {
		mock func(m *dockermock.MockDockerClient)
	}{
		"An existing network should not be created.": {
			mock: func(m *dockermock.MockDockerClient) {
				m.On("NetworkInspect", mock.Anything, "net", network.InspectOptions{}).Once().Return(network.Inspect{Name: "net"}, nil)
			},
		},

		"A missing network should be created.": {
			mock: func(m *dockermock.MockDockerClient) {
				m.On("NetworkInspect", mock.Anything, "net", network.InspectOptions{}).Once().Return(network.Inspect{}, cerrdefs.ErrNotFound)
				m.On("NetworkCreate", mock.Anything, "net", network.CreateOptions{Driver: "bridge"}).Once().Return(network.CreateResponse{ID: "n1"}, nil)
			},
		},

		"A network created concurrently should be fine.": {
			mock: func(m *dockermock.MockDockerClient) {
				m.On("NetworkInspect", mock.Anything, "net", network.InspectOptions{}).Once().Return(network.Inspect{}, cerrdefs.ErrNotFound)
				m.On("NetworkCreate", mock.Anything, "net", network.CreateOptions{Driver: "bridge"}).Once().Return(network.CreateResponse{}, cerrdefs.ErrConflict)
			},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			m := dockermock.NewMockDockerClient(t)
			test.mock(m)

			rt := newRuntime(t, m, time.Second)
			assert.NoError(t, rt.EnsureNetwork(context.Background(), "net"))
		})
	}
}
