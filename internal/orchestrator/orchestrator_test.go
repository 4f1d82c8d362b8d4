package orchestrator_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/sbxd/internal/conventions"
	"github.com/slok/sbxd/internal/model"
	"github.com/slok/sbxd/internal/orchestrator"
	"github.com/slok/sbxd/internal/port"
	"github.com/slok/sbxd/internal/proxy"
	"github.com/slok/sbxd/internal/registry"
	"github.com/slok/sbxd/internal/runtime"
	"github.com/slok/sbxd/internal/runtime/fake"
	"github.com/slok/sbxd/internal/storage/memory"
	"github.com/slok/sbxd/internal/volume"
)

type fakeProvider struct {
	mu    sync.Mutex
	fails int
	last  *proxy.DynamicConfig
}

func (f *fakeProvider) Apply(_ context.Context, cfg *proxy.DynamicConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("proxy unavailable")
	}
	f.last = cfg
	return nil
}

func (f *fakeProvider) failNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails = n
}

type fakeImages struct {
	mu   sync.Mutex
	refs []string
	err  error
}

func (f *fakeImages) Ensure(_ context.Context, ref string, _ *model.BuildSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs = append(f.refs, ref)
	return f.err
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	orch     *orchestrator.Orchestrator
	rt       *fake.Runtime
	repo     *memory.Repository
	reg      *registry.Registry
	ports    *port.Allocator
	volumes  *volume.Manager
	proxy    *proxy.Registrar
	provider *fakeProvider
	images   *fakeImages
	clock    *clock
	root     string
}

type envOpts struct {
	maxPerOwner int
	rt          *fake.Runtime
	repo        *memory.Repository
	root        string
}

func newEnv(t *testing.T, opts envOpts) *testEnv {
	t.Helper()

	if opts.maxPerOwner == 0 {
		opts.maxPerOwner = 10
	}
	var err error
	if opts.rt == nil {
		opts.rt, err = fake.NewRuntime(fake.RuntimeConfig{})
		require.NoError(t, err)
	}
	if opts.repo == nil {
		opts.repo, err = memory.NewRepository(memory.RepositoryConfig{})
		require.NoError(t, err)
	}
	if opts.root == "" {
		opts.root = t.TempDir()
	}

	clk := &clock{t: time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)}
	reg, err := registry.NewRegistry(registry.RegistryConfig{Repository: opts.repo, MaxPerOwner: opts.maxPerOwner, Now: clk.Now})
	require.NoError(t, err)
	ports, err := port.NewAllocator(port.AllocatorConfig{Start: 10000, End: 10010, Excluded: []int{10000}})
	require.NoError(t, err)
	vols, err := volume.NewManager(volume.ManagerConfig{Repository: opts.repo, Runtime: opts.rt, Root: opts.root, Now: clk.Now})
	require.NoError(t, err)
	provider := &fakeProvider{}
	reg2, err := proxy.NewRegistrar(proxy.RegistrarConfig{
		Provider:     provider,
		Domain:       "sandbox.local",
		Scheme:       "https",
		CertResolver: "letsencrypt",
		RetryBackoff: time.Nanosecond,
	})
	require.NoError(t, err)
	images := &fakeImages{}

	orch, err := orchestrator.New(orchestrator.OrchestratorConfig{
		Registry:         reg,
		Ports:            ports,
		Volumes:          vols,
		Proxy:            reg2,
		Images:           images,
		Runtime:          opts.rt,
		Limits:           model.Limits{MaxCPU: 4, MaxMemoryBytes: 4 << 30, NetworkEnabled: true},
		DefaultResources: model.Resources{CPU: 1, MemoryBytes: 512 << 20, Timeout: time.Hour},
		Network:          "traefik-net",
		NetworkIsolation: true,
		OperationTimeout: time.Minute,
		Now:              clk.Now,
	})
	require.NoError(t, err)

	return &testEnv{
		orch:     orch,
		rt:       opts.rt,
		repo:     opts.repo,
		reg:      reg,
		ports:    ports,
		volumes:  vols,
		proxy:    reg2,
		provider: provider,
		images:   images,
		clock:    clk,
		root:     opts.root,
	}
}

func webSpec() model.SandboxSpec {
	return model.SandboxSpec{
		Owner:   "alice",
		Image:   "python:3.12",
		Command: []string{"python", "-m", "http.server", "8080"},
		Env:     map[string]string{"A": "1"},
		Ports:   []model.PortSpec{{Internal: 8080}},
	}
}

func TestNew(t *testing.T) {
	tests := map[string]struct {
		cfg    orchestrator.OrchestratorConfig
		expErr string
	}{
		"Missing registry should fail.": {
			cfg:    orchestrator.OrchestratorConfig{},
			expErr: "registry is required",
		},
		"Missing port allocator should fail.": {
			cfg:    orchestrator.OrchestratorConfig{Registry: &registry.Registry{}},
			expErr: "port allocator is required",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			o, err := orchestrator.New(test.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), test.expErr)
			assert.Nil(t, o)
		})
	}
}

func TestOrchestratorCreate(t *testing.T) {
	tests := map[string]struct {
		spec   func() model.SandboxSpec
		setup  func(e *testEnv)
		expErr error
		check  func(t *testing.T, e *testEnv, sb model.Sandbox)
	}{
		"A created sandbox should be running with its resources.": {
			spec: func() model.SandboxSpec {
				s := webSpec()
				s.Ports = append(s.Ports, model.PortSpec{Internal: 5432, Protocol: model.ProtocolTCP, External: 10005})
				s.Volumes = []model.VolumeMount{{Volume: "data", MountPath: "/data"}}
				return s
			},
			check: func(t *testing.T, e *testEnv, sb model.Sandbox) {
				assert.Equal(t, model.SandboxStateRunning, sb.State)
				assert.Equal(t, "alice", sb.Owner)
				assert.Equal(t, 1.0, sb.Spec.Resources.CPU)
				assert.Equal(t, int64(512<<20), sb.Spec.Resources.MemoryBytes)
				require.NotNil(t, sb.StartedAt)

				require.Len(t, sb.Ports, 2)
				assert.Equal(t, 10001, sb.Ports[0].External)
				assert.Equal(t, model.DefaultSubdomain(sb.ID, 8080), sb.Ports[0].Subdomain)
				assert.Equal(t, 10005, sb.Ports[1].External)
				assert.Empty(t, sb.Ports[1].Subdomain)
				assert.True(t, e.ports.InUse(10001))
				assert.True(t, e.ports.InUse(10005))

				assert.Equal(t, []model.VolumeMount{{Volume: "data", MountPath: "/data", Mode: model.MountModeRW}}, sb.Volumes)
				assert.DirExists(t, filepath.Join(e.root, "data"))

				spec, ok := e.rt.Spec(sb.ContainerID)
				require.True(t, ok)
				assert.Equal(t, sb.ContainerName(), spec.Name)
				assert.Equal(t, "traefik-net", spec.Network)
				assert.Equal(t, "true", spec.Labels[conventions.LabelManaged])
				assert.Equal(t, sb.ID, spec.Labels[conventions.LabelSandboxID])
				assert.Equal(t, "alice", spec.Labels[conventions.LabelOwner])
				assert.Equal(t, []runtime.PortBinding{
					{HostPort: 10001, ContainerPort: 8080, Transport: "tcp"},
					{HostPort: 10005, ContainerPort: 5432, Transport: "tcp"},
				}, spec.Ports)
				require.Len(t, spec.Mounts, 1)
				assert.Equal(t, filepath.Join(e.root, "data"), spec.Mounts[0].Source)

				assert.Equal(t, []string{"python:3.12"}, e.images.refs)
				assert.Len(t, e.proxy.Published(sb.ID), 2)
				assert.Contains(t, e.provider.last.HTTP.Routers, proxy.RouteName(sb.ID, 8080))

				urls, err := e.orch.URLs(sb.ID)
				require.NoError(t, err)
				assert.Equal(t, "https://"+model.DefaultSubdomain(sb.ID, 8080)+".sandbox.local", urls[8080])
				assert.Equal(t, "tcp://sandbox.local:10005", urls[5432])
			},
		},

		"An invalid spec should fail without side effects.": {
			spec: func() model.SandboxSpec {
				s := webSpec()
				s.Resources.CPU = 64
				return s
			},
			expErr: model.ErrValidation,
			check: func(t *testing.T, e *testEnv, _ model.Sandbox) {
				assert.Empty(t, e.reg.List(registry.ListFilter{}))
				assert.Equal(t, 0, e.rt.Calls(fake.OpCreate))
				assert.Equal(t, 9, e.ports.Available())
			},
		},

		"A pinned external port that is excluded should fail without side effects.": {
			spec: func() model.SandboxSpec {
				s := webSpec()
				s.Ports = []model.PortSpec{{Internal: 8080, External: 10000}}
				return s
			},
			expErr: model.ErrValidation,
			check: func(t *testing.T, e *testEnv, _ model.Sandbox) {
				assert.Empty(t, e.reg.List(registry.ListFilter{}))
				assert.Equal(t, 0, e.reg.CountActive("alice"))
				assert.Equal(t, 9, e.ports.Available())
			},
		},

		"A pinned external port outside the range should fail without side effects.": {
			spec: func() model.SandboxSpec {
				s := webSpec()
				s.Ports = []model.PortSpec{{Internal: 8080, External: 80}}
				return s
			},
			expErr: model.ErrValidation,
			check: func(t *testing.T, e *testEnv, _ model.Sandbox) {
				assert.Empty(t, e.reg.List(registry.ListFilter{}))
				assert.Equal(t, 0, e.reg.CountActive("alice"))
				assert.Equal(t, 0, e.rt.Calls(fake.OpCreate))
			},
		},

		"A GPU request with GPUs disabled should fail validation.": {
			spec: func() model.SandboxSpec {
				s := webSpec()
				s.Resources.GPU = "all"
				return s
			},
			expErr: model.ErrValidation,
		},

		"Running out of ports should fail and release the claimed ones.": {
			spec: func() model.SandboxSpec {
				s := webSpec()
				s.Ports = nil
				for i := range 10 {
					s.Ports = append(s.Ports, model.PortSpec{Internal: 8000 + i})
				}
				s.Ports = append(s.Ports, model.PortSpec{Internal: 9000, External: 10009})
				return s
			},
			expErr: model.ErrExhausted,
			check: func(t *testing.T, e *testEnv, _ model.Sandbox) {
				sbs := e.reg.List(registry.ListFilter{})
				require.Len(t, sbs, 1)
				assert.Equal(t, model.SandboxStateError, sbs[0].State)
				assert.Empty(t, sbs[0].Ports)
				assert.Equal(t, 9, e.ports.Available())
			},
		},

		"Running out of ports on a later protocol should release the earlier ones.": {
			spec: func() model.SandboxSpec {
				s := webSpec()
				s.Ports = nil
				for i := range 5 {
					s.Ports = append(s.Ports, model.PortSpec{Internal: 8000 + i})
					s.Ports = append(s.Ports, model.PortSpec{Internal: 9000 + i, Protocol: model.ProtocolTCP})
				}
				return s
			},
			expErr: model.ErrExhausted,
			check: func(t *testing.T, e *testEnv, _ model.Sandbox) {
				assert.Equal(t, 9, e.ports.Available())
			},
		},

		"A runtime failure should roll back and leave the sandbox in error.": {
			spec: func() model.SandboxSpec {
				s := webSpec()
				s.Volumes = []model.VolumeMount{{Volume: "data", MountPath: "/data"}}
				return s
			},
			setup: func(e *testEnv) {
				e.rt.FailNext(fake.OpStart, model.ErrRuntimeRejected)
			},
			expErr: model.ErrRuntimeRejected,
			check: func(t *testing.T, e *testEnv, _ model.Sandbox) {
				sbs := e.reg.List(registry.ListFilter{})
				require.Len(t, sbs, 1)
				sb := sbs[0]
				assert.Equal(t, model.SandboxStateError, sb.State)
				assert.Contains(t, sb.Error, "runtime rejected")
				assert.Empty(t, sb.Ports)
				assert.Empty(t, sb.Volumes)
				assert.Empty(t, sb.ContainerID)
				assert.Equal(t, 9, e.ports.Available())
				assert.Empty(t, e.rt.Containers())
				assert.Empty(t, e.volumes.Mounts(sb.ID))
				assert.Empty(t, e.proxy.All())

				vol, err := e.volumes.Get(context.TODO(), "data")
				require.NoError(t, err)
				assert.Empty(t, vol.Mounters)
			},
		},

		"A proxy failure should roll back the container.": {
			spec: webSpec,
			setup: func(e *testEnv) {
				e.provider.failNext(10)
			},
			expErr: model.ErrProxyPublish,
			check: func(t *testing.T, e *testEnv, _ model.Sandbox) {
				assert.Empty(t, e.rt.Containers())
				assert.Equal(t, 9, e.ports.Available())
			},
		},

		"An image failure should fail the create.": {
			spec: webSpec,
			setup: func(e *testEnv) {
				e.images.err = model.ErrNotFound
			},
			expErr: model.ErrNotFound,
			check: func(t *testing.T, e *testEnv, _ model.Sandbox) {
				assert.Equal(t, 0, e.rt.Calls(fake.OpCreate))
			},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t, envOpts{})
			if test.setup != nil {
				test.setup(e)
			}

			sb, err := e.orch.Create(context.TODO(), test.spec())
			if test.expErr != nil {
				assert.ErrorIs(t, err, test.expErr)
				var opErr *model.OpError
				assert.ErrorAs(t, err, &opErr)
			} else {
				require.NoError(t, err)
			}

			if test.check != nil {
				test.check(t, e, sb)
			}
		})
	}
}

func TestOrchestratorCreatePortsDisjoint(t *testing.T) {
	e := newEnv(t, envOpts{})

	seen := map[int]bool{}
	for range 4 {
		s := webSpec()
		s.Ports = []model.PortSpec{{Internal: 80}, {Internal: 443}}
		sb, err := e.orch.Create(context.TODO(), s)
		require.NoError(t, err)
		for _, p := range sb.ExternalPorts() {
			assert.False(t, seen[p], "port %d allocated twice", p)
			assert.NotEqual(t, 10000, p)
			seen[p] = true
		}
	}

	_, err := e.orch.Create(context.TODO(), webSpec())
	assert.ErrorIs(t, err, model.ErrExhausted)
}

func TestOrchestratorCreateConcurrentQuota(t *testing.T) {
	e := newEnv(t, envOpts{maxPerOwner: 3})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		running int
		quota   int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := webSpec()
			s.Ports = nil
			_, err := e.orch.Create(context.TODO(), s)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				running++
			case errors.Is(err, model.ErrQuotaExceeded):
				quota++
			default:
				t.Errorf("unexpected error: %s", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, running)
	assert.Equal(t, 5, quota)
	assert.Len(t, e.reg.List(registry.ListFilter{States: []model.SandboxState{model.SandboxStateRunning}}), 3)
}

func TestOrchestratorLifecycle(t *testing.T) {
	tests := map[string]struct {
		run func(t *testing.T, e *testEnv, sb model.Sandbox)
	}{
		"Stop should keep the ports and withdraw the routes.": {
			run: func(t *testing.T, e *testEnv, sb model.Sandbox) {
				got, err := e.orch.Stop(context.TODO(), sb.ID)
				require.NoError(t, err)
				assert.Equal(t, model.SandboxStateStopped, got.State)
				assert.Equal(t, sb.Ports, got.Ports)
				assert.True(t, e.ports.InUse(sb.Ports[0].External))
				assert.Empty(t, e.proxy.Published(sb.ID))

				info, err := e.rt.Inspect(context.TODO(), sb.ContainerID)
				require.NoError(t, err)
				assert.False(t, info.Running)
			},
		},

		"Stopping a stopped sandbox should fail with an invalid state.": {
			run: func(t *testing.T, e *testEnv, sb model.Sandbox) {
				_, err := e.orch.Stop(context.TODO(), sb.ID)
				require.NoError(t, err)
				_, err = e.orch.Stop(context.TODO(), sb.ID)
				assert.ErrorIs(t, err, model.ErrInvalidState)
				assert.ErrorIs(t, err, model.ErrValidation)
			},
		},

		"Start should run the container and publish the routes again.": {
			run: func(t *testing.T, e *testEnv, sb model.Sandbox) {
				_, err := e.orch.Stop(context.TODO(), sb.ID)
				require.NoError(t, err)
				got, err := e.orch.Start(context.TODO(), sb.ID)
				require.NoError(t, err)
				assert.Equal(t, model.SandboxStateRunning, got.State)
				assert.Len(t, e.proxy.Published(sb.ID), 1)
			},
		},

		"Starting a running sandbox should fail with an invalid state.": {
			run: func(t *testing.T, e *testEnv, sb model.Sandbox) {
				_, err := e.orch.Start(context.TODO(), sb.ID)
				assert.ErrorIs(t, err, model.ErrInvalidState)
			},
		},

		"Restart should leave the sandbox running.": {
			run: func(t *testing.T, e *testEnv, sb model.Sandbox) {
				got, err := e.orch.Restart(context.TODO(), sb.ID)
				require.NoError(t, err)
				assert.Equal(t, model.SandboxStateRunning, got.State)
				assert.Equal(t, 1, e.rt.Calls(fake.OpStop))
				assert.Equal(t, 2, e.rt.Calls(fake.OpStart))
			},
		},

		"A failed stop should move the sandbox to error.": {
			run: func(t *testing.T, e *testEnv, sb model.Sandbox) {
				e.rt.FailNext(fake.OpStop, model.ErrRuntimeTimeout)
				_, err := e.orch.Stop(context.TODO(), sb.ID)
				assert.ErrorIs(t, err, model.ErrRuntimeTimeout)

				got, err := e.orch.Get(sb.ID)
				require.NoError(t, err)
				assert.Equal(t, model.SandboxStateError, got.State)
				assert.NotEmpty(t, got.Error)
			},
		},

		"Delete should release everything and a second delete should not find the sandbox.": {
			run: func(t *testing.T, e *testEnv, sb model.Sandbox) {
				require.NoError(t, e.orch.Delete(context.TODO(), sb.ID))

				assert.False(t, e.ports.InUse(sb.Ports[0].External))
				assert.Empty(t, e.rt.Containers())
				assert.Empty(t, e.proxy.All())
				assert.Empty(t, e.volumes.Mounts(sb.ID))
				_, err := e.repo.GetSandbox(context.TODO(), sb.ID)
				assert.ErrorIs(t, err, model.ErrNotFound)

				err = e.orch.Delete(context.TODO(), sb.ID)
				assert.ErrorIs(t, err, model.ErrNotFound)
			},
		},

		"A failed delete should release the ports and a retry should finish it.": {
			run: func(t *testing.T, e *testEnv, sb model.Sandbox) {
				e.rt.FailNext(fake.OpRemove, model.ErrRuntimeRejected)
				err := e.orch.Delete(context.TODO(), sb.ID)
				assert.ErrorIs(t, err, model.ErrRuntimeRejected)

				got, err := e.orch.Get(sb.ID)
				require.NoError(t, err)
				assert.Equal(t, model.SandboxStateError, got.State)
				assert.Equal(t, sb.ContainerID, got.ContainerID)
				assert.False(t, e.ports.InUse(sb.Ports[0].External))

				require.NoError(t, e.orch.Delete(context.TODO(), sb.ID))
				assert.Empty(t, e.rt.Containers())
			},
		},

		"Deleting a stopped sandbox should work.": {
			run: func(t *testing.T, e *testEnv, sb model.Sandbox) {
				_, err := e.orch.Stop(context.TODO(), sb.ID)
				require.NoError(t, err)
				require.NoError(t, e.orch.Delete(context.TODO(), sb.ID))
			},
		},

		"Unknown sandboxes should not be found.": {
			run: func(t *testing.T, e *testEnv, _ model.Sandbox) {
				_, err := e.orch.Stop(context.TODO(), "missing")
				assert.ErrorIs(t, err, model.ErrNotFound)
				_, err = e.orch.Exec(context.TODO(), "missing", []string{"ls"}, model.ExecOpts{})
				assert.ErrorIs(t, err, model.ErrNotFound)
				assert.ErrorIs(t, e.orch.Delete(context.TODO(), "missing"), model.ErrNotFound)
			},
		},

		"Mark error should keep the resources.": {
			run: func(t *testing.T, e *testEnv, sb model.Sandbox) {
				require.NoError(t, e.orch.MarkError(context.TODO(), sb.ID, "stats failing"))
				got, err := e.orch.Get(sb.ID)
				require.NoError(t, err)
				assert.Equal(t, model.SandboxStateError, got.State)
				assert.Equal(t, "stats failing", got.Error)
				assert.True(t, e.ports.InUse(sb.Ports[0].External))
			},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t, envOpts{})
			sb, err := e.orch.Create(context.TODO(), webSpec())
			require.NoError(t, err)

			test.run(t, e, sb)
		})
	}
}

func TestOrchestratorExec(t *testing.T) {
	e := newEnv(t, envOpts{})
	sb, err := e.orch.Create(context.TODO(), webSpec())
	require.NoError(t, err)

	e.clock.Add(30 * time.Minute)
	res, err := e.orch.Exec(context.TODO(), sb.ID, []string{"echo", "hi"}, model.ExecOpts{})
	require.NoError(t, err)
	assert.Equal(t, "echo hi", string(res.Stdout))

	got, err := e.orch.Get(sb.ID)
	require.NoError(t, err)
	assert.Equal(t, e.clock.Now(), got.LastActiveAt)

	e.clock.Add(time.Minute)
	stream, err := e.orch.StreamExec(context.TODO(), sb.ID, []string{"ls"}, model.ExecOpts{})
	require.NoError(t, err)
	var chunks []model.ExecChunk
	for c, err := range stream {
		require.NoError(t, err)
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 2)
	assert.Equal(t, model.StreamExit, chunks[1].Stream)

	for _, err := range stream {
		assert.ErrorIs(t, err, model.ErrNotValid)
	}

	got, err = e.orch.Get(sb.ID)
	require.NoError(t, err)
	assert.Equal(t, e.clock.Now(), got.LastActiveAt)

	_, err = e.orch.Stop(context.TODO(), sb.ID)
	require.NoError(t, err)
	_, err = e.orch.Exec(context.TODO(), sb.ID, []string{"ls"}, model.ExecOpts{})
	assert.ErrorIs(t, err, model.ErrInvalidState)
}

func TestOrchestratorUpdates(t *testing.T) {
	tests := map[string]struct {
		update func(e *testEnv, id string) (model.Sandbox, error)
		expErr error
		check  func(t *testing.T, e *testEnv, before, after model.Sandbox)
	}{
		"Merging the environment should recreate the container.": {
			update: func(e *testEnv, id string) (model.Sandbox, error) {
				return e.orch.UpdateEnvironment(context.TODO(), id, map[string]string{"B": "2"}, model.EnvUpdateMerge)
			},
			check: func(t *testing.T, e *testEnv, before, after model.Sandbox) {
				assert.Equal(t, map[string]string{"A": "1", "B": "2"}, after.Spec.Env)
				assert.NotEqual(t, before.ContainerID, after.ContainerID)
				assert.Equal(t, before.Ports, after.Ports)
				spec, ok := e.rt.Spec(after.ContainerID)
				require.True(t, ok)
				assert.Equal(t, after.Spec.Env, spec.Env)
				info, err := e.rt.Inspect(context.TODO(), after.ContainerID)
				require.NoError(t, err)
				assert.True(t, info.Running)
				assert.Len(t, e.rt.Containers(), 1)
			},
		},

		"Replacing the environment should substitute it.": {
			update: func(e *testEnv, id string) (model.Sandbox, error) {
				return e.orch.UpdateEnvironment(context.TODO(), id, map[string]string{"C": "3"}, model.EnvUpdateReplace)
			},
			check: func(t *testing.T, e *testEnv, _, after model.Sandbox) {
				assert.Equal(t, map[string]string{"C": "3"}, after.Spec.Env)
			},
		},

		"An invalid environment key should fail without recreating.": {
			update: func(e *testEnv, id string) (model.Sandbox, error) {
				return e.orch.UpdateEnvironment(context.TODO(), id, map[string]string{"1X": "3"}, model.EnvUpdateMerge)
			},
			expErr: model.ErrValidation,
			check: func(t *testing.T, e *testEnv, _, _ model.Sandbox) {
				assert.Equal(t, 1, e.rt.Calls(fake.OpCreate))
			},
		},

		"Updating the command should keep the entrypoint.": {
			update: func(e *testEnv, id string) (model.Sandbox, error) {
				return e.orch.UpdateEntrypoint(context.TODO(), id, nil, []string{"sleep", "infinity"})
			},
			check: func(t *testing.T, e *testEnv, before, after model.Sandbox) {
				assert.Equal(t, []string{"sleep", "infinity"}, after.Spec.Command)
				assert.Equal(t, before.Spec.Entrypoint, after.Spec.Entrypoint)
				spec, _ := e.rt.Spec(after.ContainerID)
				assert.Equal(t, []string{"sleep", "infinity"}, spec.Command)
			},
		},

		"A failed recreate should leave the sandbox in error.": {
			update: func(e *testEnv, id string) (model.Sandbox, error) {
				e.rt.FailNext(fake.OpCreate, model.ErrRuntimeRejected)
				return e.orch.UpdateEntrypoint(context.TODO(), id, []string{"/bin/sh"}, nil)
			},
			expErr: model.ErrRuntimeRejected,
			check: func(t *testing.T, e *testEnv, before, _ model.Sandbox) {
				got, err := e.orch.Get(before.ID)
				require.NoError(t, err)
				assert.Equal(t, model.SandboxStateError, got.State)
				assert.Empty(t, got.ContainerID)
			},
		},

		"Mounting a volume should recreate the container with the mount.": {
			update: func(e *testEnv, id string) (model.Sandbox, error) {
				return e.orch.MountVolume(context.TODO(), id, model.VolumeMount{Volume: "cache", MountPath: "/cache", Mode: model.MountModeRO})
			},
			check: func(t *testing.T, e *testEnv, _, after model.Sandbox) {
				assert.Equal(t, []model.VolumeMount{{Volume: "cache", MountPath: "/cache", Mode: model.MountModeRO}}, after.Volumes)
				spec, _ := e.rt.Spec(after.ContainerID)
				require.Len(t, spec.Mounts, 1)
				assert.True(t, spec.Mounts[0].ReadOnly)

				after, err := e.orch.UnmountVolume(context.TODO(), after.ID, "cache")
				require.NoError(t, err)
				assert.Empty(t, after.Volumes)
				vol, err := e.volumes.Get(context.TODO(), "cache")
				require.NoError(t, err)
				assert.Empty(t, vol.Mounters)
			},
		},

		"Mounting another volume on a used path should conflict.": {
			update: func(e *testEnv, id string) (model.Sandbox, error) {
				if _, err := e.orch.MountVolume(context.TODO(), id, model.VolumeMount{Volume: "a", MountPath: "/data"}); err != nil {
					return model.Sandbox{}, err
				}
				return e.orch.MountVolume(context.TODO(), id, model.VolumeMount{Volume: "b", MountPath: "/data"})
			},
			expErr: model.ErrMountConflict,
		},

		"Updating the timeout should store it.": {
			update: func(e *testEnv, id string) (model.Sandbox, error) {
				return e.orch.UpdateTimeout(context.TODO(), id, 0)
			},
			check: func(t *testing.T, e *testEnv, before, after model.Sandbox) {
				assert.Equal(t, time.Duration(0), after.Spec.Resources.Timeout)
				assert.Equal(t, before.ContainerID, after.ContainerID)
			},
		},

		"A negative timeout should fail.": {
			update: func(e *testEnv, id string) (model.Sandbox, error) {
				return e.orch.UpdateTimeout(context.TODO(), id, -time.Second)
			},
			expErr: model.ErrValidation,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t, envOpts{})
			before, err := e.orch.Create(context.TODO(), webSpec())
			require.NoError(t, err)

			after, err := test.update(e, before.ID)
			if test.expErr != nil {
				assert.ErrorIs(t, err, test.expErr)
			} else {
				require.NoError(t, err)
			}

			if test.check != nil {
				test.check(t, e, before, after)
			}
		})
	}
}

func zipNames(t *testing.T, data []byte) []string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

func TestOrchestratorExportFolder(t *testing.T) {
	tests := map[string]struct {
		scope    model.ExportScope
		folder   string
		setup    func(t *testing.T, e *testEnv, sb model.Sandbox)
		expFiles []string
		expErr   error
	}{
		"Exporting from the volumes should read the host data.": {
			scope:  model.ExportScopeVolumes,
			folder: "/data/out",
			setup: func(t *testing.T, e *testEnv, _ model.Sandbox) {
				dir := filepath.Join(e.root, "data", "out")
				require.NoError(t, os.MkdirAll(dir, 0o755))
				require.NoError(t, os.WriteFile(filepath.Join(dir, "r.txt"), []byte("r"), 0o644))
			},
			expFiles: []string{"r.txt"},
		},

		"Exporting from the container should read its filesystem.": {
			scope:  model.ExportScopeContainer,
			folder: "/work",
			setup: func(t *testing.T, e *testEnv, sb model.Sandbox) {
				e.rt.SetFile(sb.ContainerID, "/work/a.txt", []byte("a"))
				e.rt.SetFile(sb.ContainerID, "/work/sub/b.txt", []byte("b"))
				e.rt.SetFile(sb.ContainerID, "/other/c.txt", []byte("c"))
			},
			expFiles: []string{"a.txt", "sub/b.txt"},
		},

		"Escaping the volume should be a path violation.": {
			scope:  model.ExportScopeVolumes,
			folder: "/data/../../etc",
			expErr: model.ErrPathViolation,
		},

		"A relative folder should fail.": {
			scope:  model.ExportScopeContainer,
			folder: "work",
			expErr: model.ErrValidation,
		},

		"A missing container folder should not be found.": {
			scope:  model.ExportScopeContainer,
			folder: "/nope",
			expErr: model.ErrNotFound,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t, envOpts{})
			s := webSpec()
			s.Volumes = []model.VolumeMount{{Volume: "data", MountPath: "/data"}}
			sb, err := e.orch.Create(context.TODO(), s)
			require.NoError(t, err)
			if test.setup != nil {
				test.setup(t, e, sb)
			}

			var buf bytes.Buffer
			err = e.orch.ExportFolder(context.TODO(), sb.ID, test.folder, test.scope, &buf)
			if test.expErr != nil {
				assert.ErrorIs(t, err, test.expErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expFiles, zipNames(t, buf.Bytes()))
		})
	}
}

func TestOrchestratorRehydrate(t *testing.T) {
	e := newEnv(t, envOpts{})
	s := webSpec()
	s.Volumes = []model.VolumeMount{{Volume: "data", MountPath: "/data"}}
	running, err := e.orch.Create(context.TODO(), s)
	require.NoError(t, err)
	stopped, err := e.orch.Create(context.TODO(), webSpec())
	require.NoError(t, err)
	_, err = e.orch.Stop(context.TODO(), stopped.ID)
	require.NoError(t, err)

	// A sandbox that was being created when the process died.
	interrupted := model.Sandbox{ID: "01J0000000000000000000000Z", Owner: "bob", State: model.SandboxStateCreating}
	require.NoError(t, e.repo.UpsertSandbox(context.TODO(), interrupted))

	// Same storage and runtime, new process.
	e2 := newEnv(t, envOpts{rt: e.rt, repo: e.repo, root: e.root})
	require.NoError(t, e2.orch.Rehydrate(context.TODO()))

	got, err := e2.orch.Get(running.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SandboxStateRunning, got.State)
	assert.True(t, e2.ports.InUse(running.Ports[0].External))
	assert.True(t, e2.ports.InUse(stopped.Ports[0].External))
	assert.Len(t, e2.proxy.Published(running.ID), 1)
	assert.Empty(t, e2.proxy.Published(stopped.ID))
	assert.Equal(t, []model.VolumeMount{{Volume: "data", MountPath: "/data", Mode: model.MountModeRW}}, e2.volumes.Mounts(running.ID))

	got, err = e2.orch.Get(interrupted.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SandboxStateError, got.State)

	// The new process can finish the previous process work.
	require.NoError(t, e2.orch.Delete(context.TODO(), running.ID))
	assert.False(t, e2.ports.InUse(running.Ports[0].External))
}

func TestOrchestratorRehydratePortConflict(t *testing.T) {
	e := newEnv(t, envOpts{})

	claim := func(id string) model.Sandbox {
		return model.Sandbox{
			ID:    id,
			Owner: "alice",
			State: model.SandboxStateStopped,
			Spec:  webSpec(),
			Ports: []model.PortAllocation{{External: 10005, Internal: 8080, Protocol: model.ProtocolHTTP, SandboxID: id}},
		}
	}
	first := claim("01J00000000000000000000AAA")
	second := claim("01J00000000000000000000BBB")
	require.NoError(t, e.repo.UpsertSandbox(context.TODO(), first))
	require.NoError(t, e.repo.UpsertSandbox(context.TODO(), second))

	require.NoError(t, e.orch.Rehydrate(context.TODO()))

	got, err := e.orch.Get(first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SandboxStateStopped, got.State)
	assert.Len(t, got.Ports, 1)

	got, err = e.orch.Get(second.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SandboxStateError, got.State)
	assert.Contains(t, got.Error, "could not reserve ports")
	assert.Empty(t, got.Ports)

	// Deleting the sandbox that lost the port keeps it for its owner.
	require.NoError(t, e.orch.Delete(context.TODO(), second.ID))
	assert.True(t, e.ports.InUse(10005))
}

func TestOrchestratorReclaimOrphans(t *testing.T) {
	e := newEnv(t, envOpts{})
	sb, err := e.orch.Create(context.TODO(), webSpec())
	require.NoError(t, err)

	_, err = e.rt.Create(context.TODO(), runtime.ContainerSpec{
		Name:  "sbx-orphan",
		Image: "alpine",
		Labels: map[string]string{
			conventions.LabelManaged:   "true",
			conventions.LabelSandboxID: "01J0000000000000000000000Y",
		},
	})
	require.NoError(t, err)
	_, err = e.rt.Create(context.TODO(), runtime.ContainerSpec{Name: "unmanaged", Image: "alpine"})
	require.NoError(t, err)

	n, err := e.orch.ReclaimOrphans(context.TODO())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var names []string
	for _, c := range e.rt.Containers() {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{sb.ContainerName(), "unmanaged"}, names)
}
