package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/docker/docker/client"
	"github.com/redis/go-redis/v9"

	"github.com/slok/sbxd/internal/config"
	"github.com/slok/sbxd/internal/image"
	"github.com/slok/sbxd/internal/log"
	"github.com/slok/sbxd/internal/orchestrator"
	"github.com/slok/sbxd/internal/port"
	"github.com/slok/sbxd/internal/proxy"
	"github.com/slok/sbxd/internal/registry"
	"github.com/slok/sbxd/internal/runtime/docker"
	"github.com/slok/sbxd/internal/storage/sqlite"
	"github.com/slok/sbxd/internal/volume"
)

// stack holds the engine components of a command execution.
type stack struct {
	cfg     config.Config
	repo    *sqlite.Repository
	runtime *docker.Runtime
	ports   *port.Allocator
	volumes *volume.Manager
	orch    *orchestrator.Orchestrator
	// proxyCheck checks the proxy provider backend is usable.
	proxyCheck func(ctx context.Context) error
	closers    []func() error
}

// Close releases the stack resources.
func (s *stack) Close() error {
	var err error
	for _, c := range s.closers {
		if cerr := c(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// newStack wires the engine from the environment configuration. The registry is rehydrated
// from storage so every command sees the same port, volume and route tables.
func newStack(ctx context.Context, root RootCommand) (*stack, error) {
	s, err := buildStack(ctx, root)
	if err != nil {
		return nil, err
	}

	if err := s.orch.Rehydrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("could not rehydrate sandboxes: %w", err)
	}

	return s, nil
}

func buildStack(ctx context.Context, root RootCommand) (_ *stack, err error) {
	logger := root.Logger

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("could not load config: %w", err)
	}

	s := &stack{cfg: cfg}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	s.repo, err = sqlite.NewRepository(ctx, sqlite.RepositoryConfig{
		DBPath: root.DBPath,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create repository: %w", err)
	}
	s.closers = append(s.closers, s.repo.Close)

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("could not create docker client: %w", err)
	}
	s.closers = append(s.closers, cli.Close)

	s.runtime, err = docker.NewRuntime(docker.RuntimeConfig{
		Client:       cli,
		Timeout:      cfg.RuntimeTimeout,
		MaxRetries:   cfg.RuntimeMaxRetries,
		RetryBackoff: cfg.RuntimeRetryBackoff,
		DiskBudget:   int64(cfg.DiskBudget),
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create runtime: %w", err)
	}

	images, err := image.NewManager(image.ManagerConfig{
		Client:   cli,
		CacheTTL: cfg.ImageCacheTTL,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create image manager: %w", err)
	}

	s.ports, err = port.NewAllocator(port.AllocatorConfig{
		Start:    cfg.PortRangeStart,
		End:      cfg.PortRangeEnd,
		Excluded: cfg.ExcludedPorts(),
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create port allocator: %w", err)
	}

	s.volumes, err = volume.NewManager(volume.ManagerConfig{
		Repository: s.repo,
		Runtime:    s.runtime,
		Root:       cfg.VolumesRoot,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create volume manager: %w", err)
	}

	provider, err := s.newProxyProvider(logger)
	if err != nil {
		return nil, fmt.Errorf("could not create proxy provider: %w", err)
	}

	registrar, err := proxy.NewRegistrar(proxy.RegistrarConfig{
		Provider:      provider,
		Domain:        cfg.Domain,
		Scheme:        cfg.DomainScheme,
		EntryPoint:    cfg.TraefikEntrypoint,
		CertResolver:  cfg.TraefikCertResolver,
		MinTLSVersion: cfg.TraefikSSLMinVersion,
		CipherSuites:  cfg.TraefikSSLCiphers,
		MaxRetries:    cfg.ProxyPublishRetries,
		RetryBackoff:  cfg.RuntimeRetryBackoff,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create proxy registrar: %w", err)
	}

	reg, err := registry.NewRegistry(registry.RegistryConfig{
		Repository:  s.repo,
		MaxPerOwner: cfg.MaxContainersPerUser,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create registry: %w", err)
	}

	s.orch, err = orchestrator.New(orchestrator.OrchestratorConfig{
		Registry:         reg,
		Ports:            s.ports,
		Volumes:          s.volumes,
		Proxy:            registrar,
		Images:           images,
		Runtime:          s.runtime,
		Limits:           cfg.Limits(),
		DefaultResources: cfg.DefaultResources(),
		Network:          cfg.DockerDefaultNetwork,
		NetworkIsolation: cfg.NetworkIsolation,
		StopTimeout:      cfg.StopTimeout,
		OperationTimeout: cfg.OperationTimeout,
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create orchestrator: %w", err)
	}

	return s, nil
}

func (s *stack) newProxyProvider(logger log.Logger) (proxy.Provider, error) {
	switch s.cfg.ProxyProvider {
	case config.ProxyProviderRedis:
		rdb := redis.NewClient(&redis.Options{Addr: s.cfg.ProxyRedisAddr})
		s.closers = append(s.closers, rdb.Close)
		s.proxyCheck = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }

		return proxy.NewKVProvider(proxy.KVProviderConfig{
			Store:   proxy.NewRedisKVStore(rdb),
			RootKey: s.cfg.ProxyRedisRootKey,
			Logger:  logger,
		})
	default:
		path := s.cfg.ProxyFile
		s.proxyCheck = func(context.Context) error { return checkWritableDir(filepath.Dir(path)) }

		return proxy.NewFileProvider(proxy.FileProviderConfig{
			Path:   path,
			Logger: logger,
		})
	}
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".sbxd-*")
	if err != nil {
		return err
	}
	f.Close()
	return os.Remove(f.Name())
}
