package image

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/slok/sbxd/internal/log"
	"github.com/slok/sbxd/internal/model"
)

// DockerClient is the interface for the Docker image operations that we use.
type DockerClient interface {
	ImageInspect(ctx context.Context, imageID string, inspectOpts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error)
}

// ManagerConfig is the configuration for the image manager.
type ManagerConfig struct {
	Client DockerClient
	// CacheTTL is how long an ensured image is trusted without asking the daemon again.
	CacheTTL time.Duration
	Logger   log.Logger
}

func (c *ManagerConfig) defaults() error {
	if c.Client == nil {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return fmt.Errorf("could not create Docker client: %w", err)
		}
		c.Client = cli
	}

	if c.CacheTTL <= 0 {
		c.CacheTTL = 10 * time.Minute
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "image.Manager"})

	return nil
}

// Manager makes sure sandbox images are present, pulling or building them.
// Concurrent requests for the same image share a single pull or build.
type Manager struct {
	client DockerClient
	cache  *ttlcache.Cache[string, bool]
	group  singleflight.Group
	logger log.Logger
}

// NewManager returns a new image manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Manager{
		client: cfg.Client,
		cache: ttlcache.New(
			ttlcache.WithTTL[string, bool](cfg.CacheTTL),
			ttlcache.WithDisableTouchOnHit[string, bool](),
		),
		logger: cfg.Logger,
	}, nil
}

// Ensure makes the image available. With a build spec the image is built and tagged as ref,
// otherwise it is pulled when missing.
func (m *Manager) Ensure(ctx context.Context, ref string, b *model.BuildSpec) error {
	key := "pull:" + ref
	if b != nil {
		key = "build:" + ref + ":" + b.ContextPath + ":" + b.Dockerfile
	}

	if item := m.cache.Get(key); item != nil {
		return nil
	}

	ch := m.group.DoChan(key, func() (any, error) {
		var err error
		if b != nil {
			err = m.build(ctx, ref, *b)
		} else {
			err = m.pull(ctx, ref)
		}
		if err != nil {
			return nil, err
		}
		m.cache.Set(key, true, ttlcache.DefaultTTL)
		return nil, nil
	})

	select {
	case <-ctx.Done():
		return fmt.Errorf("ensure image %s: %w: %w", ref, model.ErrRuntimeTimeout, ctx.Err())
	case res := <-ch:
		return res.Err
	}
}

func (m *Manager) pull(ctx context.Context, ref string) error {
	_, err := m.client.ImageInspect(ctx, ref)
	if err == nil {
		return nil
	}
	if !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("could not inspect image %s: %w: %w", ref, model.ErrRuntimeRejected, err)
	}

	m.logger.Infof("Pulling image %s", ref)
	rc, err := m.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("could not pull image %s: %w", ref, classify(ctx, err))
	}
	defer rc.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(rc, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("could not pull image %s: %w", ref, classify(ctx, err))
	}
	m.logger.Infof("Image %s pulled", ref)

	return nil
}

func (m *Manager) build(ctx context.Context, ref string, b model.BuildSpec) error {
	contextPath := b.ContextPath
	if contextPath == "" {
		contextPath = filepath.Dir(b.Dockerfile)
	}
	dockerfile := b.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}
	if filepath.IsAbs(dockerfile) {
		rel, err := filepath.Rel(contextPath, dockerfile)
		if err != nil || !filepath.IsLocal(rel) {
			return fmt.Errorf("dockerfile %s must be inside the build context: %w", dockerfile, model.ErrNotValid)
		}
		dockerfile = rel
	}

	info, err := os.Stat(contextPath)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("build context %s is not a directory: %w", contextPath, model.ErrNotValid)
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(tarDir(contextPath, pw))
	}()
	defer pr.Close()

	m.logger.Infof("Building image %s from %s", ref, contextPath)
	resp, err := m.client.ImageBuild(ctx, pr, build.ImageBuildOptions{
		Tags:        []string{ref},
		Dockerfile:  filepath.ToSlash(dockerfile),
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return fmt.Errorf("could not build image %s: %w", ref, classify(ctx, err))
	}
	defer resp.Body.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("could not build image %s: %w", ref, classify(ctx, err))
	}
	m.logger.Infof("Image %s built", ref)

	return nil
}

func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", model.ErrRuntimeTimeout, err)
	}
	if cerrdefs.IsNotFound(err) {
		return fmt.Errorf("%w: %w", model.ErrNotFound, err)
	}
	return fmt.Errorf("%w: %w", model.ErrRuntimeRejected, err)
}

// tarDir writes the build context as a tar stream, only regular files and directories are included.
func tarDir(dir string, w io.Writer) error {
	tw := tar.NewWriter(w)

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil || rel == "." {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.IsDir() && !info.Mode().IsRegular() {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return err
	}

	return tw.Close()
}
