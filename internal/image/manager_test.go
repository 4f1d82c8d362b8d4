package image_test

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/build"
	dockerimage "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/sbxd/internal/image"
	"github.com/slok/sbxd/internal/model"
)

type fakeClient struct {
	present  bool
	pullErr  error
	pulls    atomic.Int32
	builds   atomic.Int32
	mu       sync.Mutex
	buildOpt build.ImageBuildOptions
	files    []string
}

func (f *fakeClient) ImageInspect(_ context.Context, ref string, _ ...client.ImageInspectOption) (dockerimage.InspectResponse, error) {
	if f.present {
		return dockerimage.InspectResponse{ID: "sha256:1"}, nil
	}
	return dockerimage.InspectResponse{}, cerrdefs.ErrNotFound
}

func (f *fakeClient) ImagePull(_ context.Context, _ string, _ dockerimage.PullOptions) (io.ReadCloser, error) {
	f.pulls.Add(1)
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	return io.NopCloser(strings.NewReader(`{"status":"Pulling"}` + "\n" + `{"status":"Done"}` + "\n")), nil
}

func (f *fakeClient) ImageBuild(_ context.Context, buildContext io.Reader, opts build.ImageBuildOptions) (build.ImageBuildResponse, error) {
	f.builds.Add(1)

	var files []string
	tr := tar.NewReader(buildContext)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return build.ImageBuildResponse{}, err
		}
		files = append(files, hdr.Name)
	}

	f.mu.Lock()
	f.buildOpt = opts
	f.files = files
	f.mu.Unlock()

	return build.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(`{"stream":"Step 1/1"}` + "\n"))}, nil
}

func TestManagerEnsurePull(t *testing.T) {
	tests := map[string]struct {
		client   *fakeClient
		expPulls int32
		expErr   error
	}{
		"A present image should not be pulled.": {
			client:   &fakeClient{present: true},
			expPulls: 0,
		},

		"A missing image should be pulled once.": {
			client:   &fakeClient{},
			expPulls: 1,
		},

		"A failed pull should be rejected.": {
			client:   &fakeClient{pullErr: cerrdefs.ErrInvalidArgument},
			expPulls: 1,
			expErr:   model.ErrRuntimeRejected,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			m, err := image.NewManager(image.ManagerConfig{Client: test.client})
			require.NoError(t, err)

			err = m.Ensure(context.Background(), "alpine:3", nil)
			if test.expErr != nil {
				assert.ErrorIs(t, err, test.expErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, test.expPulls, test.client.pulls.Load())
		})
	}
}

func TestManagerEnsureCollapsesAndCaches(t *testing.T) {
	c := &fakeClient{}
	m, err := image.NewManager(image.ManagerConfig{Client: c})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Ensure(context.Background(), "alpine:3", nil))
		}()
	}
	wg.Wait()
	require.NoError(t, m.Ensure(context.Background(), "alpine:3", nil))

	assert.LessOrEqual(t, c.pulls.Load(), int32(10))
	pulls := c.pulls.Load()
	require.NoError(t, m.Ensure(context.Background(), "alpine:3", nil))
	assert.Equal(t, pulls, c.pulls.Load())
}

func TestManagerEnsureBuild(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM alpine\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "main.sh"), []byte("echo hi\n"), 0o644))

	c := &fakeClient{}
	m, err := image.NewManager(image.ManagerConfig{Client: c})
	require.NoError(t, err)

	err = m.Ensure(context.Background(), "my/app:dev", &model.BuildSpec{ContextPath: dir})
	require.NoError(t, err)

	assert.Equal(t, int32(1), c.builds.Load())
	assert.Equal(t, []string{"my/app:dev"}, c.buildOpt.Tags)
	assert.Equal(t, "Dockerfile", c.buildOpt.Dockerfile)
	assert.ElementsMatch(t, []string{"Dockerfile", "src", "src/main.sh"}, c.files)
}

func TestManagerEnsureBuildInvalidContext(t *testing.T) {
	m, err := image.NewManager(image.ManagerConfig{Client: &fakeClient{}})
	require.NoError(t, err)

	err = m.Ensure(context.Background(), "my/app:dev", &model.BuildSpec{ContextPath: filepath.Join(t.TempDir(), "missing")})
	assert.ErrorIs(t, err, model.ErrNotValid)
}
