package io

import (
	"context"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/sbxd/internal/model"
)

func TestSpecYAMLRepositoryGetSpec(t *testing.T) {
	tests := map[string]struct {
		fs      fstest.MapFS
		path    string
		expSpec model.SandboxSpec
		expErr  bool
	}{
		"A complete spec should load successfully.": {
			fs: fstest.MapFS{
				"sandbox.yaml": &fstest.MapFile{Data: []byte(`
owner: alice
image: python:3.12-slim
command: ["python", "-m", "http.server", "8080"]
env:
  FOO: bar
resources:
  cpu: 2
  memory: 1g
  timeout: 30m
ports:
  - 8080/http@web
  - 5432/tcp
volumes:
  - volume: data
    path: /data
  - volume: models
    path: /models
    mode: ro
`)},
			},
			path: "sandbox.yaml",
			expSpec: model.SandboxSpec{
				Owner:   "alice",
				Image:   "python:3.12-slim",
				Command: []string{"python", "-m", "http.server", "8080"},
				Env:     map[string]string{"FOO": "bar"},
				Resources: model.Resources{
					CPU:         2,
					MemoryBytes: 1024 * 1024 * 1024,
					Timeout:     30 * time.Minute,
				},
				Ports: []model.PortSpec{
					{Internal: 8080, Protocol: model.ProtocolHTTP, Subdomain: "web"},
					{Internal: 5432, Protocol: model.ProtocolTCP},
				},
				Volumes: []model.VolumeMount{
					{Volume: "data", MountPath: "/data", Mode: model.MountModeRW},
					{Volume: "models", MountPath: "/models", Mode: model.MountModeRO},
				},
			},
		},

		"A minimal spec should leave resources empty.": {
			fs: fstest.MapFS{
				"sandbox.yaml": &fstest.MapFile{Data: []byte("image: alpine:3.20\n")},
			},
			path:    "sandbox.yaml",
			expSpec: model.SandboxSpec{Image: "alpine:3.20"},
		},

		"A build spec should be loaded.": {
			fs: fstest.MapFS{
				"sandbox.yaml": &fstest.MapFile{Data: []byte("image: my-app:dev\nbuild:\n  context: ./app\n")},
			},
			path:    "sandbox.yaml",
			expSpec: model.SandboxSpec{Image: "my-app:dev", Build: &model.BuildSpec{ContextPath: "./app"}},
		},

		"Missing image should fail.": {
			fs:     fstest.MapFS{"sandbox.yaml": &fstest.MapFile{Data: []byte("owner: alice\n")}},
			path:   "sandbox.yaml",
			expErr: true,
		},

		"Memory without unit should fail.": {
			fs:     fstest.MapFS{"sandbox.yaml": &fstest.MapFile{Data: []byte("image: alpine\nresources:\n  memory: \"512\"\n")}},
			path:   "sandbox.yaml",
			expErr: true,
		},

		"Invalid ports should fail.": {
			fs:     fstest.MapFS{"sandbox.yaml": &fstest.MapFile{Data: []byte("image: alpine\nports: [\"99999\"]\n")}},
			path:   "sandbox.yaml",
			expErr: true,
		},

		"Invalid YAML should fail.": {
			fs:     fstest.MapFS{"sandbox.yaml": &fstest.MapFile{Data: []byte("image: [\n")}},
			path:   "sandbox.yaml",
			expErr: true,
		},

		"Missing file should fail.": {
			fs:     fstest.MapFS{},
			path:   "sandbox.yaml",
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			repo := NewSpecYAMLRepository(test.fs)
			spec, err := repo.GetSpec(context.Background(), test.path)
			if test.expErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expSpec, spec)
		})
	}
}
