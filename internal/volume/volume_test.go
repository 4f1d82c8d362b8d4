package volume_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/sbxd/internal/model"
	"github.com/slok/sbxd/internal/runtime"
	"github.com/slok/sbxd/internal/runtime/fake"
	"github.com/slok/sbxd/internal/storage/memory"
	"github.com/slok/sbxd/internal/volume"
)

func newManager(t *testing.T) (*volume.Manager, *fake.Runtime, string) {
	t.Helper()

	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(t, err)
	rt, err := fake.NewRuntime(fake.RuntimeConfig{})
	require.NoError(t, err)

	root := t.TempDir()
	m, err := volume.NewManager(volume.ManagerConfig{Repository: repo, Runtime: rt, Root: root})
	require.NoError(t, err)

	return m, rt, root
}

func TestManagerEnsure(t *testing.T) {
	tests := map[string]struct {
		actions func(ctx context.Context, t *testing.T, m *volume.Manager, rt *fake.Runtime, root string) error
		expErr  error
	}{
		"A local volume should create its host directory.": {
			actions: func(ctx context.Context, t *testing.T, m *volume.Manager, rt *fake.Runtime, root string) error {
				v, err := m.Ensure(ctx, model.Volume{Name: "data"})
				require.NoError(t, err)
				assert.Equal(t, model.DriverLocal, v.Driver)
				assert.DirExists(t, filepath.Join(root, "data"))
				return nil
			},
		},

		"A network volume should be created on the runtime.": {
			actions: func(ctx context.Context, t *testing.T, m *volume.Manager, rt *fake.Runtime, root string) error {
				_, err := m.Ensure(ctx, model.Volume{Name: "shared", Driver: "nfs", SizeBytes: 1024})
				require.NoError(t, err)
				assert.True(t, rt.HasVolume("sbxd-shared"))
				assert.NoDirExists(t, filepath.Join(root, "shared"))
				return nil
			},
		},

		"Ensuring twice should be idempotent.": {
			actions: func(ctx context.Context, t *testing.T, m *volume.Manager, rt *fake.Runtime, root string) error {
				v1, err := m.Ensure(ctx, model.Volume{Name: "data"})
				require.NoError(t, err)
				v2, err := m.Ensure(ctx, model.Volume{Name: "data"})
				require.NoError(t, err)
				assert.Equal(t, v1.CreatedAt, v2.CreatedAt)

				vols, err := m.List(ctx)
				require.NoError(t, err)
				assert.Len(t, vols, 1)
				return nil
			},
		},

		"Ensuring an existing volume with another driver should fail.": {
			actions: func(ctx context.Context, t *testing.T, m *volume.Manager, rt *fake.Runtime, root string) error {
				_, err := m.Ensure(ctx, model.Volume{Name: "data"})
				require.NoError(t, err)
				_, err = m.Ensure(ctx, model.Volume{Name: "data", Driver: "nfs"})
				return err
			},
			expErr: model.ErrAlreadyExists,
		},

		"An invalid name should fail.": {
			actions: func(ctx context.Context, t *testing.T, m *volume.Manager, rt *fake.Runtime, root string) error {
				_, err := m.Ensure(ctx, model.Volume{Name: "../etc"})
				return err
			},
			expErr: model.ErrNotValid,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			m, rt, root := newManager(t)
			err := test.actions(context.Background(), t, m, rt, root)
			if test.expErr != nil {
				assert.ErrorIs(t, err, test.expErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestManagerMountUnmount(t *testing.T) {
	tests := map[string]struct {
		actions func(ctx context.Context, t *testing.T, m *volume.Manager) error
		expErr  error
	}{
		"Mounting a missing volume should create it locally and return a bind mount.": {
			actions: func(ctx context.Context, t *testing.T, m *volume.Manager) error {
				mnt, err := m.Mount(ctx, "sb1", model.VolumeMount{Volume: "data", MountPath: "/work"})
				require.NoError(t, err)
				assert.Equal(t, runtime.MountTypeBind, mnt.Type)
				assert.Equal(t, "/work", mnt.Target)

				v, err := m.Get(ctx, "data")
				require.NoError(t, err)
				assert.Equal(t, []string{"sb1"}, v.Mounters)
				return nil
			},
		},

		"Mounting a network volume should return a volume mount.": {
			actions: func(ctx context.Context, t *testing.T, m *volume.Manager) error {
				_, err := m.Ensure(ctx, model.Volume{Name: "shared", Driver: "nfs"})
				require.NoError(t, err)
				mnt, err := m.Mount(ctx, "sb1", model.VolumeMount{Volume: "shared", MountPath: "/shared", Mode: model.MountModeRO})
				require.NoError(t, err)
				assert.Equal(t, runtime.MountTypeVolume, mnt.Type)
				assert.Equal(t, "sbxd-shared", mnt.Source)
				assert.True(t, mnt.ReadOnly)
				return nil
			},
		},

		"Mounting another volume on an occupied path should conflict.": {
			actions: func(ctx context.Context, t *testing.T, m *volume.Manager) error {
				_, err := m.Mount(ctx, "sb1", model.VolumeMount{Volume: "a", MountPath: "/work"})
				require.NoError(t, err)
				_, err = m.Mount(ctx, "sb1", model.VolumeMount{Volume: "b", MountPath: "/work"})
				return err
			},
			expErr: model.ErrMountConflict,
		},

		"The same path on different sandboxes should not conflict.": {
			actions: func(ctx context.Context, t *testing.T, m *volume.Manager) error {
				_, err := m.Mount(ctx, "sb1", model.VolumeMount{Volume: "a", MountPath: "/work"})
				require.NoError(t, err)
				_, err = m.Mount(ctx, "sb2", model.VolumeMount{Volume: "b", MountPath: "/work"})
				require.NoError(t, err)
				_, err = m.Mount(ctx, "sb2", model.VolumeMount{Volume: "a", MountPath: "/other"})
				require.NoError(t, err)

				v, err := m.Get(ctx, "a")
				require.NoError(t, err)
				assert.Equal(t, []string{"sb1", "sb2"}, v.Mounters)
				return nil
			},
		},

		"Mounting twice the same volume on the same path should be a no-op.": {
			actions: func(ctx context.Context, t *testing.T, m *volume.Manager) error {
				_, err := m.Mount(ctx, "sb1", model.VolumeMount{Volume: "a", MountPath: "/work"})
				require.NoError(t, err)
				_, err = m.Mount(ctx, "sb1", model.VolumeMount{Volume: "a", MountPath: "/work/"})
				require.NoError(t, err)
				assert.Len(t, m.Mounts("sb1"), 1)
				return nil
			},
		},

		"Unmounting should be idempotent and keep the volume.": {
			actions: func(ctx context.Context, t *testing.T, m *volume.Manager) error {
				_, err := m.Mount(ctx, "sb1", model.VolumeMount{Volume: "a", MountPath: "/work"})
				require.NoError(t, err)
				require.NoError(t, m.Unmount(ctx, "sb1", "a"))
				require.NoError(t, m.Unmount(ctx, "sb1", "a"))
				require.NoError(t, m.Unmount(ctx, "sb1", "missing"))

				v, err := m.Get(ctx, "a")
				require.NoError(t, err)
				assert.Empty(t, v.Mounters)
				assert.Empty(t, m.Mounts("sb1"))
				return nil
			},
		},

		"Deleting a mounted volume should fail.": {
			actions: func(ctx context.Context, t *testing.T, m *volume.Manager) error {
				_, err := m.Mount(ctx, "sb1", model.VolumeMount{Volume: "a", MountPath: "/work"})
				require.NoError(t, err)
				return m.Delete(ctx, "a")
			},
			expErr: model.ErrInvalidState,
		},

		"Deleting a volume without mounters should remove it.": {
			actions: func(ctx context.Context, t *testing.T, m *volume.Manager) error {
				_, err := m.Mount(ctx, "sb1", model.VolumeMount{Volume: "a", MountPath: "/work"})
				require.NoError(t, err)
				require.NoError(t, m.UnmountAll(ctx, "sb1"))
				require.NoError(t, m.Delete(ctx, "a"))

				_, err = m.Get(ctx, "a")
				return err
			},
			expErr: model.ErrNotFound,
		},

		"A relative mount path should fail validation.": {
			actions: func(ctx context.Context, t *testing.T, m *volume.Manager) error {
				_, err := m.Mount(ctx, "sb1", model.VolumeMount{Volume: "a", MountPath: "work"})
				return err
			},
			expErr: model.ErrNotValid,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			m, _, _ := newManager(t)
			err := test.actions(context.Background(), t, m)
			if test.expErr != nil {
				assert.ErrorIs(t, err, test.expErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestManagerRehydrate(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(t)

	_, err := m.Mount(ctx, "gone", model.VolumeMount{Volume: "a", MountPath: "/work"})
	require.NoError(t, err)

	err = m.Rehydrate(ctx, []model.Sandbox{
		{ID: "sb1", State: model.SandboxStateRunning, Volumes: []model.VolumeMount{{Volume: "a", MountPath: "/data", Mode: model.MountModeRW}}},
		{ID: "sb2", State: model.SandboxStateTerminated, Volumes: []model.VolumeMount{{Volume: "a", MountPath: "/data"}}},
	})
	require.NoError(t, err)

	v, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"sb1"}, v.Mounters)
	assert.Empty(t, m.Mounts("gone"))
	assert.Equal(t, []model.VolumeMount{{Volume: "a", MountPath: "/data", Mode: model.MountModeRW}}, m.Mounts("sb1"))
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

func TestManagerExport(t *testing.T) {
	tests := map[string]struct {
		folder   string
		expNames []string
		expErr   error
	}{
		"Exporting a mount root should include every file.": {
			folder:   "/work",
			expNames: []string{"a.txt", "link", "sub/", "sub/b.txt"},
		},

		"Exporting a subfolder should use names relative to it.": {
			folder:   "/work/sub",
			expNames: []string{"b.txt"},
		},

		"A folder that stays inside the mount after cleaning should be exported.": {
			folder:   "/work/../work/./sub/",
			expNames: []string{"b.txt"},
		},

		"Escaping the mount should be a path violation.": {
			folder: "/work/../../etc",
			expErr: model.ErrPathViolation,
		},

		"A symlink leaving the volume should be a path violation.": {
			folder: "/work/escape",
			expErr: model.ErrPathViolation,
		},

		"A folder outside the mounts should not be found.": {
			folder: "/tmp",
			expErr: model.ErrNotFound,
		},

		"A relative folder should fail validation.": {
			folder: "work",
			expErr: model.ErrNotValid,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m, _, root := newManager(t)

			_, err := m.Mount(ctx, "sb1", model.VolumeMount{Volume: "data", MountPath: "/work"})
			require.NoError(t, err)

			dir := filepath.Join(root, "data")
			require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))
			require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
			require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("b"), 0o644))
			require.NoError(t, os.Symlink("a.txt", filepath.Join(dir, "link")))
			outside := t.TempDir()
			require.NoError(t, os.Symlink(outside, filepath.Join(dir, "escape")))

			var buf bytes.Buffer
			err = m.Export(ctx, "sb1", test.folder, &buf)
			if test.expErr != nil {
				assert.ErrorIs(t, err, test.expErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expNames, zipNames(t, buf.Bytes()))
		})
	}
}

func TestTarToZip(t *testing.T) {
	ctx := context.Background()
	rt, err := fake.NewRuntime(fake.RuntimeConfig{})
	require.NoError(t, err)

	id, err := rt.Create(ctx, runtime.ContainerSpec{Name: "sbx-1", Image: "alpine"})
	require.NoError(t, err)
	rt.SetFile(id, "/work/a.txt", []byte("a"))
	rt.SetFile(id, "/work/sub/b.txt", []byte("b"))

	rc, err := rt.CopyFrom(ctx, id, "/work")
	require.NoError(t, err)
	defer rc.Close()

	var buf bytes.Buffer
	require.NoError(t, volume.TarToZip(ctx, rc, &buf))
	assert.Equal(t, []string{"a.txt", "sub/b.txt"}, zipNames(t, buf.Bytes()))
}
