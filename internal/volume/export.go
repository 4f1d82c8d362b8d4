package volume

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/klauspost/compress/zip"

	"github.com/slok/sbxd/internal/conventions"
	"github.com/slok/sbxd/internal/model"
)

// Export writes a zip archive of a sandbox folder read from the host side of its mounted volumes.
// The folder must live on a local volume mount.
func (m *Manager) Export(ctx context.Context, sandboxID, folder string, w io.Writer) error {
	if !path.IsAbs(folder) {
		return fmt.Errorf("folder %q must be absolute: %w", folder, model.ErrNotValid)
	}

	vm, rel, err := m.resolveMount(sandboxID, folder)
	if err != nil {
		return err
	}

	vol, err := m.repo.GetVolume(ctx, vm.Volume)
	if err != nil {
		return fmt.Errorf("could not get volume: %w", err)
	}
	if !vol.Local() {
		return fmt.Errorf("volume %s uses driver %s, only local volumes can be exported from the host: %w", vol.Name, vol.Driver, model.ErrNotValid)
	}

	root := conventions.VolumeDir(m.root, vol.Name)
	src, err := containedPath(root, rel)
	if err != nil {
		return err
	}

	zw := zip.NewWriter(w)
	if err := zipDir(ctx, zw, root, src); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("could not close archive: %w", err)
	}

	return nil
}

// resolveMount returns the mount holding the cleaned folder (longest mount path wins) and the
// path relative to it.
func (m *Manager) resolveMount(sandboxID, raw string) (model.VolumeMount, string, error) {
	folder := path.Clean(raw)

	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		best model.VolumeMount
		rel  string
	)
	for p, vm := range m.mounts[sandboxID] {
		prefix := strings.TrimSuffix(p, "/") + "/"
		if folder != p && !strings.HasPrefix(folder+"/", prefix) {
			continue
		}
		if len(p) > len(best.MountPath) {
			best = vm
			rel = strings.TrimPrefix(strings.TrimPrefix(folder, p), "/")
		}
	}

	if best.Volume == "" {
		if strings.Contains(raw, "..") {
			return model.VolumeMount{}, "", fmt.Errorf("folder %q escapes the sandbox volumes: %w", raw, model.ErrPathViolation)
		}
		return model.VolumeMount{}, "", fmt.Errorf("folder %q is not on a mounted volume: %w", raw, model.ErrNotFound)
	}

	return best, rel, nil
}

// containedPath resolves rel inside root, failing when it escapes root lexically or through symlinks.
func containedPath(root, rel string) (string, error) {
	if rel != "" && !filepath.IsLocal(filepath.FromSlash(rel)) {
		return "", fmt.Errorf("path %q escapes the volume: %w", rel, model.ErrPathViolation)
	}

	safe, err := securejoin.SecureJoin(root, rel)
	if err != nil {
		return "", fmt.Errorf("could not resolve path: %w", err)
	}

	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("could not resolve volume root: %w", err)
	}
	unsafe, err := filepath.EvalSymlinks(filepath.Join(root, rel))
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("path %q: %w", rel, model.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("could not resolve path: %w", err)
	}
	if r, err := filepath.Rel(realRoot, unsafe); err != nil || !(r == "." || filepath.IsLocal(r)) {
		return "", fmt.Errorf("path %q resolves outside the volume: %w", rel, model.ErrPathViolation)
	}

	return safe, nil
}

// zipDir archives src with names relative to it. Symlinks are stored as links, never followed,
// and links pointing outside root are skipped.
func zipDir(ctx context.Context, zw *zip.Writer, root, src string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("could not stat %s: %w", src, err)
	}
	if !info.IsDir() {
		return zipFile(zw, src, filepath.Base(src), info)
	}

	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == src {
			return nil
		}

		name, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		name = filepath.ToSlash(name)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			_, err := zw.Create(name + "/")
			return err
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			resolved := target
			if !filepath.IsAbs(resolved) {
				resolved = filepath.Join(filepath.Dir(p), target)
			}
			if r, err := filepath.Rel(root, resolved); err != nil || !filepath.IsLocal(r) {
				return nil
			}
			return zipSymlink(zw, name, target, info)
		case info.Mode().IsRegular():
			return zipFile(zw, p, name, info)
		}

		return nil
	})
}

func zipFile(zw *zip.Writer, src, name string, info fs.FileInfo) error {
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate

	fw, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}

	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(fw, f)
	return err
}

func zipSymlink(zw *zip.Writer, name, target string, info fs.FileInfo) error {
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Store

	fw, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.WriteString(fw, target)
	return err
}

// TarToZip converts a runtime archive of folder into a zip archive with names relative to folder.
// Entries escaping the folder fail with a path violation.
func TarToZip(ctx context.Context, r io.Reader, w io.Writer) error {
	tr := tar.NewReader(r)
	zw := zip.NewWriter(w)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("could not read archive: %w", err)
		}

		// The runtime archive entries start with the base name of the folder.
		name := path.Clean(hdr.Name)
		if strings.HasPrefix(name, "../") || name == ".." || path.IsAbs(name) {
			return fmt.Errorf("archive entry %q escapes the folder: %w", hdr.Name, model.ErrPathViolation)
		}
		rel := name
		if _, r, found := strings.Cut(name, "/"); found {
			rel = r
		} else if hdr.Typeflag == tar.TypeDir {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if _, err := zw.Create(rel + "/"); err != nil {
				return err
			}
		case tar.TypeSymlink:
			zh, err := zip.FileInfoHeader(hdr.FileInfo())
			if err != nil {
				return err
			}
			zh.Name = rel
			zh.Method = zip.Store
			fw, err := zw.CreateHeader(zh)
			if err != nil {
				return err
			}
			if _, err := io.WriteString(fw, hdr.Linkname); err != nil {
				return err
			}
		case tar.TypeReg:
			zh, err := zip.FileInfoHeader(hdr.FileInfo())
			if err != nil {
				return err
			}
			zh.Name = rel
			zh.Method = zip.Deflate
			fw, err := zw.CreateHeader(zh)
			if err != nil {
				return err
			}
			if _, err := io.Copy(fw, tr); err != nil {
				return fmt.Errorf("could not copy %s: %w", rel, err)
			}
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("could not close archive: %w", err)
	}
	return nil
}
