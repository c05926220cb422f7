// Package fsutil holds small filesystem helpers shared by logging, the
// CLI and result files. All file access goes through an afero.Fs so it can
// be swapped for an in-memory filesystem.
package fsutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ErrSymlinkUnsupported is returned when the filesystem cannot create symlinks.
var ErrSymlinkUnsupported = errors.New("filesystem does not support symlinks")

// FS wraps an afero.Fs with the helpers below.
type FS struct {
	fs     afero.Fs
	logger *zap.Logger
}

// New wraps fsys. A nil logger discards messages.
func New(fsys afero.Fs, logger *zap.Logger) *FS {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FS{fs: fsys, logger: logger}
}

// OS returns helpers backed by the real filesystem.
func OS(logger *zap.Logger) *FS {
	return New(afero.NewOsFs(), logger)
}

// Afero returns the underlying filesystem.
func (f *FS) Afero() afero.Fs {
	return f.fs
}

// CreateDir creates path and any missing parents. An existing directory is left alone.
func (f *FS) CreateDir(path string) error {
	if f.DirExists(path) {
		f.logger.Debug("directory already exists", zap.String("path", path))
		return nil
	}
	f.logger.Debug("creating directory", zap.String("path", path))
	if err := f.fs.MkdirAll(path, 0o750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// DirExists reports whether path is an existing directory.
func (f *FS) DirExists(path string) bool {
	ok, err := afero.DirExists(f.fs, path)
	return err == nil && ok
}

// LinkLatest points each link at its target, replacing links that already
// exist. Regular files in the way are not touched and cause an error.
func (f *FS) LinkLatest(links map[string]string) error {
	linker, ok := f.fs.(afero.Linker)
	if !ok {
		return ErrSymlinkUnsupported
	}
	lstater, _ := f.fs.(afero.Lstater)

	for link, target := range links {
		if lstater != nil {
			info, _, err := lstater.LstatIfPossible(link)
			switch {
			case err == nil && info.Mode()&fs.ModeSymlink != 0:
				f.logger.Debug("removing old symlink", zap.String("link", link))
				if err := f.fs.Remove(link); err != nil {
					return fmt.Errorf("failed to remove symlink %s: %w", link, err)
				}
			case err == nil:
				return fmt.Errorf("%s exists and is not a symlink", link)
			}
		}
		f.logger.Debug("creating symlink", zap.String("link", link), zap.String("target", target))
		if err := linker.SymlinkIfPossible(target, link); err != nil {
			return fmt.Errorf("failed to link %s to %s: %w", link, target, err)
		}
	}
	return nil
}

// SaveData writes v to path as YAML, creating the parent directory.
func (f *FS) SaveData(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := f.CreateDir(dir); err != nil {
			return err
		}
	}
	f.logger.Debug("saving data", zap.String("path", path), zap.Int("bytes", len(data)))
	if err := afero.WriteFile(f.fs, path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// LoadData decodes the YAML file at path into v.
func (f *FS) LoadData(path string, v any) error {
	data, err := afero.ReadFile(f.fs, path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	f.logger.Debug("loaded data", zap.String("path", path))
	return nil
}

// ReplaceInFile replaces every occurrence of old with new in the file at
// path and returns how many were replaced. The text is matched literally.
// The file is rewritten through a temporary sibling and keeps its mode.
func (f *FS) ReplaceInFile(path, old, new string) (int, error) {
	if old == "" {
		return 0, errors.New("replace: empty search string")
	}
	info, err := f.fs.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	data, err := afero.ReadFile(f.fs, path)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", path, err)
	}

	count := strings.Count(string(data), old)
	f.logger.Debug("replacing string in file",
		zap.String("path", path),
		zap.String("old", old),
		zap.String("new", new),
		zap.Int("count", count))
	if count == 0 {
		return 0, nil
	}

	tmp, err := afero.TempFile(f.fs, filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	_, werr := tmp.WriteString(strings.ReplaceAll(string(data), old, new))
	if err := multierr.Append(werr, tmp.Close()); err != nil {
		_ = f.fs.Remove(tmp.Name())
		return 0, fmt.Errorf("failed to write %s: %w", tmp.Name(), err)
	}
	if err := f.fs.Chmod(tmp.Name(), info.Mode().Perm()); err != nil {
		_ = f.fs.Remove(tmp.Name())
		return 0, fmt.Errorf("failed to chmod %s: %w", tmp.Name(), err)
	}
	if err := f.fs.Rename(tmp.Name(), path); err != nil {
		_ = f.fs.Remove(tmp.Name())
		return 0, fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return count, nil
}

// LoadYAML reads a YAML mapping from path.
func (f *FS) LoadYAML(path string) (map[string]any, error) {
	exists, err := afero.Exists(f.fs, path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("YAML file not found: %s: %w", path, fs.ErrNotExist)
	}
	out := map[string]any{}
	if err := f.LoadData(path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// RandomString returns n random ASCII letters. n below 1 yields 6 letters.
func RandomString(n int) string {
	if n < 1 {
		n = 6
	}
	out := make([]byte, 0, n)
	for len(out) < n {
		id := uuid.New()
		for _, b := range id {
			if len(out) == n {
				break
			}
			out = append(out, letters[int(b)%len(letters)])
		}
	}
	return string(out)
}

// SetEnv sets every variable in vars on the current process.
func SetEnv(vars map[string]string) error {
	for name, value := range vars {
		if err := os.Setenv(name, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", name, err)
		}
	}
	return nil
}
