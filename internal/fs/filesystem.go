package fs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"hotbackup/internal/backup"
)

// OSFilesystemManager is the real filesystem implementation of FilesystemManager.
// It performs actual filesystem operations using the os package.
type OSFilesystemManager struct{}

// NewOSFilesystemManager creates a new filesystem manager that operates on the real filesystem.
func NewOSFilesystemManager() *OSFilesystemManager {
	return &OSFilesystemManager{}
}

// Canonical returns the absolute, symlink-free form of rawPath.
func (m *OSFilesystemManager) Canonical(rawPath string) (string, error) {
	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return "", fmt.Errorf("resolving absolute path: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		return "", fmt.Errorf("resolving symlinks: %w", err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("stat path: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("path is not a directory: %s", resolved)
	}

	return filepath.ToSlash(resolved), nil
}

// SameDirectory reports whether a and b refer to the same file on disk.
func (m *OSFilesystemManager) SameDirectory(a, b string) (bool, error) {
	ai, err := os.Stat(a)
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", a, err)
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", b, err)
	}
	return os.SameFile(ai, bi), nil
}

// CreateDirectory creates path. The parent directory must already exist.
func (m *OSFilesystemManager) CreateDirectory(path string) error {
	err := os.Mkdir(path, 0755)
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrExist) {
		info, statErr := os.Stat(path)
		if statErr == nil && info.IsDir() {
			return nil
		}
		return fmt.Errorf("path exists and is not a directory: %s", path)
	}
	return err
}

// Compile-time check that OSFilesystemManager implements backup.FilesystemManager interface
var _ backup.FilesystemManager = (*OSFilesystemManager)(nil)
