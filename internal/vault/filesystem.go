package vault

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"hotbackup/internal/backup"
)

// FileSystemVault stores manifests as files in a directory structure:
//
//	<root>/
//	  manifests/
//	    <hostID>/
//	      <sessionID>.manifest
type FileSystemVault struct {
	name         string
	root         string
	manifestsDir string
}

// NewFileSystemVault creates a new filesystem vault rooted at the given path.
func NewFileSystemVault(name, root string) (*FileSystemVault, error) {
	manifestsDir := filepath.Join(root, "manifests")
	if err := os.MkdirAll(manifestsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create manifests directory: %w", err)
	}

	return &FileSystemVault{
		name:         name,
		root:         root,
		manifestsDir: manifestsDir,
	}, nil
}

func (v *FileSystemVault) manifestPath(hostID, sessionID string) string {
	return filepath.Join(v.manifestsDir, hostID, sessionID+manifestExt)
}

// PutManifest stores the manifest of one session.
func (v *FileSystemVault) PutManifest(hostID, sessionID string, r io.Reader, size int64) error {
	if err := checkNames(hostID, sessionID); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(v.manifestsDir, hostID), 0755); err != nil {
		return fmt.Errorf("failed to create host directory: %w", err)
	}
	return v.writeFile(v.manifestPath(hostID, sessionID), r, size)
}

// GetManifest retrieves a stored manifest and writes it to w.
func (v *FileSystemVault) GetManifest(hostID, sessionID string, w io.Writer) error {
	if err := checkNames(hostID, sessionID); err != nil {
		return err
	}

	f, err := os.Open(v.manifestPath(hostID, sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s/%s", ErrManifestNotFound, hostID, sessionID)
		}
		return fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}
	return nil
}

// ListManifests returns the session IDs stored for hostID, sorted.
func (v *FileSystemVault) ListManifests(hostID string) ([]string, error) {
	if err := checkName("host id", hostID); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(filepath.Join(v.manifestsDir, hostID))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("listing manifests: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), manifestExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), manifestExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// ValidateSetup verifies that the vault directories are accessible.
func (v *FileSystemVault) ValidateSetup() error {
	info, err := os.Stat(v.root)
	if err != nil {
		return fmt.Errorf("vault root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("vault root is not a directory: %s", v.root)
	}

	info, err = os.Stat(v.manifestsDir)
	if err != nil {
		return fmt.Errorf("vault directory not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("vault path is not a directory: %s", v.manifestsDir)
	}
	return nil
}

// writeFile writes data from r to destPath through a temp file in the same
// directory, renamed into place once complete.
func (v *FileSystemVault) writeFile(destPath string, r io.Reader, expectedSize int64) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// Compile-time check that FileSystemVault implements backup.Vault interface
var _ backup.Vault = (*FileSystemVault)(nil)
