package vault

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"sync"

	"hotbackup/internal/backup"
)

// MemoryVault is an in-memory implementation of the Vault interface.
// It stores all manifests in memory, making it useful for testing.
// This implementation is safe for concurrent use.
type MemoryVault struct {
	name      string
	manifests map[string]map[string][]byte // hostID -> sessionID -> manifest
	mu        sync.RWMutex
}

// NewMemoryVault creates a new in-memory vault with the given name.
func NewMemoryVault(name string) *MemoryVault {
	return &MemoryVault{
		name:      name,
		manifests: make(map[string]map[string][]byte),
	}
}

// PutManifest stores the manifest of one session. Storing the same session
// again replaces the manifest.
func (m *MemoryVault) PutManifest(hostID, sessionID string, r io.Reader, size int64) error {
	if err := checkNames(hostID, sessionID); err != nil {
		return err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	host, ok := m.manifests[hostID]
	if !ok {
		host = make(map[string][]byte)
		m.manifests[hostID] = host
	}
	host[sessionID] = data
	return nil
}

// GetManifest retrieves a stored manifest and writes it to w.
func (m *MemoryVault) GetManifest(hostID, sessionID string, w io.Writer) error {
	m.mu.RLock()
	data, ok := m.manifests[hostID][sessionID]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrManifestNotFound, hostID, sessionID)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// ListManifests returns the session IDs stored for hostID, sorted.
func (m *MemoryVault) ListManifests(hostID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.manifests[hostID]))
	for id := range m.manifests[hostID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// ValidateSetup always succeeds for in-memory vault.
func (m *MemoryVault) ValidateSetup() error {
	return nil
}

// Compile-time check that MemoryVault implements backup.Vault interface
var _ backup.Vault = (*MemoryVault)(nil)
