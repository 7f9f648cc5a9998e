package testutil

import (
	"fmt"
	"path"
	"sync"

	"hotbackup/internal/backup"
)

// MockFilesystemManager is an in-memory directory tree for testing path
// resolution. Directories are identified by an inode-like number so tests
// can model symlinks and bind mounts. Safe for concurrent use.
type MockFilesystemManager struct {
	mu        sync.Mutex
	inodes    map[string]int    // canonical path -> inode
	symlinks  map[string]string // raw path -> canonical target
	failures  map[string]error  // path -> CreateDirectory error
	created   []string
	nextInode int
}

var _ backup.FilesystemManager = (*MockFilesystemManager)(nil)

// NewMockFilesystemManager creates an empty mock filesystem.
func NewMockFilesystemManager() *MockFilesystemManager {
	return &MockFilesystemManager{
		inodes:   make(map[string]int),
		symlinks: make(map[string]string),
		failures: make(map[string]error),
	}
}

// AddDirectory adds a directory with its own identity.
func (m *MockFilesystemManager) AddDirectory(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addLocked(p)
}

func (m *MockFilesystemManager) addLocked(p string) {
	if _, ok := m.inodes[p]; ok {
		return
	}
	m.nextInode++
	m.inodes[p] = m.nextInode
}

// AddSymlink makes link resolve to target, which must already exist.
func (m *MockFilesystemManager) AddSymlink(link, target string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.symlinks[link] = target
}

// AddBindMount adds a directory at p that is the same directory as target
// while keeping its own canonical path.
func (m *MockFilesystemManager) AddBindMount(p, target string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inodes[p] = m.inodes[target]
}

// FailCreate makes CreateDirectory(p) return err.
func (m *MockFilesystemManager) FailCreate(p string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[p] = err
}

// Created returns the directories made through CreateDirectory, in order.
func (m *MockFilesystemManager) Created() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.created...)
}

// Exists reports whether p is a known directory.
func (m *MockFilesystemManager) Exists(p string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inodes[p]
	return ok
}

func (m *MockFilesystemManager) Canonical(rawPath string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := path.Clean(rawPath)
	if target, ok := m.symlinks[p]; ok {
		p = target
	}
	if _, ok := m.inodes[p]; !ok {
		return "", fmt.Errorf("directory not found: %s", rawPath)
	}
	return p, nil
}

func (m *MockFilesystemManager) SameDirectory(a, b string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ia, ok := m.inodes[a]
	if !ok {
		return false, fmt.Errorf("directory not found: %s", a)
	}
	ib, ok := m.inodes[b]
	if !ok {
		return false, fmt.Errorf("directory not found: %s", b)
	}
	return ia == ib, nil
}

func (m *MockFilesystemManager) CreateDirectory(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.failures[p]; ok {
		return err
	}
	if _, ok := m.inodes[path.Dir(p)]; !ok {
		return fmt.Errorf("parent directory not found: %s", path.Dir(p))
	}
	m.addLocked(p)
	m.created = append(m.created, p)
	return nil
}
