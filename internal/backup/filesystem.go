package backup

// FilesystemManager is the filesystem collaborator used to resolve and
// prepare backup directories. It abstracts the OS so the mapping logic can be
// tested without touching the real filesystem.
type FilesystemManager interface {
	// Canonical resolves rawPath to an absolute path with symlinks and
	// ".." elements removed. The path must exist.
	Canonical(rawPath string) (string, error)

	// SameDirectory reports whether a and b denote the same directory on
	// disk, regardless of how the paths are spelled.
	SameDirectory(a, b string) (bool, error)

	// CreateDirectory creates a single directory. The parent must exist.
	// An already existing directory is not an error.
	CreateDirectory(path string) error
}
