package backup

import "io"

// Vault archives session manifests outside the backup destination.
type Vault interface {
	// PutManifest stores the manifest of one session for a host.
	// size is the number of bytes that will be read from r.
	PutManifest(hostID, sessionID string, r io.Reader, size int64) error

	// GetManifest retrieves a stored manifest and writes it to w.
	GetManifest(hostID, sessionID string, w io.Writer) error

	// ListManifests returns the session IDs with a stored manifest for a
	// host, sorted.
	ListManifests(hostID string) ([]string, error)

	// ValidateSetup verifies that the vault is accessible and properly configured.
	ValidateSetup() error
}
