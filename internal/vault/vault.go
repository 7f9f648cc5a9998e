package vault

import (
	"errors"
	"fmt"
	"strings"
)

// ErrManifestNotFound is returned by GetManifest for unknown sessions.
var ErrManifestNotFound = errors.New("manifest not found")

// manifestExt is appended to the session ID to name a stored manifest.
const manifestExt = ".manifest"

// checkName rejects host and session IDs that would escape the vault layout.
func checkName(kind, name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid %s: %q", kind, name)
	}
	return nil
}

func checkNames(hostID, sessionID string) error {
	if err := checkName("host id", hostID); err != nil {
		return err
	}
	return checkName("session id", sessionID)
}
