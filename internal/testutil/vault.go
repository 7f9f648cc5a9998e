package testutil

import (
	"hotbackup/internal/vault"
)

// NewTestVault creates a new in-memory manifest vault for testing.
func NewTestVault() *vault.MemoryVault {
	return vault.NewMemoryVault("test-vault")
}
