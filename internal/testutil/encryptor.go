package testutil

import (
	"hotbackup/internal/encryption"
)

// NewTestEncryptor creates a deterministic encryptor whose output carries a
// recognisable header.
func NewTestEncryptor() *encryption.TestEncryptor {
	return encryption.NewTestEncryptor()
}
