package backup

import "io"

// Encryptor protects manifests before they leave the host.
// Encryption uses the public key only. Decryption requires a passphrase to
// unlock the private key, producing a DecryptionContext.
type Encryptor interface {
	// Setup performs one-time key generation, protecting the private key
	// with passphrase.
	Setup(passphrase string) error

	// Encrypt encrypts data read from r and writes ciphertext to w.
	Encrypt(r io.Reader, w io.Writer) error

	// Unlock decrypts the private key using the passphrase.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured returns true if the encryptor can be used.
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key in memory.
type DecryptionContext interface {
	// Decrypt decrypts data read from r and writes plaintext to w.
	Decrypt(r io.Reader, w io.Writer) error
}
