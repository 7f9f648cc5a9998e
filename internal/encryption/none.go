package encryption

import (
	"io"

	"hotbackup/internal/backup"
)

// NoneEncryptor stores manifests as plain text.
type NoneEncryptor struct{}

var _ backup.Encryptor = NoneEncryptor{}

func (NoneEncryptor) Setup(string) error { return nil }

func (NoneEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	_, err := io.Copy(w, r)
	return err
}

func (NoneEncryptor) Unlock(string) (backup.DecryptionContext, error) {
	return plainContext{}, nil
}

func (NoneEncryptor) IsConfigured() bool { return true }

type plainContext struct{}

func (plainContext) Decrypt(r io.Reader, w io.Writer) error {
	_, err := io.Copy(w, r)
	return err
}
