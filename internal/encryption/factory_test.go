package encryption

import (
	"testing"

	"hotbackup/internal/config"
)

func TestNewEncryptorFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.EncryptionConfig
		want    string
		wantErr bool
	}{
		{name: "default is none", cfg: config.EncryptionConfig{}, want: "none"},
		{name: "none", cfg: config.EncryptionConfig{Type: "none"}, want: "none"},
		{name: "test", cfg: config.EncryptionConfig{Type: "test"}, want: "test"},
		{
			name: "age",
			cfg:  config.EncryptionConfig{Type: "age", PublicKeyPath: "/k/hotbackup.pub", PrivateKeyPath: "/k/hotbackup.key"},
			want: "age",
		},
		{name: "age without keys", cfg: config.EncryptionConfig{Type: "age"}, wantErr: true},
		{name: "unknown", cfg: config.EncryptionConfig{Type: "rot13"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewEncryptorFromConfig(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewEncryptorFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}

			var kind string
			switch got.(type) {
			case NoneEncryptor:
				kind = "none"
			case *TestEncryptor:
				kind = "test"
			case *AgeEncryptor:
				kind = "age"
			}
			if kind != tt.want {
				t.Errorf("NewEncryptorFromConfig() = %T, want %s", got, tt.want)
			}
		})
	}
}
