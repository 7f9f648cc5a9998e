package vault

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestMemoryVault_PutAndGetManifest(t *testing.T) {
	vault := NewMemoryVault("test-vault")

	tests := []struct {
		name      string
		sessionID string
		content   string
	}{
		{name: "store and retrieve manifest", sessionID: "s1", content: `{"session":"s1"}`},
		{name: "store empty manifest", sessionID: "empty", content: ""},
		{name: "store large manifest", sessionID: "large", content: strings.Repeat("x", 10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := strings.NewReader(tt.content)
			if err := vault.PutManifest("host-1", tt.sessionID, r, int64(len(tt.content))); err != nil {
				t.Fatalf("PutManifest() error = %v", err)
			}

			var buf bytes.Buffer
			if err := vault.GetManifest("host-1", tt.sessionID, &buf); err != nil {
				t.Fatalf("GetManifest() error = %v", err)
			}
			if got := buf.String(); got != tt.content {
				t.Errorf("GetManifest() = %q, want %q", got, tt.content)
			}
		})
	}
}

func TestMemoryVault_PutManifestOverwrites(t *testing.T) {
	vault := NewMemoryVault("test-vault")

	for _, content := range []string{"first", "second"} {
		if err := vault.PutManifest("h", "s", strings.NewReader(content), int64(len(content))); err != nil {
			t.Fatalf("PutManifest() error = %v", err)
		}
	}

	var buf bytes.Buffer
	if err := vault.GetManifest("h", "s", &buf); err != nil {
		t.Fatalf("GetManifest() error = %v", err)
	}
	if buf.String() != "second" {
		t.Errorf("GetManifest() = %q, want %q", buf.String(), "second")
	}
}

func TestMemoryVault_GetManifestNotFound(t *testing.T) {
	vault := NewMemoryVault("test-vault")

	var buf bytes.Buffer
	err := vault.GetManifest("host-1", "missing", &buf)
	if !errors.Is(err, ErrManifestNotFound) {
		t.Errorf("GetManifest() error = %v, want ErrManifestNotFound", err)
	}
}

func TestMemoryVault_PutManifestSizeMismatch(t *testing.T) {
	vault := NewMemoryVault("test-vault")

	err := vault.PutManifest("host-1", "s1", strings.NewReader("hello"), 100)
	if err == nil {
		t.Error("PutManifest() expected error for size mismatch")
	}
}

func TestMemoryVault_PutManifestInvalidNames(t *testing.T) {
	vault := NewMemoryVault("test-vault")

	for _, tc := range []struct{ host, session string }{
		{"", "s1"},
		{"host-1", ""},
		{"host-1", "../escape"},
		{"a/b", "s1"},
	} {
		if err := vault.PutManifest(tc.host, tc.session, strings.NewReader(""), 0); err == nil {
			t.Errorf("PutManifest(%q, %q) expected error", tc.host, tc.session)
		}
	}
}

func TestMemoryVault_ListManifests(t *testing.T) {
	vault := NewMemoryVault("test-vault")

	for _, id := range []string{"s3", "s1", "s2"} {
		if err := vault.PutManifest("host-1", id, strings.NewReader("m"), 1); err != nil {
			t.Fatalf("PutManifest() error = %v", err)
		}
	}
	if err := vault.PutManifest("host-2", "other", strings.NewReader("m"), 1); err != nil {
		t.Fatalf("PutManifest() error = %v", err)
	}

	ids, err := vault.ListManifests("host-1")
	if err != nil {
		t.Fatalf("ListManifests() error = %v", err)
	}
	if strings.Join(ids, ",") != "s1,s2,s3" {
		t.Errorf("ListManifests() = %v, want [s1 s2 s3]", ids)
	}

	ids, err = vault.ListManifests("unknown")
	if err != nil {
		t.Fatalf("ListManifests() error = %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("ListManifests(unknown) = %v, want empty", ids)
	}
}

func TestMemoryVault_ValidateSetup(t *testing.T) {
	vault := NewMemoryVault("test-vault")
	if err := vault.ValidateSetup(); err != nil {
		t.Errorf("ValidateSetup() error = %v", err)
	}
}
