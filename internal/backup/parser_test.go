package backup_test

import (
	"errors"
	"testing"
	"time"

	"hotbackup/internal/backup"
)

func TestParseProgress(t *testing.T) {
	tests := []struct {
		name     string
		fraction float64
		line     string
		want     backup.ProgressUpdate
	}{
		{
			name:     "discovery",
			fraction: 0.25,
			line:     "Backup progress 475607 bytes, 13 files.  4 more files known of. Copying file /data/x",
			want: backup.ProgressUpdate{
				Kind:          backup.UpdateDiscovery,
				Fraction:      0.25,
				BytesDone:     475607,
				FilesDone:     12,
				FilesTotal:    17,
				CurrentSource: "/data/x",
			},
		},
		{
			name:     "copying",
			fraction: 0.2,
			line:     "Backup progress 442839 bytes, 10 files.  Copying file: 0/32768 bytes done of /data/db/a to /backup/a.",
			want: backup.ProgressUpdate{
				Kind:              backup.UpdateCopying,
				Fraction:          0.2,
				BytesDone:         442839,
				FilesDone:         9,
				CurrentSource:     "/data/db/a",
				CurrentDest:       "/backup/a",
				CurrentBytesDone:  0,
				CurrentBytesTotal: 32768,
			},
		},
		{
			name:     "throttled",
			fraction: 0.3,
			line:     "Backup progress 442839 bytes, 10 files.  Throttled: copied 16384/32768 bytes of /data/db/a to /backup/a. Sleeping 0.25s for throttling.",
			want: backup.ProgressUpdate{
				Kind:              backup.UpdateThrottled,
				Fraction:          0.3,
				BytesDone:         442839,
				FilesDone:         9,
				CurrentSource:     "/data/db/a",
				CurrentDest:       "/backup/a",
				CurrentBytesDone:  16384,
				CurrentBytesTotal: 32768,
				Sleep:             250 * time.Millisecond,
			},
		},
		{
			name:     "copying a completed file",
			fraction: 1,
			line:     "Backup progress 32768 bytes, 1 files.  Copying file: 32768/32768 bytes done of /data/db/a to /backup/a.",
			want: backup.ProgressUpdate{
				Kind:              backup.UpdateCopying,
				Fraction:          1,
				BytesDone:         32768,
				FilesDone:         0,
				CurrentSource:     "/data/db/a",
				CurrentDest:       "/backup/a",
				CurrentBytesDone:  32768,
				CurrentBytesTotal: 32768,
			},
		},
		{
			name: "destination ending in a dot",
			line: "Backup progress 10 bytes, 2 files.  Copying file: 1/2 bytes done of /data/.hidden to /backup/.hidden.",
			want: backup.ProgressUpdate{
				Kind:              backup.UpdateCopying,
				BytesDone:         10,
				FilesDone:         1,
				CurrentSource:     "/data/.hidden",
				CurrentDest:       "/backup/.hidden",
				CurrentBytesDone:  1,
				CurrentBytesTotal: 2,
			},
		},
		{
			name: "no file in flight yet",
			line: "Backup progress 0 bytes, 0 files.  Copying file: 0/10 bytes done of /a to /b.",
			want: backup.ProgressUpdate{
				Kind:              backup.UpdateCopying,
				FilesDone:         0,
				CurrentSource:     "/a",
				CurrentDest:       "/b",
				CurrentBytesTotal: 10,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := backup.ParseProgress(tt.fraction, tt.line)
			if err != nil {
				t.Fatalf("ParseProgress() error = %v", err)
			}
			if got == nil {
				t.Fatal("ParseProgress() = nil, want an update")
			}
			if *got != tt.want {
				t.Errorf("ParseProgress() = %+v\nwant %+v", *got, tt.want)
			}
		})
	}
}

func TestParseProgress_RootMarker(t *testing.T) {
	got, err := backup.ParseProgress(0.1, "Backup progress 475607 bytes, 13 files.  4 more files known of. Copying file .")
	if err != nil {
		t.Fatalf("ParseProgress() error = %v", err)
	}
	if got != nil {
		t.Errorf("ParseProgress() = %+v, want nil for the root directory", got)
	}
}

func TestParseProgress_Malformed(t *testing.T) {
	lines := map[string]string{
		"empty":                "",
		"unrelated text":       "Checkpoint complete",
		"missing prefix":       "Copying file: 0/10 bytes done of /a to /b.",
		"unknown suffix":       "Backup progress 1 bytes, 2 files.  Verifying checksums",
		"discovery no path":    "Backup progress 1 bytes, 2 files.  4 more files known of. Copying file ",
		"discovery bad count":  "Backup progress 1 bytes, 2 files.  many more files known of. Copying file /a",
		"copying no separator": "Backup progress 1 bytes, 2 files.  Copying file: 0/10 bytes done of /a.",
		"copying bad numbers":  "Backup progress 1 bytes, 2 files.  Copying file: x/10 bytes done of /a to /b.",
		"copying past total":   "Backup progress 1 bytes, 2 files.  Copying file: 11/10 bytes done of /a to /b.",
		"throttled no sleep":   "Backup progress 1 bytes, 2 files.  Throttled: copied 1/10 bytes of /a to /b.",
		"throttled no dest":    "Backup progress 1 bytes, 2 files.  Throttled: copied 1/10 bytes of /a. Sleeping 1.00s for throttling.",
		"negative bytes":       "Backup progress -1 bytes, 2 files.  Copying file: 0/10 bytes done of /a to /b.",
		"byte count overflow":  "Backup progress 99999999999999999999 bytes, 2 files.  Copying file: 0/10 bytes done of /a to /b.",
		"negative files":       "Backup progress 0 bytes, -4 files.  Copying file: 0/10 bytes done of /a to /b.",
		"signed files":         "Backup progress 0 bytes, +4 files.  Copying file: 0/10 bytes done of /a to /b.",
		"negative remaining":   "Backup progress 1 bytes, 2 files.  -3 more files known of. Copying file /a",
	}

	for name, line := range lines {
		t.Run(name, func(t *testing.T) {
			got, err := backup.ParseProgress(0.5, line)
			if !errors.Is(err, backup.ErrMalformedProgress) {
				t.Errorf("ParseProgress() error = %v, want ErrMalformedProgress", err)
			}
			if got != nil {
				t.Errorf("ParseProgress() = %+v, want nil", got)
			}
		})
	}
}

func TestParseProgress_SplitsOnFirstSeparator(t *testing.T) {
	got, err := backup.ParseProgress(0, "Backup progress 1 bytes, 1 files.  Copying file: 0/1 bytes done of /data/a to /backup/a to b.")
	if err != nil {
		t.Fatalf("ParseProgress() error = %v", err)
	}
	if got.CurrentSource != "/data/a" || got.CurrentDest != "/backup/a to b" {
		t.Errorf("paths = (%q, %q), want (\"/data/a\", \"/backup/a to b\")", got.CurrentSource, got.CurrentDest)
	}
}

func TestIsSessionClaim(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"Preparing backup", true},
		{"Preparing backup...", true},
		{"Preparing backup of /data/db", true},
		{"Backup progress 0 bytes, 1 files.  Copying file: 0/1 bytes done of /a to /b.", false},
		{"preparing backup", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := backup.IsSessionClaim(tt.line); got != tt.want {
			t.Errorf("IsSessionClaim(%q) = %v, want %v", tt.line, got, tt.want)
		}
	}
}

func TestUpdateKind_String(t *testing.T) {
	tests := map[backup.UpdateKind]string{
		backup.UpdateDiscovery:  "discovery",
		backup.UpdateThrottled:  "throttled",
		backup.UpdateCopying:    "copying",
		backup.UpdateKind(0):    "unknown",
		backup.UpdateKind(1000): "unknown",
	}
	for kind, want := range tests {
		if got := kind.String(); got != want {
			t.Errorf("UpdateKind(%d).String() = %q, want %q", int(kind), got, want)
		}
	}
}
