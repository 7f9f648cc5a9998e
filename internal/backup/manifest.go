package backup

import (
	"strconv"
	"time"

	"hotbackup/internal/result"
)

// BuildManifest describes a finished session: where it copied from and to,
// how it ended and the last progress reported by the engine.
func BuildManifest(hostID string, rec *SessionRecord, snap Snapshot) (*result.Document, error) {
	doc := result.New()
	fields := []field{
		{"host", hostID},
		{"session", rec.ID},
		{"destination", rec.Destination},
		{"status", string(rec.Status)},
		{"startedAt", rec.StartedAt.UTC().Format(time.RFC3339)},
	}
	if rec.FinishedAt.Valid {
		fields = append(fields, field{"finishedAt", rec.FinishedAt.Time.UTC().Format(time.RFC3339)})
	}
	for i, p := range rec.Pairs {
		fields = append(fields,
			field{pairPath(i, "source"), p.Source},
			field{pairPath(i, "destination"), p.Destination},
		)
	}
	if rec.Errno != 0 || rec.ErrorMessage != "" {
		fields = append(fields,
			field{"error.errno", rec.Errno},
			field{"error.message", rec.ErrorMessage},
		)
	}
	if rec.Reason != "" {
		fields = append(fields, field{"reason", rec.Reason})
	}
	if err := setFields(doc, fields); err != nil {
		return nil, err
	}

	progress := result.New()
	if err := snap.AppendTo(progress); err != nil {
		return nil, err
	}
	if err := doc.SetDocument("progress", progress); err != nil {
		return nil, err
	}
	return doc, nil
}

func pairPath(i int, key string) string {
	return "dirs." + strconv.Itoa(i) + "." + key
}
