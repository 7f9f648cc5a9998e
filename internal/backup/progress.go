package backup

import (
	"sync"

	"hotbackup/internal/result"
)

// ProgressState is the structured view of a running backup, built from the
// engine's progress lines. It is safe for concurrent use: updates and
// snapshots each take the state's own lock for the whole operation, so a
// reader never observes half of an update.
type ProgressState struct {
	mu sync.Mutex
	s  Snapshot
}

// Snapshot is a point-in-time copy of ProgressState.
type Snapshot struct {
	Fraction   float64
	BytesDone  uint64
	FilesDone  int
	FilesTotal int

	// CurrentSource is empty until a file is known.
	CurrentSource string
	// CurrentDest is empty while the destination of the current file is
	// unknown; the byte counters are only meaningful when it is set.
	CurrentDest       string
	CurrentBytesDone  uint64
	CurrentBytesTotal uint64
}

// Percent returns the overall completion as a percentage.
func (s Snapshot) Percent() float64 {
	return s.Fraction * 100.0
}

// AppendTo writes the status fields to doc.
func (s Snapshot) AppendTo(doc *result.Document) error {
	fields := []field{
		{"percent", s.Percent()},
		{"bytesDone", s.BytesDone},
		{"files.done", s.FilesDone},
		{"files.total", s.FilesTotal},
	}
	if s.CurrentSource != "" {
		fields = append(fields, field{"current.source", s.CurrentSource})
		if s.CurrentDest != "" {
			fields = append(fields,
				field{"current.dest", s.CurrentDest},
				field{"current.bytes.done", s.CurrentBytesDone},
				field{"current.bytes.total", s.CurrentBytesTotal},
			)
		}
	}
	return setFields(doc, fields)
}

type field struct {
	path  string
	value any
}

func setFields(doc *result.Document, fields []field) error {
	for _, f := range fields {
		if err := doc.Set(f.path, f.value); err != nil {
			return err
		}
	}
	return nil
}

// Parse parses line and applies it. Malformed lines leave the state untouched.
func (p *ProgressState) Parse(fraction float64, line string) error {
	u, err := ParseProgress(fraction, line)
	if err != nil {
		return err
	}
	if u != nil {
		p.Apply(u)
	}
	return nil
}

// Apply stores a parsed update.
func (p *ProgressState) Apply(u *ProgressUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.s.Fraction = u.Fraction
	p.s.BytesDone = u.BytesDone
	p.s.FilesDone = u.FilesDone

	switch u.Kind {
	case UpdateDiscovery:
		p.s.FilesTotal = u.FilesTotal
		p.s.CurrentSource = u.CurrentSource
		p.s.CurrentDest = ""
		p.s.CurrentBytesDone = 0
		p.s.CurrentBytesTotal = 0
	case UpdateThrottled, UpdateCopying:
		p.s.CurrentSource = u.CurrentSource
		p.s.CurrentDest = u.CurrentDest
		p.s.CurrentBytesDone = u.CurrentBytesDone
		p.s.CurrentBytesTotal = u.CurrentBytesTotal
	}

	// The total only counts files discovered so far.
	if p.s.FilesDone > p.s.FilesTotal {
		p.s.FilesTotal = p.s.FilesDone
	}
}

// Snapshot returns a copy of the current state.
func (p *ProgressState) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.s
}
