package backup

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// The engine's progress lines are an undocumented, unversioned text format.
// Examples of each recognised shape:
//
//	Backup progress 475607 bytes, 13 files.  4 more files known of. Copying file /local.ns
//	Backup progress 442839 bytes, 10 files.  Copying file: 0/32768 bytes done of /data/db/a to /backup/a.
//	Backup progress 442839 bytes, 10 files.  Throttled: copied 16384/32768 bytes of /data/db/a to /backup/a. Sleeping 0.25s for throttling.
const (
	sessionClaimMarker = "Preparing backup"
	discoveryMarker    = "more files known of"
	throttledMarker    = "Throttled: copied"
	copyingMarker      = "Copying file:"

	// rootDirMarker is reported when the engine copies a source root itself.
	rootDirMarker = "."
)

var (
	progressPrefixRe = regexp.MustCompile(`^Backup\s*progress\s*(\d+)\s*bytes,\s*(\d+)\s*files\.\s*`)
	discoveryRe      = regexp.MustCompile(`^(\d+)\s*more\s*files\s*known\s*of\.\s*Copying\s*file\s*`)
	throttledRe      = regexp.MustCompile(`^Throttled:\s*copied\s*(\d+)/(\d+)\s*bytes\s*of\s*`)
	copyingRe        = regexp.MustCompile(`^Copying\s*file:\s*(\d+)/(\d+)\s*bytes\s*done\s*of\s*`)
	sleepingRe       = regexp.MustCompile(`\. Sleeping\s*([0-9]*\.?[0-9]+)s for throttling\.?$`)
)

// UpdateKind identifies which message shape produced a ProgressUpdate.
type UpdateKind int

const (
	UpdateDiscovery UpdateKind = iota + 1
	UpdateThrottled
	UpdateCopying
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateDiscovery:
		return "discovery"
	case UpdateThrottled:
		return "throttled"
	case UpdateCopying:
		return "copying"
	default:
		return "unknown"
	}
}

// ProgressUpdate is one fully parsed progress line.
type ProgressUpdate struct {
	Kind     UpdateKind
	Fraction float64

	BytesDone uint64
	// FilesDone counts completed files. The engine reports the 1-based
	// number of the file in flight, so this is one less than the wire value.
	FilesDone int
	// FilesTotal is only known from discovery messages.
	FilesTotal int

	CurrentSource     string
	CurrentDest       string
	CurrentBytesDone  uint64
	CurrentBytesTotal uint64

	// Sleep is the throttling delay announced by throttled messages. It is
	// informational and never stored in ProgressState.
	Sleep time.Duration
}

// IsSessionClaim reports whether message announces the start of a run.
// It is a prefix match, so "Preparing backup..." claims too; engines that
// decorate the announcement still claim the slot.
func IsSessionClaim(message string) bool {
	return strings.HasPrefix(message, sessionClaimMarker)
}

// ParseProgress parses one diagnostic line from the engine.
//
// It returns (nil, nil) for lines that are well formed but carry nothing
// worth storing, and an error wrapping ErrMalformedProgress when the line
// does not match any known shape.
func ParseProgress(fraction float64, line string) (*ProgressUpdate, error) {
	m := progressPrefixRe.FindStringSubmatch(line)
	if m == nil {
		return nil, malformed(line)
	}
	bytesDone, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return nil, malformed(line)
	}
	fileNumber, err := strconv.Atoi(m[2])
	if err != nil {
		return nil, malformed(line)
	}
	rest := line[len(m[0]):]

	u := &ProgressUpdate{
		Fraction:  fraction,
		BytesDone: bytesDone,
		FilesDone: max(fileNumber-1, 0),
	}

	switch {
	case strings.Contains(rest, discoveryMarker):
		u.Kind = UpdateDiscovery
		ok, err := parseDiscovery(u, fileNumber, rest)
		if err != nil {
			return nil, malformed(line)
		}
		if !ok {
			return nil, nil
		}
	case strings.Contains(rest, throttledMarker):
		u.Kind = UpdateThrottled
		if err := parseThrottled(u, rest); err != nil {
			return nil, malformed(line)
		}
	case strings.Contains(rest, copyingMarker):
		u.Kind = UpdateCopying
		if err := parseCopying(u, rest); err != nil {
			return nil, malformed(line)
		}
	default:
		return nil, malformed(line)
	}

	return u, nil
}

func malformed(line string) error {
	return fmt.Errorf("%w: %q", ErrMalformedProgress, line)
}

// parseDiscovery fills u from "<n> more files known of. Copying file <path>".
// It returns false when the path is the source root marker.
func parseDiscovery(u *ProgressUpdate, fileNumber int, rest string) (bool, error) {
	m := discoveryRe.FindStringSubmatch(rest)
	if m == nil {
		return false, fmt.Errorf("discovery fields")
	}
	remaining, err := strconv.Atoi(m[1])
	if err != nil {
		return false, err
	}
	path := strings.TrimLeft(rest[len(m[0]):], " \t")
	if path == rootDirMarker {
		return false, nil
	}
	if path == "" {
		return false, fmt.Errorf("empty path")
	}

	u.FilesTotal = fileNumber + remaining
	u.CurrentSource = path
	return true, nil
}

// parseThrottled fills u from
// "Throttled: copied <done>/<total> bytes of <src> to <dst>. Sleeping <s>s for throttling."
func parseThrottled(u *ProgressUpdate, rest string) error {
	m := throttledRe.FindStringSubmatch(rest)
	if m == nil {
		return fmt.Errorf("throttled fields")
	}
	if err := parseByteCounts(u, m[1], m[2]); err != nil {
		return err
	}

	paths := strings.TrimLeft(rest[len(m[0]):], " \t")
	sm := sleepingRe.FindStringSubmatchIndex(paths)
	if sm == nil {
		return fmt.Errorf("missing sleep duration")
	}
	seconds, err := strconv.ParseFloat(paths[sm[2]:sm[3]], 64)
	if err != nil {
		return err
	}
	u.Sleep = time.Duration(seconds * float64(time.Second))

	return splitPaths(u, paths[:sm[0]])
}

// parseCopying fills u from "Copying file: <done>/<total> bytes done of <src> to <dst>."
func parseCopying(u *ProgressUpdate, rest string) error {
	m := copyingRe.FindStringSubmatch(rest)
	if m == nil {
		return fmt.Errorf("copying fields")
	}
	if err := parseByteCounts(u, m[1], m[2]); err != nil {
		return err
	}
	paths := strings.TrimLeft(rest[len(m[0]):], " \t")
	return splitPaths(u, strings.TrimSuffix(paths, "."))
}

func parseByteCounts(u *ProgressUpdate, done, total string) error {
	d, err := strconv.ParseUint(done, 10, 64)
	if err != nil {
		return err
	}
	t, err := strconv.ParseUint(total, 10, 64)
	if err != nil {
		return err
	}
	if d > t {
		return fmt.Errorf("copied %d of %d bytes", d, t)
	}
	u.CurrentBytesDone = d
	u.CurrentBytesTotal = t
	return nil
}

// splitPaths splits "<src> to <dst>" on the first separator. A source path
// that itself contains " to " is therefore misread; the engine offers no
// quoting to do better.
func splitPaths(u *ProgressUpdate, s string) error {
	src, dst, ok := strings.Cut(s, " to ")
	if !ok || src == "" || dst == "" {
		return fmt.Errorf("source/destination pair")
	}
	u.CurrentSource = src
	u.CurrentDest = dst
	return nil
}
