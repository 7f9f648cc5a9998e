package fs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExcludeFileName is the per-source file listing extra exclude patterns.
// The file itself is never copied.
const ExcludeFileName = ".hotbackupignore"

// excludePattern is a parsed exclude pattern with its matching strategy.
type excludePattern struct {
	pattern   string
	matchPath bool // true = match against relative path; false = match against basename only
	dirOnly   bool // pattern ended in '/': matches directories only
}

// ExcludeMatcher decides which entries of a source directory the local
// engine skips. Patterns without '/' match the basename only; patterns with
// '/' match the slash-separated path relative to the source root; a trailing
// '/' restricts a pattern to directories, excluding their whole subtree.
type ExcludeMatcher struct {
	patterns []excludePattern
}

// NewExcludeMatcher creates an ExcludeMatcher from raw pattern strings.
// Blank lines and lines starting with '#' are skipped.
func NewExcludeMatcher(rawPatterns []string) *ExcludeMatcher {
	patterns := []excludePattern{{pattern: ExcludeFileName}}
	for _, raw := range rawPatterns {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		dirOnly := strings.HasSuffix(raw, "/")
		raw = strings.TrimSuffix(raw, "/")
		if raw == "" {
			continue
		}
		patterns = append(patterns, excludePattern{
			pattern:   raw,
			matchPath: strings.Contains(raw, "/"),
			dirOnly:   dirOnly,
		})
	}
	return &ExcludeMatcher{patterns: patterns}
}

// Match reports whether the entry at relativePath should be skipped.
func (m *ExcludeMatcher) Match(relativePath string, isDir bool) bool {
	normalized := filepath.ToSlash(relativePath)
	basename := filepath.Base(relativePath)

	for _, p := range m.patterns {
		if p.dirOnly && !isDir {
			continue
		}
		var matched bool
		var err error
		if p.matchPath {
			matched, err = filepath.Match(p.pattern, normalized)
		} else {
			matched, err = filepath.Match(p.pattern, basename)
		}
		if err != nil {
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

// WithSourceRoot returns a matcher extended with the patterns in
// root/.hotbackupignore, or m itself when the file does not exist.
func (m *ExcludeMatcher) WithSourceRoot(root string) (*ExcludeMatcher, error) {
	extra, err := ParseExcludeFile(filepath.Join(root, ExcludeFileName))
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return m, nil
	}
	merged := NewExcludeMatcher(extra)
	merged.patterns = append(append([]excludePattern{}, m.patterns...), merged.patterns[1:]...)
	return merged, nil
}

// ParseExcludeFile reads an exclude file and returns the raw pattern strings.
// Returns nil and no error if the file does not exist.
func ParseExcludeFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening exclude file: %w", err)
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		patterns = append(patterns, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading exclude file: %w", err)
	}
	return patterns, nil
}
