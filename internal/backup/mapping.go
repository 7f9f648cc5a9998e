package backup

import (
	"fmt"
	"path/filepath"
)

// DirectoryPair maps one source directory to the directory it is backed up into.
type DirectoryPair struct {
	Source      string
	Destination string
}

// ResolveDirectories computes the source/destination pairs for a backup of
// dataDir (and logDir, when set) into destination. Both source paths must
// already be canonical.
//
// When the log directory lives apart from the data directory, each gets its
// own subdirectory ("data" and "log") under destination, created through
// fsmgr before anything else happens. The data pair always comes first.
func ResolveDirectories(fsmgr FilesystemManager, dataDir, logDir, destination string) ([]DirectoryPair, error) {
	equivalent := false
	if logDir != "" {
		same, err := fsmgr.SameDirectory(dataDir, logDir)
		if err != nil {
			return nil, fmt.Errorf("comparing data and log directories: %w", err)
		}
		equivalent = same
	}

	sources := sourceDirs(dataDir, logDir, equivalent)
	if len(sources) == 1 {
		return []DirectoryPair{{Source: sources[0], Destination: destination}}, nil
	}

	pairs := []DirectoryPair{
		{Source: sources[0], Destination: filepath.Join(destination, "data")},
		{Source: sources[1], Destination: filepath.Join(destination, "log")},
	}
	for _, p := range pairs {
		if err := fsmgr.CreateDirectory(p.Destination); err != nil {
			return nil, &DirectoryCreationError{Path: p.Destination, Err: err}
		}
	}
	return pairs, nil
}

// sourceDirs decides which directories need copying.
//
// The ancestor test compares raw strings over the length of the shorter
// path, not path segments, so "/data" also swallows "/data2". Callers rely on
// this exact behaviour; see the tests before changing it.
func sourceDirs(dataDir, logDir string, equivalent bool) []string {
	if logDir == "" || equivalent {
		return []string{dataDir}
	}

	if len(dataDir) < len(logDir) {
		if logDir[:len(dataDir)] == dataDir {
			return []string{dataDir}
		}
	} else if dataDir[:len(logDir)] == logDir {
		return []string{logDir}
	}

	return []string{dataDir, logDir}
}
