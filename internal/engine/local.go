package engine

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"hotbackup/internal/backup"
	hbfs "hotbackup/internal/fs"
)

const (
	// DefaultChunkSize is the copy unit between progress reports.
	DefaultChunkSize = 32 * 1024

	// maxSleepSlice bounds each throttling sleep so an abort is noticed promptly.
	maxSleepSlice = 250 * time.Millisecond
)

// errAborted is returned internally when the poll callback asks to stop.
var errAborted = errors.New("User aborted backup")

// LocalEngine copies directory trees on the local filesystem. It reports
// progress through the same diagnostic lines a storage engine's hot backup
// facility emits, so it drives the progress parser end to end.
//
// Only one backup runs at a time per engine; a second concurrent
// CreateBackup fails with EBUSY.
type LocalEngine struct {
	chunkSize int64
	exclude   *hbfs.ExcludeMatcher
	logger    backup.Logger

	throttle atomic.Uint64
	busy     sync.Mutex

	now   func() time.Time
	sleep func(time.Duration)
}

// NewLocalEngine creates a LocalEngine. A chunkSize of zero selects
// DefaultChunkSize and a nil exclude matcher skips nothing but exclude files.
func NewLocalEngine(chunkSize int64, exclude *hbfs.ExcludeMatcher, logger backup.Logger) *LocalEngine {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if exclude == nil {
		exclude = hbfs.NewExcludeMatcher(nil)
	}
	return &LocalEngine{
		chunkSize: chunkSize,
		exclude:   exclude,
		logger:    logger,
		now:       time.Now,
		sleep:     time.Sleep,
	}
}

// SetThrottle limits the copy rate in bytes per second. Zero removes the limit.
// It takes effect at the next chunk of a running backup.
func (e *LocalEngine) SetThrottle(bytesPerSecond uint64) {
	e.throttle.Store(bytesPerSecond)
}

// Throttle returns the current copy rate limit.
func (e *LocalEngine) Throttle() uint64 {
	return e.throttle.Load()
}

// CreateBackup copies sources[i] into destinations[i]. It returns 0 on
// success and the errno of the failure otherwise, after reporting it
// through onError.
func (e *LocalEngine) CreateBackup(sources, destinations []string, poll backup.PollFunc, onError backup.ErrorFunc) int {
	if !e.busy.TryLock() {
		onError(int(syscall.EBUSY), "Another backup is in progress.")
		return int(syscall.EBUSY)
	}
	defer e.busy.Unlock()

	if len(sources) != len(destinations) {
		msg := fmt.Sprintf("got %d sources for %d destinations", len(sources), len(destinations))
		onError(int(syscall.EINVAL), msg)
		return int(syscall.EINVAL)
	}

	r := &run{engine: e, poll: poll}
	if err := r.execute(sources, destinations); err != nil {
		code, msg := describe(err)
		e.logger.Debug("local backup failed", "errno", code, "error", msg)
		onError(code, msg)
		return code
	}
	return 0
}

// entry is one file or directory discovered under a source root.
type entry struct {
	root    int // index into sources
	rel     string
	isDir   bool
	size    int64
	mode    fs.FileMode
	srcPath string
	dstPath string
}

// run holds the counters of one CreateBackup call.
type run struct {
	engine *LocalEngine
	poll   backup.PollFunc

	totalBytes int64
	totalFiles int
	bytesDone  int64
	fileNumber int

	windowStart time.Time
	windowBytes int64
	windowRate  uint64
}

func (r *run) execute(sources, destinations []string) error {
	if err := r.report("Preparing backup"); err != nil {
		return err
	}

	entries, err := r.discover(sources, destinations)
	if err != nil {
		return err
	}
	r.engine.logger.Debug("local backup discovered files", "files", r.totalFiles, "bytes", r.totalBytes)

	r.windowStart = r.engine.now()
	currentRoot := -1
	for _, ent := range entries {
		if ent.root != currentRoot {
			currentRoot = ent.root
			if err := r.report(r.discoveryLine(".")); err != nil {
				return err
			}
		}
		if ent.isDir {
			if err := os.MkdirAll(ent.dstPath, 0755); err != nil {
				return fmt.Errorf("Failed to create directory %s: %w", ent.dstPath, err)
			}
			continue
		}
		r.fileNumber++
		if err := r.report(r.discoveryLine("/" + ent.rel)); err != nil {
			return err
		}
		if err := r.copyFile(ent); err != nil {
			return err
		}
	}
	return nil
}

// discover walks every source up front so totals are known before copying.
func (r *run) discover(sources, destinations []string) ([]entry, error) {
	var entries []entry
	for i, root := range sources {
		matcher, err := r.engine.exclude.WithSourceRoot(root)
		if err != nil {
			return nil, err
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return fmt.Errorf("Failed to read %s: %w", path, walkErr)
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			if rel == "." {
				return nil
			}
			rel = filepath.ToSlash(rel)
			if matcher.Match(rel, d.IsDir()) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}

			info, err := d.Info()
			if err != nil {
				return fmt.Errorf("Failed to stat %s: %w", path, err)
			}
			ent := entry{
				root:    i,
				rel:     rel,
				isDir:   d.IsDir(),
				mode:    info.Mode().Perm(),
				srcPath: path,
				dstPath: filepath.Join(destinations[i], filepath.FromSlash(rel)),
			}
			switch {
			case ent.isDir:
			case info.Mode().IsRegular():
				ent.size = info.Size()
				r.totalBytes += ent.size
				r.totalFiles++
			default:
				// sockets, devices and symlinks are not part of a data directory
				return nil
			}
			entries = append(entries, ent)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func (r *run) copyFile(ent entry) error {
	src, err := os.Open(ent.srcPath)
	if err != nil {
		return fmt.Errorf("Failed to open %s: %w", ent.srcPath, err)
	}
	defer src.Close()
	if info, err := src.Stat(); err == nil {
		r.grow(&ent, info.Size())
	}

	dst, err := os.OpenFile(ent.dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, ent.mode)
	if err != nil {
		return fmt.Errorf("Failed to create %s: %w", ent.dstPath, err)
	}
	defer dst.Close()

	buf := make([]byte, r.engine.chunkSize)
	var copied int64
	for {
		if err := r.report(r.copyingLine(ent, copied)); err != nil {
			return err
		}
		n, readErr := io.ReadFull(src, buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return fmt.Errorf("Failed to write %s: %w", ent.dstPath, err)
			}
			copied += int64(n)
			r.bytesDone += int64(n)
			r.grow(&ent, copied)
			if err := r.throttle(ent, copied, int64(n)); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil && readErr != io.ErrUnexpectedEOF {
			return fmt.Errorf("Failed to read %s: %w", ent.srcPath, readErr)
		}
	}

	if err := dst.Sync(); err != nil {
		return fmt.Errorf("Failed to sync %s: %w", ent.dstPath, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("Failed to close %s: %w", ent.dstPath, err)
	}
	return nil
}

// grow raises the expected size of a file that got bigger since discovery,
// so no line reports more bytes done than total.
func (r *run) grow(ent *entry, size int64) {
	if size <= ent.size {
		return
	}
	r.totalBytes += size - ent.size
	ent.size = size
}

// throttle sleeps when the bytes copied since the rate last changed exceed
// what the current limit allows.
func (r *run) throttle(ent entry, copied, n int64) error {
	rate := r.engine.throttle.Load()
	if rate != r.windowRate {
		r.windowRate = rate
		r.windowStart = r.engine.now()
		r.windowBytes = 0
	}
	if rate == 0 {
		return nil
	}
	r.windowBytes += n

	allowed := time.Duration(float64(r.windowBytes) / float64(rate) * float64(time.Second))
	wait := allowed - r.engine.now().Sub(r.windowStart)
	for wait > 0 {
		line := fmt.Sprintf("%sThrottled: copied %d/%d bytes of %s to %s. Sleeping %.2fs for throttling.",
			r.prefix(), copied, ent.size, ent.srcPath, ent.dstPath, wait.Seconds())
		if err := r.report(line); err != nil {
			return err
		}
		slice := min(wait, maxSleepSlice)
		r.engine.sleep(slice)
		wait -= slice
	}
	return nil
}

func (r *run) prefix() string {
	return fmt.Sprintf("Backup progress %d bytes, %d files.  ", r.bytesDone, r.fileNumber)
}

func (r *run) discoveryLine(path string) string {
	return fmt.Sprintf("%s%d more files known of. Copying file %s", r.prefix(), r.totalFiles-r.fileNumber, path)
}

func (r *run) copyingLine(ent entry, copied int64) string {
	return fmt.Sprintf("%sCopying file: %d/%d bytes done of %s to %s.", r.prefix(), copied, ent.size, ent.srcPath, ent.dstPath)
}

func (r *run) fraction() float64 {
	if r.totalBytes > 0 {
		return float64(r.bytesDone) / float64(r.totalBytes)
	}
	if r.totalFiles > 0 {
		return float64(r.fileNumber) / float64(r.totalFiles)
	}
	return 0
}

// report hands one line to the poll callback and converts an abort request
// into errAborted.
func (r *run) report(line string) error {
	if r.poll(r.fraction(), line) != backup.PollContinue {
		return errAborted
	}
	return nil
}

// describe maps a run error onto the errno and message reported to onError.
func describe(err error) (int, string) {
	if errors.Is(err, errAborted) {
		return int(syscall.ECANCELED), errAborted.Error()
	}
	code := syscall.EIO
	var errno syscall.Errno
	if errors.As(err, &errno) {
		code = errno
	}
	return int(code), fmt.Sprintf("%v, errno=%d", err, int(code))
}
