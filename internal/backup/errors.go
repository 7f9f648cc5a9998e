package backup

import (
	"errors"
	"fmt"
	"syscall"

	"hotbackup/internal/result"
)

var (
	// ErrValidation marks arguments rejected before the engine is contacted.
	ErrValidation = errors.New("invalid argument")

	// ErrDirectoryCreation marks a failure to prepare destination subdirectories.
	ErrDirectoryCreation = errors.New("could not create backup subdirectories")

	// ErrEngineFailure marks a nonzero return from the backup engine.
	ErrEngineFailure = errors.New("backup failed")

	// ErrNoActiveSession is returned by status queries when nothing is running.
	ErrNoActiveSession = errors.New("no backup running")

	// ErrMalformedProgress marks a diagnostic line that matched no known format.
	ErrMalformedProgress = errors.New("unexpected backup poll message")

	// ErrBackupInProgress marks a run refused because another one is active.
	ErrBackupInProgress = errors.New("backup already in progress")

	// ErrSessionReused is returned when Start is called on a coordinator that already ran.
	ErrSessionReused = errors.New("backup session already started")
)

// ValidationError describes a rejected command argument.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Unwrap() error { return ErrValidation }

// BusyError is returned by Start when another session is already running.
type BusyError struct {
	ActiveSession string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("%s (session %s)", ErrBackupInProgress, e.ActiveSession)
}

func (e *BusyError) Is(target error) bool { return target == ErrBackupInProgress }

// DirectoryCreationError is returned when a destination subdirectory cannot be created.
type DirectoryCreationError struct {
	Path string
	Err  error
}

func (e *DirectoryCreationError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrDirectoryCreation, e.Path, e.Err)
}

func (e *DirectoryCreationError) Is(target error) bool { return target == ErrDirectoryCreation }

func (e *DirectoryCreationError) Unwrap() error { return e.Err }

// EngineError is returned by Start when the engine reports failure.
// Record is empty when the engine failed without reporting an error.
// Reason is set when the run was cancelled through an interrupt.
type EngineError struct {
	ReturnCode int
	Record     ErrorRecord
	Reason     string
}

func (e *EngineError) Error() string {
	msg := fmt.Sprintf("%s (return code %d)", ErrEngineFailure, e.ReturnCode)
	if !e.Record.Empty() {
		msg += ": " + e.Record.Message
	}
	if e.Reason != "" {
		msg += " [" + e.Reason + "]"
	}
	return msg
}

func (e *EngineError) Unwrap() error { return ErrEngineFailure }

// AppendTo writes the error fields of a failed run to doc.
func (e *EngineError) AppendTo(doc *result.Document) error {
	if err := e.Record.AppendTo(doc); err != nil {
		return err
	}
	if e.Reason != "" {
		if err := doc.Set("reason", e.Reason); err != nil {
			return err
		}
	}
	return nil
}

// ErrorRecord captures the error reported by the engine's error callback.
type ErrorRecord struct {
	Code    int
	Message string
}

// Empty reports whether no error has been recorded.
func (r ErrorRecord) Empty() bool {
	return r.Code == 0 && r.Message == ""
}

// SystemMessage returns the platform's description of Code.
func (r ErrorRecord) SystemMessage() string {
	return syscall.Errno(r.Code).Error()
}

// AppendTo writes message, errno and strerror to doc.
func (r ErrorRecord) AppendTo(doc *result.Document) error {
	if err := doc.Set("message", r.Message); err != nil {
		return err
	}
	if err := doc.Set("errno", r.Code); err != nil {
		return err
	}
	return doc.Set("strerror", r.SystemMessage())
}
