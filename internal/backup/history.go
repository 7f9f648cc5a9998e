package backup

import (
	"database/sql"
	"time"
)

// SessionStatus is the recorded outcome of a backup session.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
)

// SessionRecord is the history entry for one backup session.
type SessionRecord struct {
	ID           string
	Destination  string
	Pairs        []DirectoryPair
	Status       SessionStatus
	StartedAt    time.Time
	FinishedAt   sql.NullTime
	BytesDone    uint64
	FilesDone    int
	FilesTotal   int
	Errno        int
	ErrorMessage string
	Reason       string
}

// SessionStore persists backup session history.
type SessionStore interface {
	// CreateSession inserts a new record, normally in the running state.
	CreateSession(rec *SessionRecord) error

	// FinishSession stores the final state of a record created earlier.
	FinishSession(rec *SessionRecord) error

	// ListSessions returns the most recent sessions, newest first.
	ListSessions(limit int) ([]*SessionRecord, error)

	Close() error
}

// finish fills in the outcome of a run from its coordinator.
func (rec *SessionRecord) finish(c *Coordinator, runErr error, at time.Time) {
	snap := c.Progress()
	record := c.ErrorRecord()

	rec.Pairs = c.Pairs()
	rec.FinishedAt = sql.NullTime{Time: at, Valid: true}
	rec.BytesDone = snap.BytesDone
	rec.FilesDone = snap.FilesDone
	rec.FilesTotal = snap.FilesTotal
	rec.Errno = record.Code
	rec.ErrorMessage = record.Message
	rec.Reason = c.Reason()

	switch {
	case runErr == nil:
		rec.Status = SessionCompleted
	case rec.Reason != "":
		rec.Status = SessionCancelled
	default:
		rec.Status = SessionFailed
		if rec.ErrorMessage == "" {
			rec.ErrorMessage = runErr.Error()
		}
	}
}
