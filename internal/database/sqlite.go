package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"hotbackup/internal/backup"
	"hotbackup/internal/database/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase stores backup session history in SQLite.
type SQLiteDatabase struct {
	db   *sql.DB
	path string
}

// NewSQLiteDatabase opens the database at path. path can be a file path or
// ":memory:" for an in-memory database.
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteDatabase{db: db, path: path}, nil
}

// NewSQLiteDatabaseFromDB wraps an existing database connection.
func NewSQLiteDatabaseFromDB(db *sql.DB) *SQLiteDatabase {
	return &SQLiteDatabase{db: db}
}

// OpenConnection opens and configures a SQLite database connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Sessions are written from the engine's goroutine while the control
	// API reads history; a single connection serializes them and keeps an
	// in-memory database from splitting across connections.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// CreateSession inserts a new session record.
func (s *SQLiteDatabase) CreateSession(rec *backup.SessionRecord) error {
	sources, destinations, err := encodePairs(rec.Pairs)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO backup_sessions (id, destination, sources, destinations, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Destination, sources, destinations, string(rec.Status), rec.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("creating backup session: %w", err)
	}
	return nil
}

// FinishSession stores the final state of a session created earlier.
func (s *SQLiteDatabase) FinishSession(rec *backup.SessionRecord) error {
	sources, destinations, err := encodePairs(rec.Pairs)
	if err != nil {
		return err
	}

	var finishedAt sql.NullTime
	if rec.FinishedAt.Valid {
		finishedAt = sql.NullTime{Time: rec.FinishedAt.Time.UTC(), Valid: true}
	}

	res, err := s.db.Exec(`
		UPDATE backup_sessions
		SET sources = ?, destinations = ?, status = ?, finished_at = ?,
			bytes_done = ?, files_done = ?, files_total = ?,
			errno = ?, error_message = ?, reason = ?
		WHERE id = ?`,
		sources, destinations, string(rec.Status), finishedAt,
		int64(rec.BytesDone), rec.FilesDone, rec.FilesTotal,
		rec.Errno, rec.ErrorMessage, rec.Reason,
		rec.ID)
	if err != nil {
		return fmt.Errorf("finishing backup session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finishing backup session: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("finishing backup session: no session %s", rec.ID)
	}
	return nil
}

// ListSessions returns up to limit sessions, newest first. A limit of zero
// or less returns every session.
func (s *SQLiteDatabase) ListSessions(limit int) ([]*backup.SessionRecord, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.Query(`
		SELECT id, destination, sources, destinations, status, started_at, finished_at,
			bytes_done, files_done, files_total, errno, error_message, reason
		FROM backup_sessions
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing backup sessions: %w", err)
	}
	defer rows.Close()

	var result []*backup.SessionRecord
	for rows.Next() {
		var (
			rec                   backup.SessionRecord
			sources, destinations string
			status                string
			startedAt             time.Time
			bytesDone             int64
		)
		if err := rows.Scan(&rec.ID, &rec.Destination, &sources, &destinations, &status,
			&startedAt, &rec.FinishedAt, &bytesDone, &rec.FilesDone, &rec.FilesTotal,
			&rec.Errno, &rec.ErrorMessage, &rec.Reason); err != nil {
			return nil, fmt.Errorf("scanning backup session: %w", err)
		}
		rec.Status = backup.SessionStatus(status)
		rec.StartedAt = startedAt
		rec.BytesDone = uint64(bytesDone)
		rec.Pairs = decodePairs(sources, destinations)
		result = append(result, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing backup sessions: %w", err)
	}
	return result, nil
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// Migrate applies pending schema migrations.
func (s *SQLiteDatabase) Migrate() error {
	return migrations.MigrateUp(s.db)
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// encodePairs stores the pairs as two parallel JSON arrays.
func encodePairs(pairs []backup.DirectoryPair) (string, string, error) {
	sources, destinations := "[]", "[]"
	for _, p := range pairs {
		var err error
		if sources, err = sjson.Set(sources, "-1", p.Source); err != nil {
			return "", "", fmt.Errorf("encoding directory pairs: %w", err)
		}
		if destinations, err = sjson.Set(destinations, "-1", p.Destination); err != nil {
			return "", "", fmt.Errorf("encoding directory pairs: %w", err)
		}
	}
	return sources, destinations, nil
}

func decodePairs(sources, destinations string) []backup.DirectoryPair {
	src := gjson.Parse(sources).Array()
	dst := gjson.Parse(destinations).Array()
	if len(src) == 0 {
		return nil
	}
	pairs := make([]backup.DirectoryPair, len(src))
	for i := range src {
		pairs[i].Source = src[i].String()
		if i < len(dst) {
			pairs[i].Destination = dst[i].String()
		}
	}
	return pairs
}

// Compile-time check that SQLiteDatabase implements backup.SessionStore
var _ backup.SessionStore = (*SQLiteDatabase)(nil)
