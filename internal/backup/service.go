package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"hotbackup/internal/result"
)

// Service is the command surface offered to the host: start a backup, set
// the throttle and query the status of the running backup. It builds a
// Coordinator per session and records every session's outcome.
type Service struct {
	sources  Sources
	registry *Registry
	engine   Engine
	fsmgr    FilesystemManager
	history  SessionStore
	logger   Logger
	clock    Clock
	idgen    IDGenerator

	hostID    string
	vault     Vault
	encryptor Encryptor
}

// Option configures optional Service collaborators.
type Option func(*Service)

// WithRegistry makes the service use r instead of DefaultRegistry.
func WithRegistry(r *Registry) Option {
	return func(s *Service) { s.registry = r }
}

// WithManifestVault archives a manifest of every session in v, encrypted
// with enc. enc may be nil to store manifests in plain text.
func WithManifestVault(hostID string, v Vault, enc Encryptor) Option {
	return func(s *Service) {
		s.hostID = hostID
		s.vault = v
		s.encryptor = enc
	}
}

// NewService creates a Service. history may be nil to skip session history.
func NewService(sources Sources, engine Engine, fsmgr FilesystemManager, history SessionStore, logger Logger, clock Clock, idgen IDGenerator, opts ...Option) *Service {
	s := &Service{
		sources:  sources,
		registry: DefaultRegistry,
		engine:   engine,
		fsmgr:    fsmgr,
		history:  history,
		logger:   logger,
		clock:    clock,
		idgen:    idgen,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs one backup into destination and blocks until it ends.
// The returned document carries the session ID and, on failure, the engine's
// message, errno and strerror, plus the interrupt reason when the run was
// cancelled. It is returned alongside the error so callers can report it.
func (s *Service) Start(ctx context.Context, destination string) (*result.Document, error) {
	c := NewCoordinator(s.idgen.New(), s.sources, s.registry, s.engine, s.fsmgr, s.logger)
	rec := &SessionRecord{
		ID:          c.ID(),
		Destination: destination,
		Status:      SessionRunning,
		StartedAt:   s.clock.Now(),
	}
	if s.history != nil {
		if err := s.history.CreateSession(rec); err != nil {
			return nil, fmt.Errorf("recording backup session: %w", err)
		}
	}

	runErr := c.Start(ctx, destination)
	c.Close()

	rec.finish(c, runErr, s.clock.Now())
	if s.history != nil {
		if err := s.history.FinishSession(rec); err != nil {
			s.logger.Error("failed to record backup outcome", "session", rec.ID, "error", err)
		}
	}
	s.publishManifest(rec, c.Progress())

	doc := result.New()
	if err := doc.Set("session", rec.ID); err != nil {
		return nil, err
	}
	if runErr != nil {
		var engErr *EngineError
		if errors.As(runErr, &engErr) {
			if err := engErr.AppendTo(doc); err != nil {
				return nil, err
			}
		}
		return doc, runErr
	}
	if reason := c.Reason(); reason != "" {
		if err := doc.Set("reason", reason); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// Throttle limits the engine's copy rate. It applies process-wide, to
// whichever backup is running now or starts later. Zero removes the limit.
func (s *Service) Throttle(bytesPerSecond int64) error {
	if bytesPerSecond < 0 {
		return &ValidationError{Message: "throttle argument cannot be negative"}
	}
	s.logger.Info("throttling backup", "bytesPerSecond", bytesPerSecond)
	s.engine.SetThrottle(uint64(bytesPerSecond))
	return nil
}

// Status reports the progress of the current backup.
func (s *Service) Status() (*result.Document, error) {
	// The registry lock is released before the session's progress is read.
	c := s.registry.Current()
	if c == nil {
		return nil, ErrNoActiveSession
	}

	doc := result.New()
	if err := c.Progress().AppendTo(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// History returns the most recent backup sessions, newest first.
func (s *Service) History(limit int) ([]*SessionRecord, error) {
	if s.history == nil {
		return nil, nil
	}
	recs, err := s.history.ListSessions(limit)
	if err != nil {
		return nil, fmt.Errorf("listing backup sessions: %w", err)
	}
	return recs, nil
}

// publishManifest archives the manifest of a finished session. Failures are
// logged; they never change the outcome of the backup.
func (s *Service) publishManifest(rec *SessionRecord, snap Snapshot) {
	if s.vault == nil {
		return
	}

	doc, err := BuildManifest(s.hostID, rec, snap)
	if err != nil {
		s.logger.Warn("failed to build session manifest", "session", rec.ID, "error", err)
		return
	}

	var buf bytes.Buffer
	if s.encryptor != nil {
		if err := s.encryptor.Encrypt(bytes.NewReader(doc.Bytes()), &buf); err != nil {
			s.logger.Warn("failed to encrypt session manifest", "session", rec.ID, "error", err)
			return
		}
	} else {
		buf.Write(doc.Bytes())
	}

	if err := s.vault.PutManifest(s.hostID, rec.ID, &buf, int64(buf.Len())); err != nil {
		s.logger.Warn("failed to archive session manifest", "session", rec.ID, "error", err)
		return
	}
	s.logger.Debug("session manifest archived", "session", rec.ID)
}
