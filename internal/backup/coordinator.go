package backup

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// State is the lifecycle state of a Coordinator.
type State int

const (
	StateIdle State = iota
	StateActive
	// StateCancelling is entered from StateActive once an interrupt has
	// been observed and the engine was asked to abort.
	StateCancelling
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateCancelling:
		return "cancelling"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Sources names the directories a backup copies. LogDir is optional.
type Sources struct {
	DataDir string
	LogDir  string
}

// Coordinator runs one backup session: it drives the engine, turns the
// engine's callbacks into ProgressState and ErrorRecord, and claims the
// registry's current-session slot once the engine announces the run.
//
// A Coordinator is single use. Call Close when done with it so the slot is
// released.
type Coordinator struct {
	id       string
	sources  Sources
	registry *Registry
	engine   Engine
	fsmgr    FilesystemManager
	logger   Logger

	progress ProgressState

	// mu guards the fields below. It is never held together with the
	// registry lock or the progress lock.
	mu     sync.Mutex
	state  State
	record ErrorRecord
	reason string
	pairs  []DirectoryPair
}

// NewCoordinator creates an idle coordinator for one session.
func NewCoordinator(id string, sources Sources, registry *Registry, engine Engine, fsmgr FilesystemManager, logger Logger) *Coordinator {
	return &Coordinator{
		id:       id,
		sources:  sources,
		registry: registry,
		engine:   engine,
		fsmgr:    fsmgr,
		logger:   logger,
	}
}

// ID returns the session ID.
func (c *Coordinator) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Progress returns a snapshot of the session's progress.
func (c *Coordinator) Progress() Snapshot {
	return c.progress.Snapshot()
}

// ErrorRecord returns the error reported by the engine, if any.
func (c *Coordinator) ErrorRecord() ErrorRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.record
}

// Reason returns the interrupt reason that cancelled the run, or "".
func (c *Coordinator) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Pairs returns the directory pairs handed to the engine.
func (c *Coordinator) Pairs() []DirectoryPair {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]DirectoryPair(nil), c.pairs...)
}

// Sources returns the source directories handed to the engine, in order.
func (c *Coordinator) Sources() []string {
	pairs := c.Pairs()
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.Source
	}
	return out
}

// Destinations returns the destination directories matching Sources.
func (c *Coordinator) Destinations() []string {
	pairs := c.Pairs()
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.Destination
	}
	return out
}

// Start backs up the configured sources into destination and blocks until
// the engine returns. Cancelling ctx interrupts the run at the engine's next
// progress callback; the context's cause becomes the interrupt reason.
//
// The returned error is a *BusyError when another coordinator on the same
// registry is running, a *DirectoryCreationError when destination
// subdirectories could not be made, and an *EngineError when the engine
// reported failure.
func (c *Coordinator) Start(ctx context.Context, destination string) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrSessionReused
	}
	c.state = StateActive
	c.mu.Unlock()

	// Only one session runs at a time, and a refused run touches nothing
	// on disk.
	if running, ok := c.registry.TryActivate(c); !ok {
		c.logger.Warn("refusing backup, another session is running", "session", c.id, "running", running.ID())
		c.setState(StateFailed)
		return &BusyError{ActiveSession: running.ID()}
	}
	defer c.registry.Deactivate(c)

	pairs, err := c.resolve(destination)
	if err != nil {
		c.setState(StateFailed)
		return err
	}

	c.mu.Lock()
	c.pairs = pairs
	c.mu.Unlock()

	sources := make([]string, len(pairs))
	destinations := make([]string, len(pairs))
	for i, p := range pairs {
		sources[i] = p.Source
		destinations[i] = p.Destination
	}

	c.logger.Info("starting backup", "session", c.id, "destination", destination, "dirs", len(pairs))

	poll := func(fraction float64, message string) int {
		return c.poll(ctx, fraction, message)
	}
	rc := c.engine.CreateBackup(sources, destinations, poll, c.onError)
	ok := rc == 0

	record := c.ErrorRecord()
	switch {
	case ok && !record.Empty():
		c.logger.Warn("backup succeeded but reported an error", "session", c.id, "errno", record.Code, "message", record.Message)
	case !ok && record.Empty():
		c.logger.Warn("backup failed but didn't report an error", "session", c.id, "rc", rc)
	}

	if !ok {
		c.setState(StateFailed)
		return &EngineError{ReturnCode: rc, Record: record, Reason: c.Reason()}
	}

	c.setState(StateCompleted)
	c.logger.Info("backup complete", "session", c.id)
	return nil
}

// Close releases the current-session slot if this coordinator holds it.
func (c *Coordinator) Close() error {
	if c.registry.Release(c) {
		c.logger.Debug("released current backup", "session", c.id)
	}
	return nil
}

// resolve canonicalizes the source directories and maps them onto destination.
func (c *Coordinator) resolve(destination string) ([]DirectoryPair, error) {
	dataDir, err := c.fsmgr.Canonical(c.sources.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolving data directory: %w", err)
	}

	var logDir string
	if c.sources.LogDir != "" {
		logDir, err = c.fsmgr.Canonical(c.sources.LogDir)
		if err != nil {
			return nil, fmt.Errorf("resolving log directory: %w", err)
		}
	}

	pairs, err := ResolveDirectories(c.fsmgr, dataDir, logDir, destination)
	if err != nil {
		var dce *DirectoryCreationError
		if errors.As(err, &dce) {
			c.logger.Error("could not create backup subdirectories", "session", c.id, "path", dce.Path, "error", dce.Err)
		}
		return nil, err
	}
	return pairs, nil
}

// poll is the engine's progress callback. It runs on the engine's goroutine
// and only ever takes one short lock at a time.
func (c *Coordinator) poll(ctx context.Context, fraction float64, message string) int {
	if reason := interruptReason(ctx); reason != "" {
		c.mu.Lock()
		c.reason = reason
		if c.state == StateActive {
			c.state = StateCancelling
		}
		c.mu.Unlock()
		return PollAbort
	}

	if IsSessionClaim(message) {
		if displaced := c.registry.Claim(c); displaced != nil {
			c.logger.Debug("replaced previous current backup; expected only when backups run in quick succession",
				"session", c.id, "previous", displaced.ID())
		}
		return PollContinue
	}

	c.logger.Debug("backup progress", "session", c.id, "percent", fmt.Sprintf("%6.2f%%", fraction*100.0), "message", message)
	if err := c.progress.Parse(fraction, message); err != nil {
		c.logger.Debug("dropping progress message", "session", c.id, "error", err)
	}
	return PollContinue
}

// onError is the engine's error callback.
func (c *Coordinator) onError(code int, message string) {
	c.logger.Error("backup error", "session", c.id, "errno", code, "message", message)

	c.mu.Lock()
	previous := c.record
	c.record = ErrorRecord{Code: code, Message: message}
	c.mu.Unlock()

	if !previous.Empty() {
		c.logger.Warn("second error reported for backup", "session", c.id, "previous", previous.Message)
	}
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// interruptReason reports why ctx was stopped, or "" while it is live.
func interruptReason(ctx context.Context) string {
	if ctx.Err() == nil {
		return ""
	}
	if cause := context.Cause(ctx); cause != nil {
		return cause.Error()
	}
	return ctx.Err().Error()
}
