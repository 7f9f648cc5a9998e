package testutil

import (
	"sync"
	"syscall"

	"hotbackup/internal/backup"
)

// EngineStep is one callback the ScriptedEngine makes during a run.
type EngineStep struct {
	Fraction float64
	Message  string

	// ErrCode and ErrMessage, when set, make the step an error report
	// instead of a progress poll.
	ErrCode    int
	ErrMessage string

	// Pause, when set, makes the engine block at this step.
	Pause *Pause
}

// PollStep returns a step that reports progress.
func PollStep(fraction float64, message string) EngineStep {
	return EngineStep{Fraction: fraction, Message: message}
}

// ErrorStep returns a step that reports an error.
func ErrorStep(code int, message string) EngineStep {
	return EngineStep{ErrCode: code, ErrMessage: message}
}

// PauseStep returns a step that blocks the engine until p is resumed.
func PauseStep(p *Pause) EngineStep {
	return EngineStep{Pause: p}
}

// Pause lets a test hold an engine mid-run. Reached is closed when the
// engine arrives at the pause; the engine continues once Resume is called.
type Pause struct {
	Reached chan struct{}
	resume  chan struct{}
	once    sync.Once
}

// NewPause creates a Pause.
func NewPause() *Pause {
	return &Pause{
		Reached: make(chan struct{}),
		resume:  make(chan struct{}),
	}
}

// Resume releases the engine. It is safe to call more than once.
func (p *Pause) Resume() {
	p.once.Do(func() { close(p.resume) })
}

// EngineCall records the arguments of one CreateBackup call.
type EngineCall struct {
	Sources      []string
	Destinations []string
}

// ScriptedEngine is a backup.Engine that replays a fixed list of steps.
// When a poll asks it to abort, it reports ECANCELED like a real engine
// and returns without running the remaining steps.
type ScriptedEngine struct {
	Steps []EngineStep
	// ReturnCode is returned when every step ran.
	ReturnCode int

	mu        sync.Mutex
	calls     []EngineCall
	throttles []uint64
	polls     int
}

var _ backup.Engine = (*ScriptedEngine)(nil)

// NewScriptedEngine creates an engine that runs steps and then returns 0.
func NewScriptedEngine(steps ...EngineStep) *ScriptedEngine {
	return &ScriptedEngine{Steps: steps}
}

func (e *ScriptedEngine) CreateBackup(sources, destinations []string, poll backup.PollFunc, onError backup.ErrorFunc) int {
	e.mu.Lock()
	e.calls = append(e.calls, EngineCall{
		Sources:      append([]string(nil), sources...),
		Destinations: append([]string(nil), destinations...),
	})
	e.mu.Unlock()

	for _, step := range e.Steps {
		switch {
		case step.Pause != nil:
			close(step.Pause.Reached)
			<-step.Pause.resume
		case step.ErrCode != 0 || step.ErrMessage != "":
			onError(step.ErrCode, step.ErrMessage)
		default:
			e.mu.Lock()
			e.polls++
			e.mu.Unlock()
			if poll(step.Fraction, step.Message) != backup.PollContinue {
				onError(int(syscall.ECANCELED), "User aborted backup")
				return int(syscall.ECANCELED)
			}
		}
	}
	return e.ReturnCode
}

func (e *ScriptedEngine) SetThrottle(bytesPerSecond uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.throttles = append(e.throttles, bytesPerSecond)
}

// Calls returns the recorded CreateBackup calls.
func (e *ScriptedEngine) Calls() []EngineCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]EngineCall(nil), e.calls...)
}

// Throttles returns every value passed to SetThrottle, in order.
func (e *ScriptedEngine) Throttles() []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]uint64(nil), e.throttles...)
}

// Polls returns how many progress polls were delivered.
func (e *ScriptedEngine) Polls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.polls
}
