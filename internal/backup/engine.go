package backup

// PollFunc receives progress notifications from the engine. fraction is the
// overall completion in [0,1] and message is a free-form diagnostic line.
// Returning nonzero asks the engine to abort.
type PollFunc func(fraction float64, message string) int

// ErrorFunc receives the engine's failure report: an errno-style code and a
// human-readable message.
type ErrorFunc func(code int, message string)

// Poll callback return values.
const (
	PollContinue = 0
	PollAbort    = 1
)

// Engine is the external backup engine. CreateBackup copies each
// sources[i] into destinations[i] and returns 0 on success. It blocks until
// the run ends and may invoke the callbacks from any goroutine.
type Engine interface {
	CreateBackup(sources, destinations []string, poll PollFunc, onError ErrorFunc) int

	// SetThrottle limits copy throughput for whichever run is active.
	// Zero removes the limit.
	SetThrottle(bytesPerSecond uint64)
}
