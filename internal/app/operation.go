package app

import "time"

// Invocation is one run of a CLI command. Its ID tags every log line the run
// writes, so interleaved lines from a daemon and ad-hoc commands sharing
// hotbackup.log can be told apart.
type Invocation struct {
	Command   string
	StartedAt time.Time
}

// NewInvocation records that command started at startedAt.
func NewInvocation(command string, startedAt time.Time) *Invocation {
	return &Invocation{Command: command, StartedAt: startedAt}
}

// ID returns "<UTC start>-<command>", e.g. "20240115T103000Z-serve".
func (inv *Invocation) ID() string {
	id := inv.StartedAt.UTC().Format("20060102T150405Z")
	if inv.Command == "" {
		return id
	}
	return id + "-" + inv.Command
}
