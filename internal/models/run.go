package models

import "time"

// ExitStatus classifies how an agent run ended.
type ExitStatus string

const (
	ExitSuccess ExitStatus = "success"
	ExitFailure ExitStatus = "failure"
	ExitTimeout ExitStatus = "timeout"
)

// RunResult is produced by one agent invocation. It is never persisted.
type RunResult struct {
	ExitStatus   ExitStatus
	ExitCode     int
	Output       string
	Stderr       string
	Duration     time.Duration
	ChangedFiles []string
}

// CombinedOutput returns stdout followed by stderr, separated by a blank line
// when both are present.
func (r *RunResult) CombinedOutput() string {
	switch {
	case r.Output == "":
		return r.Stderr
	case r.Stderr == "":
		return r.Output
	}
	return r.Output + "\n\n" + r.Stderr
}
