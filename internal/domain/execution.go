package domain

import "time"

// LanguagePython is the only interpreted language the sandbox accepts.
const LanguagePython = "python"

// TimeoutExitCode is reported when the runner had to stop the program,
// either because it hit the wall-clock limit or never got to run.
const TimeoutExitCode = -1

// ExecutionRequest is a single code submission.
type ExecutionRequest struct {
	Code      string `json:"code"`
	Language  string `json:"language,omitempty"`
	AccountID string `json:"-"`
}

// ExecutionResult is the outcome of one sandbox run.
type ExecutionResult struct {
	Output   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// ExecutionTime returns the wall-clock duration in seconds.
func (r ExecutionResult) ExecutionTime() float64 {
	return r.Duration.Seconds()
}
