package runner

import "fmt"

// ConfigurationError is returned when a Spec cannot be run. Nothing is spawned.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ExecutionError is returned when the command exits non-zero or could not be started.
type ExecutionError struct {
	// ExitCode is -1 if the process never reported an exit status.
	ExitCode int
	Err      error
	// Stderr holds everything the command wrote to stderr.
	Stderr string
}

// Exited reports whether the process ran and exited with a status code.
func (e *ExecutionError) Exited() bool { return e.ExitCode >= 0 }

func (e *ExecutionError) Error() string {
	if e.Exited() {
		return fmt.Sprintf("command exited with code %d", e.ExitCode)
	}
	return fmt.Sprintf("command failed: %s", e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
