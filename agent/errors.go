package agent

import "fmt"

// ConnectionError means the client could not reach or authenticate to the agent.
// Nothing was run.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %s", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RemoteError means the agent handled the request and reported a failure:
// the command failed, or the request was malformed.
type RemoteError struct {
	StatusCode int
	Message    string
	// ExitCode is nil if the command never exited with a status.
	ExitCode *int
	Stderr   string
}

func (e *RemoteError) Error() string {
	if e.ExitCode != nil {
		return fmt.Sprintf("remote command failed with exit code %d: %s", *e.ExitCode, e.Message)
	}
	return fmt.Sprintf("remote error (HTTP %d): %s", e.StatusCode, e.Message)
}
