package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
)

// waitDelay bounds how long Wait keeps reading output after the process was killed.
const waitDelay = 2 * time.Second

// Spec describes one invocation: a shell command string run in a working directory.
// The command is handed to the shell as-is, so shell metacharacters are significant.
type Spec struct {
	Command    string
	WorkingDir string
}

// Validate checks that the spec can be executed without spawning anything.
func (s Spec) Validate() error {
	if s.Command == "" {
		return &ConfigurationError{Field: "command", Reason: "must not be empty"}
	}
	if s.WorkingDir == "" {
		return &ConfigurationError{Field: "working directory", Reason: "must not be empty"}
	}
	fi, err := os.Stat(s.WorkingDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &ConfigurationError{Field: "working directory", Reason: fmt.Sprintf("%s does not exist", s.WorkingDir), Err: err}
		}
		return &ConfigurationError{Field: "working directory", Reason: err.Error(), Err: err}
	}
	if !fi.IsDir() {
		return &ConfigurationError{Field: "working directory", Reason: fmt.Sprintf("%s is not a directory", s.WorkingDir)}
	}
	return nil
}

// Result is the outcome of a buffered run.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Runner spawns commands and relays their output and exit status.
type Runner interface {
	// Run waits for the command and returns everything it wrote.
	Run(ctx context.Context, spec Spec) (*Result, error)
	// Stream calls onStdout and onStderr once per chunk of output as it arrives.
	// Chunks are raw and are not aligned to lines.
	Stream(ctx context.Context, spec Spec, onStdout, onStderr func([]byte)) error
}

// Shell runs commands through the system shell.
// Cancelling the context kills the child process.
type Shell struct {
	Log *zap.SugaredLogger
}

var _ Runner = (*Shell)(nil)

func (s *Shell) log() *zap.SugaredLogger {
	if s.Log == nil {
		return zap.NewNop().Sugar()
	}
	return s.Log
}

func (s *Shell) Run(ctx context.Context, spec Spec) (*Result, error) {
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	startTime, err := s.run(ctx, spec, stdout, stderr)
	if err != nil {
		return nil, withStderr(err, stderr.String())
	}
	return &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(startTime),
	}, nil
}

func (s *Shell) Stream(ctx context.Context, spec Spec, onStdout, onStderr func([]byte)) error {
	// stderr is kept so a failure can report it, even though it was already streamed
	captured := &bytes.Buffer{}
	stdout := &chunkWriter{fn: onStdout}
	stderr := io.MultiWriter(&chunkWriter{fn: onStderr}, captured)
	_, err := s.run(ctx, spec, stdout, stderr)
	if err != nil {
		return withStderr(err, captured.String())
	}
	return nil
}

func (s *Shell) run(ctx context.Context, spec Spec, stdout, stderr io.Writer) (time.Time, error) {
	if err := spec.Validate(); err != nil {
		return time.Time{}, err
	}

	cmd := shellCommand(ctx, spec.Command)
	cmd.Dir = spec.WorkingDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)

	s.log().Debugw("starting command", "Command", spec.Command, "WD", spec.WorkingDir)
	startTime := time.Now()
	err := cmd.Start()
	if err != nil {
		return startTime, &ExecutionError{ExitCode: -1, Err: fmt.Errorf("starting shell: %w", err)}
	}

	err = cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			s.log().Debugf("process %d exited with code %d", cmd.Process.Pid, exitErr.ExitCode())
			return startTime, &ExecutionError{ExitCode: exitErr.ExitCode(), Err: err}
		}
		return startTime, &ExecutionError{ExitCode: -1, Err: err}
	}
	s.log().Debugf("process %d exited with code 0 after %s", cmd.Process.Pid, time.Since(startTime))
	return startTime, nil
}

func shellCommand(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", command) // #nosec G204
	}
	return exec.CommandContext(ctx, "/bin/sh", "-c", command) // #nosec G204
}

func withStderr(err error, stderr string) error {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		execErr.Stderr = stderr
	}
	return err
}

// chunkWriter hands each write to fn as a private copy, since os/exec reuses its buffer.
type chunkWriter struct {
	mu sync.Mutex
	fn func([]byte)
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	if w.fn == nil || len(p) == 0 {
		return len(p), nil
	}
	b := make([]byte, len(p))
	copy(b, p)
	w.mu.Lock()
	w.fn(b)
	w.mu.Unlock()
	return len(p), nil
}
