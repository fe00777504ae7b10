// Package pidfile records the PID of the background daemon and checks whether it is still alive.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrNotRunning is returned when no live process is recorded.
var ErrNotRunning = errors.New("daemon is not running")

// File is a PID file at a fixed path.
type File struct {
	Path string
}

// Write records pid, replacing any previous record.
func (f File) Write(pid int) error {
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	return os.Rename(tmp, f.Path)
}

// Read returns the recorded PID, or ErrNotRunning if there is no record.
func (f File) Read() (int, error) {
	b, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, ErrNotRunning
	}
	if err != nil {
		return 0, fmt.Errorf("reading pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %s is corrupt", f.Path)
	}
	return pid, nil
}

// Running returns the recorded PID if that process is alive. A stale record is removed.
func (f File) Running() (int, error) {
	pid, err := f.Read()
	if err != nil {
		return 0, err
	}
	if !Alive(pid) {
		_ = f.Remove()
		return 0, ErrNotRunning
	}
	return pid, nil
}

func (f File) Remove() error {
	err := os.Remove(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Alive reports whether a process with the given PID exists.
func Alive(pid int) bool {
	err := unix.Kill(pid, 0)
	// EPERM means it exists but belongs to someone else
	return err == nil || errors.Is(err, unix.EPERM)
}

// Signal sends sig to the recorded process.
func (f File) Signal(sig unix.Signal) error {
	pid, err := f.Running()
	if err != nil {
		return err
	}
	if err := unix.Kill(pid, sig); err != nil {
		return fmt.Errorf("signaling %d: %w", pid, err)
	}
	return nil
}
