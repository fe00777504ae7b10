package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/guseggert/redep/config"
	"github.com/guseggert/redep/internal/pidfile"
	"github.com/urfave/cli/v2"
	"golang.org/x/sys/unix"
)

const startupGrace = time.Second

var errExitedDuringStartup = errors.New("exited during startup")

// startDetached starts cmd and returns its PID if it is still running after grace.
// The child is waited on, so an early exit is seen even though the process lingers as a zombie until reaped.
func startDetached(cmd *exec.Cmd, grace time.Duration) (int, error) {
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting server: %w", err)
	}
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	select {
	case err := <-exited:
		if err == nil {
			return 0, errExitedDuringStartup
		}
		return 0, fmt.Errorf("%w: %s", errExitedDuringStartup, err)
	case <-time.After(grace):
		return cmd.Process.Pid, nil
	}
}

func daemonFiles() (pidfile.File, string, error) {
	dir, err := config.Dir()
	if err != nil {
		return pidfile.File{}, "", err
	}
	return pidfile.File{Path: filepath.Join(dir, "redep.pid")}, filepath.Join(dir, "redep.log"), nil
}

var startCommand = &cli.Command{
	Name:  "start",
	Usage: "Start the server in the background",
	Flags: listenFlags,
	Action: func(ctx *cli.Context) error {
		pf, logPath, err := daemonFiles()
		if err != nil {
			return err
		}
		if pid, err := pf.Running(); err == nil {
			return cli.Exit(fmt.Sprintf("Server is already running (PID %d)", pid), 1)
		} else if !errors.Is(err, pidfile.ErrNotRunning) {
			return err
		}

		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("finding executable: %w", err)
		}
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		defer logFile.Close()

		cmd := exec.Command(self, listenArgs(ctx, pf.Path)...)
		cmd.Stdout = logFile
		cmd.Stderr = logFile
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
		pid, err := startDetached(cmd, startupGrace)
		if errors.Is(err, errExitedDuringStartup) {
			return cli.Exit(fmt.Sprintf("Server exited during startup, see %s", logPath), 1)
		}
		if err != nil {
			return err
		}
		out.Successf("Server started in background (PID %d)", pid)
		out.Infof("Logs: %s", logPath)
		return nil
	},
}

// listenArgs rebuilds the listen invocation for the background process.
func listenArgs(ctx *cli.Context, pidPath string) []string {
	var args []string
	if c := ctx.String("config"); c != "" {
		args = append(args, "--config", c)
	}
	args = append(args, "listen", "--pid-file", pidPath)
	if ctx.IsSet("port") {
		args = append(args, "--port", strconv.Itoa(ctx.Int("port")))
	}
	for _, name := range []string{"host", "log-level", "tls-cert", "tls-key"} {
		if ctx.IsSet(name) {
			args = append(args, "--"+name, ctx.String(name))
		}
	}
	if ctx.Bool("kill-on-disconnect") {
		args = append(args, "--kill-on-disconnect")
	}
	return args
}

var stopCommand = &cli.Command{
	Name:  "stop",
	Usage: "Stop the background server",
	Action: func(ctx *cli.Context) error {
		pf, _, err := daemonFiles()
		if err != nil {
			return err
		}
		pid, err := pf.Running()
		if errors.Is(err, pidfile.ErrNotRunning) {
			out.Warnf("No server is running")
			return nil
		}
		if err != nil {
			return err
		}
		if err := pf.Signal(unix.SIGTERM); err != nil {
			return err
		}
		out.Successf("Stopped server (PID %d)", pid)
		return nil
	},
}

var statusCommand = &cli.Command{
	Name:  "status",
	Usage: "Show whether the background server is running",
	Action: func(ctx *cli.Context) error {
		pf, logPath, err := daemonFiles()
		if err != nil {
			return err
		}
		pid, err := pf.Running()
		if errors.Is(err, pidfile.ErrNotRunning) {
			out.Infof("Server is not running")
			return nil
		}
		if err != nil {
			return err
		}
		out.Successf("Server is running (PID %d)", pid)
		out.Infof("Logs: %s", logPath)
		return nil
	},
}
