package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newShell(t *testing.T) *Shell {
	l, err := zap.NewDevelopment()
	require.NoError(t, err)
	return &Shell{Log: l.Sugar()}
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	wd := t.TempDir()

	cases := []struct {
		name      string
		cmd       string
		expStdout string
		expStderr string
		expCode   int
		expErr    bool
	}{
		{
			name:      "happy case",
			cmd:       "echo hello",
			expStdout: "hello\n",
		},
		{
			name:      "stdout and stderr",
			cmd:       "printf foo; printf bar 1>&2",
			expStdout: "foo",
			expStderr: "bar",
		},
		{
			name:      "shell operators are honored",
			cmd:       "printf a && printf b || printf c",
			expStdout: "ab",
		},
		{
			name:    "non-zero exit",
			cmd:     "exit 1",
			expCode: 1,
			expErr:  true,
		},
		{
			name:      "non-zero exit keeps stderr",
			cmd:       "printf boom 1>&2; exit 3",
			expCode:   3,
			expStderr: "boom",
			expErr:    true,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			res, err := newShell(t).Run(ctx, Spec{Command: c.cmd, WorkingDir: wd})
			if c.expErr {
				var execErr *ExecutionError
				require.ErrorAs(t, err, &execErr)
				assert.True(t, execErr.Exited())
				assert.Equal(t, c.expCode, execErr.ExitCode)
				assert.Equal(t, c.expStderr, execErr.Stderr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 0, res.ExitCode)
			assert.Equal(t, c.expStdout, res.Stdout)
			assert.Equal(t, c.expStderr, res.Stderr)
		})
	}
}

func TestRunUsesWorkingDir(t *testing.T) {
	wd := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(wd, "marker"), []byte("here"), 0o644))

	res, err := newShell(t).Run(context.Background(), Spec{Command: "cat marker", WorkingDir: wd})
	require.NoError(t, err)
	assert.Equal(t, "here", res.Stdout)
}

func TestValidate(t *testing.T) {
	wd := t.TempDir()
	file := filepath.Join(wd, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	cases := []struct {
		name     string
		spec     Spec
		expField string
	}{
		{name: "empty command", spec: Spec{WorkingDir: wd}, expField: "command"},
		{name: "empty working dir", spec: Spec{Command: "true"}, expField: "working directory"},
		{name: "missing working dir", spec: Spec{Command: "true", WorkingDir: filepath.Join(wd, "nope")}, expField: "working directory"},
		{name: "working dir is a file", spec: Spec{Command: "true", WorkingDir: file}, expField: "working directory"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := newShell(t).Run(context.Background(), c.spec)
			var cfgErr *ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, c.expField, cfgErr.Field)

			err = newShell(t).Stream(context.Background(), c.spec, nil, nil)
			require.ErrorAs(t, err, &cfgErr)
		})
	}

	require.NoError(t, Spec{Command: "true", WorkingDir: wd}.Validate())
}

func TestMissingWorkingDirIsNotExist(t *testing.T) {
	err := Spec{Command: "true", WorkingDir: "/definitely/not/here"}.Validate()
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

type chunks struct {
	mu     sync.Mutex
	stdout []string
	stderr []string
}

func (c *chunks) onStdout(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stdout = append(c.stdout, string(b))
}

func (c *chunks) onStderr(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stderr = append(c.stderr, string(b))
}

func TestStream(t *testing.T) {
	wd := t.TempDir()
	var got chunks

	err := newShell(t).Stream(
		context.Background(),
		Spec{Command: "printf one; sleep 0.1; printf two; sleep 0.1; printf three 1>&2", WorkingDir: wd},
		got.onStdout,
		got.onStderr,
	)
	require.NoError(t, err)

	assert.Equal(t, "onetwo", strings.Join(got.stdout, ""))
	assert.Equal(t, []string{"one", "two"}, got.stdout)
	assert.Equal(t, "three", strings.Join(got.stderr, ""))
}

func TestStreamFailure(t *testing.T) {
	wd := t.TempDir()
	var got chunks

	err := newShell(t).Stream(
		context.Background(),
		Spec{Command: "echo partial; echo oops 1>&2; exit 7", WorkingDir: wd},
		got.onStdout,
		got.onStderr,
	)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 7, execErr.ExitCode)
	assert.Equal(t, "oops\n", execErr.Stderr)
	assert.Equal(t, "partial\n", strings.Join(got.stdout, ""))
}

func TestStreamCancelKillsProcess(t *testing.T) {
	wd := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := newShell(t).Stream(ctx, Spec{Command: "sleep 10", WorkingDir: wd}, nil, nil)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.False(t, execErr.Exited())
	assert.Less(t, time.Since(start), 5*time.Second)
}
