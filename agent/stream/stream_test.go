package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/redep/agent/runner"
	"github.com/guseggert/redep/agent/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

// gatedRunner emits its chunks, then blocks until release is closed.
type gatedRunner struct {
	chunks  []string
	entered chan struct{}
	release chan struct{}
	err     error

	mu    sync.Mutex
	calls int
}

func (r *gatedRunner) Run(ctx context.Context, spec runner.Spec) (*runner.Result, error) {
	return nil, errors.New("not used")
}

func (r *gatedRunner) Stream(ctx context.Context, spec runner.Spec, onStdout, onStderr func([]byte)) error {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	for _, c := range r.chunks {
		onStdout([]byte(c))
	}
	if r.entered != nil {
		r.entered <- struct{}{}
	}
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return r.err
}

func newTestServer(t *testing.T, r runner.Runner, wd string) *httptest.Server {
	s := &Server{
		Log:    log.Named("stream_server"),
		Runner: r,
		Resolve: func(t Trigger) (runner.Spec, error) {
			return runner.Spec{Command: "deploy " + t.Target, WorkingDir: wd}, nil
		},
	}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return srv
}

func newClient(srv *httptest.Server) *Client {
	return &Client{
		HTTPClient: srv.Client(),
		URL:        srv.URL,
		Secret:     "s3cr3t",
		Logger:     log.Named("stream_client"),
	}
}

func TestTriggerStreamsChunksInOrder(t *testing.T) {
	r := &gatedRunner{chunks: []string{"one\n", "two\n", "three\n"}}
	srv := newTestServer(t, r, t.TempDir())

	var events []session.Event
	terminal, err := newClient(srv).Trigger(context.Background(), Trigger{Action: ActionDeploy, Target: "fe"}, func(e session.Event) {
		events = append(events, e)
	})
	require.NoError(t, err)

	assert.Equal(t, session.KindCompleted, terminal.Kind)
	require.Len(t, events, 5)
	assert.Equal(t, session.KindStarted, events[0].Kind)
	for i, want := range []string{"one\n", "two\n", "three\n"} {
		assert.Equal(t, session.KindLog, events[i+1].Kind)
		assert.Equal(t, session.Stdout, events[i+1].Stream)
		assert.Equal(t, want, events[i+1].Data)
	}
	assert.Equal(t, session.KindCompleted, events[4].Kind)
	for _, e := range events {
		assert.False(t, e.Time.IsZero())
	}
}

func TestTriggerWithShell(t *testing.T) {
	wd := t.TempDir()
	s := &Server{
		Log:    log,
		Runner: &runner.Shell{Log: log},
		Resolve: func(t Trigger) (runner.Spec, error) {
			return runner.Spec{Command: "echo hello; exit 1", WorkingDir: wd}, nil
		},
	}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	var out string
	terminal, err := newClient(srv).Trigger(context.Background(), Trigger{Action: ActionDeploy}, func(e session.Event) {
		if e.Kind == session.KindLog {
			out += e.Data
		}
	})
	require.NoError(t, err)
	assert.Equal(t, session.KindFailed, terminal.Kind)
	assert.Equal(t, 1, terminal.ExitCode)
	assert.Equal(t, "hello\n", out)
}

func TestMissingWorkingDirFails(t *testing.T) {
	r := &gatedRunner{}
	srv := newTestServer(t, r, filepath.Join(t.TempDir(), "gone"))

	terminal, err := newClient(srv).Trigger(context.Background(), Trigger{Action: ActionDeploy}, nil)
	require.NoError(t, err)
	assert.Equal(t, session.KindFailed, terminal.Kind)
	assert.Contains(t, terminal.Error, "does not exist")
	assert.Equal(t, 0, r.calls)
}

func TestUnknownActionRejected(t *testing.T) {
	r := &gatedRunner{}
	srv := newTestServer(t, r, t.TempDir())

	_, err := newClient(srv).Trigger(context.Background(), Trigger{Action: "execute"}, nil)
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Contains(t, rejected.Reason, "unsupported action")
	assert.Equal(t, 0, r.calls)
}

func TestSecondTriggerWhileRunningIsRejected(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r := &gatedRunner{entered: make(chan struct{}, 2), release: make(chan struct{})}
	srv := newTestServer(t, r, t.TempDir())

	conn, _, err := websocket.Dial(ctx, srv.URL, &websocket.DialOptions{HTTPClient: srv.Client()})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	read := func() eventMessage {
		var msg eventMessage
		require.NoError(t, wsjson.Read(ctx, conn, &msg))
		return msg
	}

	require.NoError(t, wsjson.Write(ctx, conn, Trigger{Action: ActionDeploy}))
	assert.Equal(t, statusStarted, read().Status)
	<-r.entered

	require.NoError(t, wsjson.Write(ctx, conn, Trigger{Action: ActionDeploy}))
	msg := read()
	assert.Equal(t, statusRejected, msg.Status)
	assert.Contains(t, msg.Error, "busy")

	close(r.release)
	assert.Equal(t, statusCompleted, read().Status)

	// a finished session frees the connection for a new one
	require.NoError(t, wsjson.Write(ctx, conn, Trigger{Action: ActionDeploy}))
	assert.Equal(t, statusStarted, read().Status)
	<-r.entered
	assert.Equal(t, statusCompleted, read().Status)

	assert.Equal(t, 2, r.calls)
}

func TestHandshakeRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Invalid token", http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	_, err := newClient(srv).Trigger(context.Background(), Trigger{Action: ActionDeploy}, nil)
	var hsErr *HandshakeError
	require.ErrorAs(t, err, &hsErr)
	assert.Equal(t, http.StatusForbidden, hsErr.StatusCode)
}

func TestEventMessageShape(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	started := newEventMessage(session.Event{Kind: session.KindStarted, Message: "go", Time: now})
	assert.Equal(t, eventMessage{Status: "started", Message: "go", Timestamp: now}, started)

	log := newEventMessage(session.Event{Kind: session.KindLog, Stream: session.Stderr, Data: "x", Time: now})
	assert.Equal(t, eventMessage{Type: "stderr", Data: "x", Timestamp: now}, log)

	failed := newEventMessage(session.Event{Kind: session.KindFailed, Error: "boom", ExitCode: -1, Time: now})
	assert.Nil(t, failed.ExitCode)
	e, ok := failed.event()
	require.True(t, ok)
	assert.Equal(t, -1, e.ExitCode)

	_, ok = eventMessage{Status: statusRejected}.event()
	assert.False(t, ok)
}

// stepRunner blocks every call until it receives on release.
type stepRunner struct {
	release chan struct{}
}

func (r *stepRunner) Run(ctx context.Context, spec runner.Spec) (*runner.Result, error) {
	return nil, errors.New("not used")
}

func (r *stepRunner) Stream(ctx context.Context, spec runner.Spec, onStdout, onStderr func([]byte)) error {
	select {
	case <-r.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestTerminalEventPrecedesNextSession(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	r := &stepRunner{release: make(chan struct{})}
	srv := newTestServer(t, r, t.TempDir())

	conn, _, err := websocket.Dial(ctx, srv.URL, &websocket.DialOptions{HTTPClient: srv.Client()})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	read := func() eventMessage {
		var msg eventMessage
		require.NoError(t, wsjson.Read(ctx, conn, &msg))
		return msg
	}

	require.NoError(t, wsjson.Write(ctx, conn, Trigger{Action: ActionDeploy}))
	require.Equal(t, statusStarted, read().Status)

	for i := 0; i < 50; i++ {
		// finish the running session and send the next trigger without waiting for its terminal event
		go func() { r.release <- struct{}{} }()
		require.NoError(t, wsjson.Write(ctx, conn, Trigger{Action: ActionDeploy}))

		completed := false
		for started := false; !started; {
			msg := read()
			switch msg.Status {
			case statusRejected:
				require.NoError(t, wsjson.Write(ctx, conn, Trigger{Action: ActionDeploy}))
			case statusCompleted:
				require.False(t, completed, "iteration %d: second terminal event", i)
				completed = true
			case statusStarted:
				require.True(t, completed, "iteration %d: next session started before the previous one completed", i)
				started = true
			default:
				t.Fatalf("iteration %d: unexpected status %q", i, msg.Status)
			}
		}
	}

	go func() { r.release <- struct{}{} }()
	assert.Equal(t, statusCompleted, read().Status)
}

func newShellServer(t *testing.T, wd, command string, killOnDisconnect bool) (*Server, *httptest.Server) {
	s := &Server{
		Log:    log,
		Runner: &runner.Shell{Log: log},
		Resolve: func(t Trigger) (runner.Spec, error) {
			return runner.Spec{Command: command, WorkingDir: wd}, nil
		},
		KillOnDisconnect: killOnDisconnect,
	}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, srv
}

// triggerAndHangUp sends a deploy trigger, waits for it to start, and closes the connection.
func triggerAndHangUp(t *testing.T, srv *httptest.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, srv.URL, &websocket.DialOptions{HTTPClient: srv.Client()})
	require.NoError(t, err)
	require.NoError(t, wsjson.Write(ctx, conn, Trigger{Action: ActionDeploy}))
	var msg eventMessage
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	require.Equal(t, statusStarted, msg.Status)
	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
}

func TestSessionOutlivesDisconnect(t *testing.T) {
	wd := t.TempDir()
	s, srv := newShellServer(t, wd, "sleep 0.5; touch marker", false)

	triggerAndHangUp(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	assert.FileExists(t, filepath.Join(wd, "marker"))
}

func TestKillOnDisconnect(t *testing.T) {
	wd := t.TempDir()
	s, srv := newShellServer(t, wd, "sleep 0.5; touch marker", true)

	triggerAndHangUp(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	time.Sleep(time.Second)
	_, err := os.Stat(filepath.Join(wd, "marker"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestWaitBlocksOnRunningSession(t *testing.T) {
	r := &gatedRunner{entered: make(chan struct{}, 1), release: make(chan struct{})}
	srv := newTestServer(t, r, t.TempDir())
	s := srv.Config.Handler.(*Server)

	require.NoError(t, s.Wait(context.Background()))

	done := make(chan error, 1)
	go func() {
		_, err := newClient(srv).Trigger(context.Background(), Trigger{Action: ActionDeploy}, nil)
		done <- err
	}()
	<-r.entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)

	close(r.release)
	require.NoError(t, <-done)
	require.NoError(t, s.Wait(context.Background()))
}
