package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/redep/agent/runner"
	"go.uber.org/zap"
)

// State is the lifecycle state of a Session.
type State int

const (
	Idle State = iota
	Running
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrNotIdle is returned when a session is started more than once.
var ErrNotIdle = errors.New("session already started")

// Session runs exactly one command invocation and reports its lifecycle to a Sink.
// A session cannot be restarted; a new trigger needs a new Session.
type Session struct {
	ID string

	log    *zap.SugaredLogger
	runner runner.Runner
	spec   runner.Spec
	sink   Sink
	now    func() time.Time

	m     sync.Mutex
	state State

	// emitMut serializes Emit calls, since stdout and stderr arrive on separate goroutines
	emitMut sync.Mutex
}

type Option func(s *Session)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Session) {
		s.log = l
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

// New creates an idle session. A nil sink discards events.
func New(r runner.Runner, spec runner.Spec, sink Sink, opts ...Option) *Session {
	if sink == nil {
		sink = SinkFunc(func(Event) {})
	}
	s := &Session{
		ID:     uuid.NewString(),
		log:    zap.NewNop().Sugar(),
		runner: r,
		spec:   spec,
		sink:   sink,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("Session", s.ID)
	return s
}

func (s *Session) State() State {
	s.m.Lock()
	defer s.m.Unlock()
	return s.state
}

// Stream runs the command, emitting Started, one Log per output chunk, and then Completed or Failed.
// The returned error is the reason for failure, or nil on success.
func (s *Session) Stream(ctx context.Context) error {
	if err := s.begin(); err != nil {
		return err
	}
	if err := s.spec.Validate(); err != nil {
		s.fail(err)
		return err
	}

	err := s.runner.Stream(ctx, s.spec, s.logFunc(Stdout), s.logFunc(Stderr))
	if err != nil {
		s.fail(err)
		return err
	}
	s.complete()
	return nil
}

// Collect runs the command and returns its buffered output. Only Started and the terminal event are emitted.
func (s *Session) Collect(ctx context.Context) (*runner.Result, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	if err := s.spec.Validate(); err != nil {
		s.fail(err)
		return nil, err
	}

	res, err := s.runner.Run(ctx, s.spec)
	if err != nil {
		s.fail(err)
		return nil, err
	}
	s.complete()
	return res, nil
}

func (s *Session) begin() error {
	s.m.Lock()
	if s.state != Idle {
		state := s.state
		s.m.Unlock()
		return fmt.Errorf("%w (state %s)", ErrNotIdle, state)
	}
	s.state = Running
	s.m.Unlock()

	s.log.Infow("session started", "Command", s.spec.Command, "WD", s.spec.WorkingDir)
	s.emit(Event{Kind: KindStarted, Message: fmt.Sprintf("Executing: %s", s.spec.Command)})
	return nil
}

func (s *Session) logFunc(stream Stream) func([]byte) {
	return func(b []byte) {
		s.emitWhileRunning(Event{Kind: KindLog, Stream: stream, Data: string(b)})
	}
}

func (s *Session) complete() {
	s.finish(Completed, Event{Kind: KindCompleted, Message: "Command executed successfully"})
	s.log.Info("session completed")
}

func (s *Session) fail(err error) {
	e := Event{Kind: KindFailed, Error: err.Error(), ExitCode: -1}
	var execErr *runner.ExecutionError
	if errors.As(err, &execErr) {
		e.ExitCode = execErr.ExitCode
	}
	s.finish(Failed, e)
	s.log.Warnw("session failed", "Error", err)
}

func (s *Session) finish(state State, e Event) {
	s.emitMut.Lock()
	defer s.emitMut.Unlock()
	s.m.Lock()
	s.state = state
	s.m.Unlock()
	e.Time = s.now()
	s.sink.Emit(e)
}

func (s *Session) emit(e Event) {
	s.emitMut.Lock()
	defer s.emitMut.Unlock()
	e.Time = s.now()
	s.sink.Emit(e)
}

func (s *Session) emitWhileRunning(e Event) {
	s.emitMut.Lock()
	defer s.emitMut.Unlock()
	if s.State() != Running {
		s.log.Debugf("dropping %s chunk after terminal event", e.Stream)
		return
	}
	e.Time = s.now()
	s.sink.Emit(e)
}
