package session

import "time"

// Kind identifies the kind of event emitted by a Session.
type Kind int

const (
	// KindStarted is emitted once, before the process is spawned.
	KindStarted Kind = iota
	// KindLog is emitted for each chunk of process output.
	// Stream and Data are set.
	KindLog
	// KindCompleted is emitted when the process exits with code 0.
	// Message is set.
	KindCompleted
	// KindFailed is emitted when the session could not run the command, or it exited non-zero.
	// Error is set.
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindStarted:
		return "started"
	case KindLog:
		return "log"
	case KindCompleted:
		return "completed"
	case KindFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no event may follow this one.
func (k Kind) Terminal() bool {
	return k == KindCompleted || k == KindFailed
}

// Stream names the output stream a log chunk was read from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Event is a lifecycle or output event emitted by a Session.
//
// Ordering guarantees:
//   - Success: Started → Log* → Completed
//   - Failure: Started → Log* → Failed
//
// Nothing is emitted after the terminal event.
type Event struct {
	Kind    Kind
	Stream  Stream
	Data    string
	Message string
	Error   string
	// ExitCode is set on Failed events when the process exited with a status; otherwise it is -1.
	ExitCode int
	Time     time.Time
}

// Sink receives the events of a session in order. Emit is never called concurrently for one session.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }
