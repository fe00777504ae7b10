package stream

import (
	"time"

	"github.com/guseggert/redep/agent/session"
)

const (
	// ActionDeploy runs the configured deploy command.
	ActionDeploy = "deploy"

	statusStarted   = "started"
	statusCompleted = "completed"
	statusFailed    = "failed"
	statusRejected  = "rejected"
)

// clientReadLimit is large enough for one 32KiB pipe read even when every byte is JSON-escaped.
const clientReadLimit = 1 << 20

// Trigger asks the server to start a session.
type Trigger struct {
	Action string `json:"action"`
	// Target labels the deployment in logs. It does not change the command.
	Target string `json:"target,omitempty"`
}

// eventMessage is a server->client message.
// Phase transitions set Status; output chunks set Type and Data.
type eventMessage struct {
	Status    string    `json:"status,omitempty"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	ExitCode  *int      `json:"exitCode,omitempty"`
	Type      string    `json:"type,omitempty"`
	Data      string    `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func newEventMessage(e session.Event) eventMessage {
	msg := eventMessage{Timestamp: e.Time}
	switch e.Kind {
	case session.KindStarted:
		msg.Status = statusStarted
		msg.Message = e.Message
	case session.KindLog:
		msg.Type = string(e.Stream)
		msg.Data = e.Data
	case session.KindCompleted:
		msg.Status = statusCompleted
		msg.Message = e.Message
	case session.KindFailed:
		msg.Status = statusFailed
		msg.Error = e.Error
		if e.ExitCode >= 0 {
			code := e.ExitCode
			msg.ExitCode = &code
		}
	}
	return msg
}

// event converts a message back into a session event. ok is false for messages that are not events.
func (m eventMessage) event() (e session.Event, ok bool) {
	e = session.Event{Time: m.Timestamp, Message: m.Message, Error: m.Error, ExitCode: -1}
	if m.ExitCode != nil {
		e.ExitCode = *m.ExitCode
	}
	switch {
	case m.Status == statusStarted:
		e.Kind = session.KindStarted
	case m.Status == statusCompleted:
		e.Kind = session.KindCompleted
	case m.Status == statusFailed:
		e.Kind = session.KindFailed
	case m.Type == string(session.Stdout) || m.Type == string(session.Stderr):
		e.Kind = session.KindLog
		e.Stream = session.Stream(m.Type)
		e.Data = m.Data
	default:
		return session.Event{}, false
	}
	return e, true
}
