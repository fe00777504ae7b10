package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/guseggert/redep/agent/session"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// HandshakeError is returned when the server refuses the WebSocket upgrade.
// StatusCode is 0 if no HTTP response was received at all.
type HandshakeError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *HandshakeError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("establishing WebSocket conn: %s", e.Err)
	}
	return fmt.Sprintf("WebSocket handshake failed with HTTP status %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// RejectedError is returned when the server refuses a trigger on an open connection.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("trigger rejected: %s", e.Reason)
}

// ErrClosedEarly is returned when the connection ends before a terminal event arrives.
var ErrClosedEarly = errors.New("connection closed before the session finished")

type Client struct {
	HTTPClient *http.Client
	// URL is the stream endpoint, with an http, https, ws or wss scheme.
	URL    string
	Secret string
	Logger *zap.SugaredLogger
}

// Trigger opens a connection, sends t, and calls onEvent for each event until the terminal one, which is also returned.
// A Failed terminal event is not an error; the error is reserved for transport failures and rejections.
func (c *Client) Trigger(ctx context.Context, t Trigger, onEvent func(session.Event)) (session.Event, error) {
	header := http.Header{}
	if c.Secret != "" {
		header.Set("Authorization", "Bearer "+c.Secret)
	}

	c.Logger.Debugw("dialing WebSocket for trigger", "URL", c.URL)
	wsConn, resp, err := websocket.Dial(ctx, c.URL, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		HTTPHeader:      header,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		c.Logger.Debugf("dial error: %s", err)
		hsErr := &HandshakeError{Err: err}
		if resp != nil {
			hsErr.StatusCode = resp.StatusCode
			if resp.Body != nil {
				b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
				resp.Body.Close()
				hsErr.Body = string(b)
			}
		}
		return session.Event{}, hsErr
	}
	wsConn.SetReadLimit(clientReadLimit)

	r := &clientTriggerRunner{
		log:     c.Logger.Named("trigger_runner"),
		conn:    wsConn,
		onEvent: onEvent,
	}
	return r.run(ctx, t)
}

type clientTriggerRunner struct {
	log     *zap.SugaredLogger
	conn    *websocket.Conn
	onEvent func(session.Event)

	closeConnOnce sync.Once
}

func (r *clientTriggerRunner) run(ctx context.Context, t Trigger) (session.Event, error) {
	err := wsjson.Write(ctx, r.conn, t)
	if err != nil {
		r.close(websocket.StatusInternalError, err.Error())
		return session.Event{}, fmt.Errorf("writing trigger: %w", err)
	}

	// The client always initiates the close once it has seen the terminal event.
	for {
		var msg eventMessage
		err := wsjson.Read(ctx, r.conn, &msg)
		if websocket.CloseStatus(err) != -1 {
			return session.Event{}, fmt.Errorf("%w: %s", ErrClosedEarly, err)
		}
		if err != nil {
			r.log.Debugf("message reader got error: %s", err)
			r.close(websocket.StatusInternalError, err.Error())
			return session.Event{}, fmt.Errorf("reading event: %w", err)
		}
		if msg.Status == statusRejected {
			r.close(websocket.StatusNormalClosure, "")
			return session.Event{}, &RejectedError{Reason: msg.Error}
		}
		e, ok := msg.event()
		if !ok {
			r.log.Debugw("ignoring unknown message", "Message", msg)
			continue
		}
		if r.onEvent != nil {
			r.onEvent(e)
		}
		if e.Kind.Terminal() {
			r.close(websocket.StatusNormalClosure, "")
			return e, nil
		}
	}
}

func (r *clientTriggerRunner) close(code websocket.StatusCode, reason string) {
	// websocket reason can't be above 123 chars
	if len(reason) > 100 {
		reason = reason[0:100]
	}
	r.closeConnOnce.Do(func() {
		err := r.conn.Close(code, reason)
		if err != nil {
			r.log.Debugf("error closing conn: %s", err)
		}
	})
}
