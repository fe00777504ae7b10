package stream

import (
	"context"

	"github.com/guseggert/redep/agent/session"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// wsSink writes session events to a WebSocket as JSON messages.
// Write errors are logged and dropped: the session keeps running even if nobody is listening.
type wsSink struct {
	log  *zap.SugaredLogger
	ctx  context.Context
	conn *websocket.Conn

	// terminal wraps the write of the terminal event. The connection accepts
	// no new trigger until the wrapped write has finished.
	terminal func(write func())
}

func (w *wsSink) Emit(e session.Event) {
	if e.Kind.Terminal() && w.terminal != nil {
		w.terminal(func() { w.write(e) })
		return
	}
	w.write(e)
}

func (w *wsSink) write(e session.Event) {
	msg := newEventMessage(e)
	err := wsjson.Write(w.ctx, w.conn, &msg)
	if err != nil {
		w.log.Debugw("error writing event", "Kind", e.Kind, "Error", err)
		return
	}
	if e.Kind == session.KindLog {
		w.log.Debugf("wrote %d bytes of %s", len(e.Data), e.Stream)
	}
}
