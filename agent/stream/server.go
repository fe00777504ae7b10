package stream

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/redep/agent/runner"
	"github.com/guseggert/redep/agent/session"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Server accepts WebSocket connections and runs one session per trigger.
// It does no authentication itself; wrap it in a handler that does.
type Server struct {
	Log    *zap.SugaredLogger
	Runner runner.Runner
	// Resolve returns the spec a trigger should run. An error rejects the trigger.
	Resolve func(t Trigger) (runner.Spec, error)
	// KillOnDisconnect kills a running process when its connection goes away.
	KillOnDisconnect bool

	m        sync.Mutex
	sessions int
	idle     chan struct{}
}

// Wait blocks until no session is running or ctx is done.
// Sessions outlive their connections unless KillOnDisconnect is set, so
// http.Server.Shutdown alone does not wait for them.
func (s *Server) Wait(ctx context.Context) error {
	s.m.Lock()
	if s.sessions == 0 {
		s.m.Unlock()
		return nil
	}
	idle := s.idle
	s.m.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) sessionStarted() {
	s.m.Lock()
	defer s.m.Unlock()
	if s.sessions == 0 {
		s.idle = make(chan struct{})
	}
	s.sessions++
}

func (s *Server) sessionDone() {
	s.m.Lock()
	defer s.m.Unlock()
	s.sessions--
	if s.sessions == 0 {
		close(s.idle)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.Log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	s.Log.Debugw("accepted WebSocket conn", "RemoteAddr", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	c := &serverConn{
		server: s,
		log:    s.Log.Named("conn").With("RemoteAddr", r.RemoteAddr),
		conn:   wsConn,
		ctx:    ctx,
		cancel: cancel,
	}
	c.run()
}

type serverConn struct {
	server *Server
	log    *zap.SugaredLogger
	conn   *websocket.Conn
	ctx    context.Context
	cancel func()

	m      sync.Mutex
	active bool

	wg sync.WaitGroup

	closeConnOnce sync.Once
}

func (c *serverConn) run() {
	defer c.wg.Wait()
	defer c.cancel()

	for {
		var t Trigger
		err := wsjson.Read(c.ctx, c.conn, &t)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure || websocket.CloseStatus(err) == websocket.StatusGoingAway {
			c.log.Debug("got normal closure from client, wrapping up")
			return
		}
		if err != nil {
			c.log.Debugf("trigger reader got error: %s", err)
			c.close(websocket.StatusInternalError, err.Error())
			return
		}
		c.handleTrigger(t)
	}
}

func (c *serverConn) handleTrigger(t Trigger) {
	if t.Action != ActionDeploy {
		c.reject(fmt.Sprintf("unsupported action %q", t.Action))
		return
	}
	spec, err := c.server.Resolve(t)
	if err != nil {
		c.reject(err.Error())
		return
	}

	c.m.Lock()
	if c.active {
		c.m.Unlock()
		c.reject("busy: a session is already running on this connection")
		return
	}
	c.active = true
	c.m.Unlock()

	sessCtx := context.WithoutCancel(c.ctx)
	if c.server.KillOnDisconnect {
		sessCtx = c.ctx
	}

	sink := &wsSink{
		log:  c.log.Named("sink"),
		ctx:  c.ctx,
		conn: c.conn,
		terminal: func(write func()) {
			c.m.Lock()
			defer c.m.Unlock()
			write()
			c.active = false
		},
	}
	sess := session.New(c.server.Runner, spec, sink, session.WithLogger(c.server.Log.Named("session")))
	c.log.Infow("trigger accepted", "Action", t.Action, "Target", t.Target, "Session", sess.ID)

	c.server.sessionStarted()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.server.sessionDone()
		err := sess.Stream(sessCtx)
		c.log.Debugw("session done", "Session", sess.ID, "State", sess.State(), "Error", err)
	}()
}

func (c *serverConn) reject(reason string) {
	c.log.Infof("rejecting trigger: %s", reason)
	err := wsjson.Write(c.ctx, c.conn, eventMessage{
		Status:    statusRejected,
		Error:     reason,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		c.log.Debugf("error sending rejection: %s", err)
	}
}

func (c *serverConn) close(code websocket.StatusCode, reason string) {
	// websocket reason can't be above 123 chars
	if len(reason) > 100 {
		reason = reason[0:100]
	}
	c.closeConnOnce.Do(func() {
		err := c.conn.Close(code, reason)
		if err != nil {
			c.log.Debugf("error closing conn: %s", err)
		}
	})
}
