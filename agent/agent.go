package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/redep/agent/runner"
	"github.com/guseggert/redep/agent/session"
	"github.com/guseggert/redep/agent/stream"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultDeployCommand pulls and restarts a docker compose project.
const DefaultDeployCommand = "docker compose pull && docker compose up -d"

// Config is the read-only state every session shares.
type Config struct {
	// Secret is the shared credential. If empty, every caller is trusted.
	Secret string
	// WorkingDir is where every command runs.
	WorkingDir string
	// DeployCommand is run by the deploy trigger.
	DeployCommand string
}

// Agent is the HTTP daemon that accepts triggers and runs commands.
type Agent struct {
	logger *zap.SugaredLogger

	cfg  Config
	auth *Authenticator

	listenAddr       string
	tlsConfig        *tls.Config
	runner           runner.Runner
	killOnDisconnect bool

	streamServer *stream.Server

	m          sync.Mutex
	httpServer *http.Server
	addr       net.Addr
	listening  chan struct{}
}

type Option func(a *Agent)

func WithListenAddr(s string) Option {
	return func(a *Agent) {
		a.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		a.logger = l.Named("agent").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(a *Agent) {
		a.logger = a.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithRunner replaces the shell runner.
func WithRunner(r runner.Runner) Option {
	return func(a *Agent) {
		a.runner = r
	}
}

// WithTLSConfig serves HTTPS instead of HTTP.
func WithTLSConfig(c *tls.Config) Option {
	return func(a *Agent) {
		a.tlsConfig = c
	}
}

// WithKillOnDisconnect kills a streamed command when its client disconnects.
// By default commands run to completion regardless of the client.
func WithKillOnDisconnect(b bool) Option {
	return func(a *Agent) {
		a.killOnDisconnect = b
	}
}

// New constructs an agent. The working directory is required; the secret is not, but an empty one trusts everybody.
func New(cfg Config, opts ...Option) (*Agent, error) {
	if cfg.WorkingDir == "" {
		return nil, errors.New("working directory is not set")
	}
	if cfg.DeployCommand == "" {
		cfg.DeployCommand = DefaultDeployCommand
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	a := &Agent{
		logger:     logger.Named("agent").Sugar(),
		cfg:        cfg,
		listenAddr: "0.0.0.0:3000",
		listening:  make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.runner == nil {
		a.runner = &runner.Shell{Log: a.logger.Named("runner")}
	}
	a.auth = NewAuthenticator(cfg.Secret, a.logger.Named("auth"))
	a.streamServer = &stream.Server{
		Log:              a.logger.Named("stream_server"),
		Runner:           a.runner,
		Resolve:          a.resolveTrigger,
		KillOnDisconnect: a.killOnDisconnect,
	}
	if cfg.Secret == "" {
		a.logger.Warn("no secret configured: ANY caller can trigger commands on this host")
	}
	return a, nil
}

// Handler returns the router with every route registered.
func (a *Agent) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/health", a.health)
	router.POST("/deploy", a.auth.Wrap(a.deploy))
	router.POST("/deploy/:target", a.auth.Wrap(a.deploy))
	router.POST("/execute", a.auth.Wrap(a.execute))
	router.GET("/stream", a.auth.Wrap(a.streamWS))
	return router
}

// Run listens and serves until Stop or Shutdown is called.
func (a *Agent) Run() error {
	tcpListener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	var listener net.Listener = tcpListener
	scheme := "http"
	if a.tlsConfig != nil {
		listener = tls.NewListener(tcpListener, a.tlsConfig)
		scheme = "https"
	}

	server := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	a.m.Lock()
	a.httpServer = server
	a.addr = tcpListener.Addr()
	close(a.listening)
	a.m.Unlock()

	a.logger.Infow("server is running", "Addr", tcpListener.Addr().String(), "Scheme", scheme)
	a.logger.Infow("configuration", "WD", a.cfg.WorkingDir, "DeployCommand", a.cfg.DeployCommand, "Secret", MaskSecret(a.cfg.Secret))
	a.logger.Info("waiting for commands...")

	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr blocks until the agent is listening and returns its address.
func (a *Agent) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-a.listening:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	a.m.Lock()
	defer a.m.Unlock()
	return a.addr, nil
}

func (a *Agent) Stop() error {
	a.m.Lock()
	defer a.m.Unlock()
	if a.httpServer == nil {
		return nil
	}
	return a.httpServer.Close()
}

// Shutdown stops accepting connections and waits for in-flight requests and streamed sessions.
// WebSocket connections are hijacked, so http.Server.Shutdown does not see them; their
// sessions are waited for separately. If ctx ends first, a session still running keeps
// its process group alive after the agent exits.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.m.Lock()
	server := a.httpServer
	a.m.Unlock()
	if server == nil {
		return nil
	}
	if err := server.Shutdown(ctx); err != nil {
		return err
	}
	if err := a.streamServer.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for streamed sessions: %w", err)
	}
	return nil
}

func (a *Agent) deploySpec() runner.Spec {
	return runner.Spec{Command: a.cfg.DeployCommand, WorkingDir: a.cfg.WorkingDir}
}

func (a *Agent) resolveTrigger(t stream.Trigger) (runner.Spec, error) {
	if t.Action != stream.ActionDeploy {
		return runner.Spec{}, fmt.Errorf("unsupported action %q", t.Action)
	}
	return a.deploySpec(), nil
}

func (a *Agent) health(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *Agent) streamWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.streamServer.ServeHTTP(w, r)
}

type ExecuteRequest struct {
	Command string `json:"command"`
}

type Output struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

type successResponse struct {
	Status string `json:"status"`
	Output Output `json:"output"`
}

type errorResponse struct {
	Status   string `json:"status"`
	Error    string `json:"error"`
	ExitCode *int   `json:"exitCode,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// deploy runs the configured deploy command. The target only labels the request.
func (a *Agent) deploy(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	target := params.ByName("target")
	a.logger.Infow("received deploy request", "Target", target)
	a.collect(w, r, a.deploySpec())
}

// execute runs an arbitrary shell command from the request body.
func (a *Agent) execute(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req ExecuteRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		writeError(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("decoding request: %s", err)})
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, errorResponse{Error: "Missing command"})
		return
	}
	a.logger.Infow("received execute request", "Command", req.Command)
	a.collect(w, r, runner.Spec{Command: req.Command, WorkingDir: a.cfg.WorkingDir})
}

// collect runs spec in a buffered session and writes the single final response.
func (a *Agent) collect(w http.ResponseWriter, r *http.Request, spec runner.Spec) {
	ctx := context.WithoutCancel(r.Context())
	if a.killOnDisconnect {
		ctx = r.Context()
	}
	sess := session.New(a.runner, spec, nil, session.WithLogger(a.logger.Named("session")))
	res, err := sess.Collect(ctx)
	if err != nil {
		resp := errorResponse{Error: err.Error()}
		var execErr *runner.ExecutionError
		if errors.As(err, &execErr) {
			resp.Stderr = execErr.Stderr
			if execErr.Exited() {
				code := execErr.ExitCode
				resp.ExitCode = &code
			}
		}
		writeError(w, http.StatusInternalServerError, resp)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{
		Status: "success",
		Output: Output{Stdout: res.Stdout, Stderr: res.Stderr},
	})
}

func writeError(w http.ResponseWriter, status int, resp errorResponse) {
	resp.Status = "error"
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}
