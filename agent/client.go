package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/guseggert/redep/agent/session"
	"github.com/guseggert/redep/agent/stream"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	secret                   string
	tlsClientConfig          *tls.Config
	customizeRetryableClient func(*retryablehttp.Client)
	streamClient             *stream.Client

	waitInterval time.Duration
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("agent_client").Sugar()
	}
}

func WithClientTLSConfig(cfg *tls.Config) ClientOption {
	return func(c *Client) {
		c.tlsClientConfig = cfg
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// retryDialErrors retries only when the connection could not be opened, so a trigger is never delivered twice.
func retryDialErrors(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	var opErr *net.OpError
	if err != nil && errors.As(err, &opErr) && opErr.Op == "dial" {
		return true, nil
	}
	return false, nil
}

// NewClient builds a client for the agent at serverURL, e.g. "http://10.0.0.5:3000".
func NewClient(log *zap.SugaredLogger, serverURL, secret string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing server URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server URL %q must start with http:// or https://", serverURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("server URL %q has no host", serverURL)
	}

	c := &Client{
		Logger:       log.Named("agent_client"),
		baseURL:      u.String(),
		secret:       secret,
		waitInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			DialContext:     (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
			TLSClientConfig: c.tlsClientConfig,
		},
	}
	retryClient.CheckRetry = retryDialErrors
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	c.streamClient = &stream.Client{
		HTTPClient: c.HTTPClient,
		URL:        c.baseURL + "/stream",
		Secret:     secret,
		Logger:     c.Logger.Named("stream_client"),
	}
	return c, nil
}

func (c *Client) prepReq(r *http.Request) {
	r.Header.Add("Content-Type", "application/json")
	if c.secret != "" {
		r.Header.Set("Authorization", "Bearer "+c.secret)
	}
}

func (c *Client) connErr(err error) error {
	return &ConnectionError{Addr: c.baseURL, Err: err}
}

// Health checks the unauthenticated health endpoint.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return c.connErr(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.connErr(fmt.Errorf("unexpected health status code %d", resp.StatusCode))
	}
	return nil
}

func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.Health(ctx)
			if err == nil {
				c.Logger.Debug("health check succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got health check error: %s", err)
		}
	}
}

// Deploy triggers the configured deploy command and waits for its buffered output.
// target is a label for the server's logs and may be empty.
func (c *Client) Deploy(ctx context.Context, target string) (*Output, error) {
	u := c.baseURL + "/deploy"
	if target != "" {
		u += "/" + url.PathEscape(target)
	}
	return c.post(ctx, u, nil)
}

// Execute runs an arbitrary shell command on the server.
func (c *Client) Execute(ctx context.Context, command string) (*Output, error) {
	b, err := json.Marshal(ExecuteRequest{Command: command})
	if err != nil {
		return nil, err
	}
	return c.post(ctx, c.baseURL+"/execute", b)
}

func (c *Client) post(ctx context.Context, u string, body []byte) (*Output, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.prepReq(httpReq)

	httpResp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, c.connErr(err)
	}
	defer httpResp.Body.Close()

	b, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, c.connErr(fmt.Errorf("reading response body: %w", err))
	}

	switch httpResp.StatusCode {
	case http.StatusOK:
		var resp successResponse
		if err := json.Unmarshal(b, &resp); err != nil {
			return nil, fmt.Errorf("decoding response: %w", err)
		}
		return &resp.Output, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, c.connErr(&AuthenticationError{Missing: httpResp.StatusCode == http.StatusUnauthorized})
	}

	var resp errorResponse
	if err := json.Unmarshal(b, &resp); err != nil || resp.Error == "" {
		return nil, &RemoteError{StatusCode: httpResp.StatusCode, Message: strings.TrimSpace(string(b))}
	}
	return nil, &RemoteError{
		StatusCode: httpResp.StatusCode,
		Message:    resp.Error,
		ExitCode:   resp.ExitCode,
		Stderr:     resp.Stderr,
	}
}

// DeployStream triggers the deploy command over a WebSocket and calls onEvent for every lifecycle event.
// It returns a *RemoteError if the session failed and a *ConnectionError if it never ran.
func (c *Client) DeployStream(ctx context.Context, target string, onEvent func(session.Event)) error {
	terminal, err := c.streamClient.Trigger(ctx, stream.Trigger{Action: stream.ActionDeploy, Target: target}, onEvent)
	if err != nil {
		var hsErr *stream.HandshakeError
		if errors.As(err, &hsErr) {
			switch hsErr.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return c.connErr(&AuthenticationError{Missing: hsErr.StatusCode == http.StatusUnauthorized})
			}
			return c.connErr(hsErr)
		}
		var rejected *stream.RejectedError
		if errors.As(err, &rejected) {
			return &RemoteError{StatusCode: http.StatusConflict, Message: rejected.Reason}
		}
		return c.connErr(err)
	}
	if terminal.Kind == session.KindFailed {
		remoteErr := &RemoteError{StatusCode: http.StatusInternalServerError, Message: terminal.Error}
		if terminal.ExitCode >= 0 {
			code := terminal.ExitCode
			remoteErr.ExitCode = &code
		}
		return remoteErr
	}
	return nil
}
