package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/guseggert/redep/agent"
	"github.com/guseggert/redep/config"
	"github.com/guseggert/redep/internal/console"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	exitExecutionFailed = 1
	exitConnectionError = 2
)

var out = console.New(os.Stdout, os.Stderr)

func main() {
	app := &cli.App{
		Name:    "redep",
		Usage:   "remote execution CLI for deployment",
		Version: "1.0.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to the config file. Defaults to the user config dir.",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Print debug logs from the client.",
			},
		},
		Before: func(ctx *cli.Context) error {
			wd, err := os.Getwd()
			if err != nil {
				return err
			}
			_, err = config.LoadDotEnv(wd)
			return err
		},
		Commands: []*cli.Command{
			listenCommand,
			deployCommand,
			execCommand,
			healthCommand,
			configCommand,
			startCommand,
			stopCommand,
			statusCommand,
			certCommand,
		},
		ExitErrHandler: func(ctx *cli.Context, err error) {
			var exitErr cli.ExitCoder
			if errors.As(err, &exitErr) {
				if msg := exitErr.Error(); msg != "" {
					out.Errorf("%s", msg)
				}
				os.Exit(exitErr.ExitCode())
			}
		},
	}
	if err := app.Run(os.Args); err != nil {
		var exitErr cli.ExitCoder
		if !errors.As(err, &exitErr) {
			out.Errorf("%s", err)
		}
		os.Exit(1)
	}
}

func openStore(ctx *cli.Context) (*config.Store, error) {
	path := ctx.String("config")
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return config.Open(path)
}

func loadSettings(ctx *cli.Context) (config.Settings, error) {
	store, err := openStore(ctx)
	if err != nil {
		return config.Settings{}, err
	}
	return config.Resolve(store, os.LookupEnv)
}

func clientLogger(ctx *cli.Context) (*zap.SugaredLogger, error) {
	if !ctx.Bool("verbose") {
		return zap.NewNop().Sugar(), nil
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return l.Sugar(), nil
}

// checkClientSettings reports the first client setting that is missing.
// The secret is only needed for authenticated routes.
func checkClientSettings(settings config.Settings, needSecret bool) error {
	if settings.ServerURL == "" {
		return cli.Exit(`"server_url" is not set. Set SERVER_URL or run "redep config set server_url <url>"`, 1)
	}
	if needSecret && settings.Secret == "" {
		return cli.Exit(`"secret_key" is not set. Set SECRET_KEY or run "redep config set secret_key <secret>"`, 1)
	}
	return nil
}

func newClient(ctx *cli.Context, needSecret bool) (*agent.Client, error) {
	settings, err := loadSettings(ctx)
	if err != nil {
		return nil, err
	}
	if err := checkClientSettings(settings, needSecret); err != nil {
		return nil, err
	}
	log, err := clientLogger(ctx)
	if err != nil {
		return nil, err
	}
	var opts []agent.ClientOption
	if caFile := ctx.String("tls-ca"); caFile != "" {
		tlsConfig, err := agent.LoadClientTLSConfig(caFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, agent.WithClientTLSConfig(tlsConfig))
	}
	return agent.NewClient(log, settings.ServerURL, settings.Secret, opts...)
}

// exitFor maps client errors to the CLI's exit codes.
func exitFor(what string, err error) error {
	if err == nil {
		return nil
	}
	var connErr *agent.ConnectionError
	if errors.As(err, &connErr) {
		return cli.Exit(fmt.Sprintf("Could not reach server: %s", connErr), exitConnectionError)
	}
	var remoteErr *agent.RemoteError
	if errors.As(err, &remoteErr) {
		if remoteErr.Stderr != "" {
			out.Stderr(remoteErr.Stderr)
		}
		return cli.Exit(fmt.Sprintf("%s failed: %s", what, remoteErr), exitExecutionFailed)
	}
	return err
}

func parseLevel(s string) (zapcore.Level, error) {
	l, err := zapcore.ParseLevel(s)
	if err != nil {
		return l, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}
