package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/redep/agent"
	"github.com/guseggert/redep/internal/pidfile"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

var listenFlags = []cli.Flag{
	&cli.IntFlag{
		Name:    "port",
		Aliases: []string{"p"},
		Usage:   "Port to listen on. Overrides SERVER_PORT and server_port.",
	},
	&cli.StringFlag{
		Name:  "host",
		Usage: "Address to bind.",
		Value: "0.0.0.0",
	},
	&cli.StringFlag{
		Name:  "log-level",
		Usage: "One of [debug,info,warn,error].",
		Value: "info",
	},
	&cli.BoolFlag{
		Name:  "kill-on-disconnect",
		Usage: "Kill a streamed command when its client disconnects, instead of letting it finish.",
	},
	&cli.StringFlag{
		Name:  "tls-cert",
		Usage: "PEM certificate file. Serves HTTPS when set together with --tls-key.",
	},
	&cli.StringFlag{
		Name:  "tls-key",
		Usage: "PEM private key file.",
	},
}

var listenCommand = &cli.Command{
	Name:  "listen",
	Usage: "Start the server to listen for commands",
	Flags: append(listenFlags, &cli.StringFlag{
		Name:   "pid-file",
		Usage:  "Record this process in the given PID file while it runs.",
		Hidden: true,
	}),
	Action: func(ctx *cli.Context) error {
		settings, err := loadSettings(ctx)
		if err != nil {
			return err
		}
		if ctx.IsSet("port") {
			settings.Port = ctx.Int("port")
		}

		if settings.WorkingDir == "" {
			return cli.Exit(`"working_dir" is not set. Set it with "redep config set working_dir <path>" or the WORKING_DIR env var.`, 1)
		}
		fi, err := os.Stat(settings.WorkingDir)
		if err != nil || !fi.IsDir() {
			return cli.Exit(fmt.Sprintf("working directory %q is not an existing directory", settings.WorkingDir), 1)
		}
		if settings.Secret == "" {
			out.Warnf(`No "secret_key" set in config or SECRET_KEY env var. ANY caller will be able to run commands on this machine.`)
			out.Infof(`Run "redep config set secret_key <your-secret>" or set SECRET_KEY.`)
		}

		level, err := parseLevel(ctx.String("log-level"))
		if err != nil {
			return err
		}
		logger, err := zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("building logger: %w", err)
		}
		defer logger.Sync()

		opts := []agent.Option{
			agent.WithLogger(logger),
			agent.WithLogLevel(level),
			agent.WithListenAddr(fmt.Sprintf("%s:%d", ctx.String("host"), settings.Port)),
			agent.WithKillOnDisconnect(ctx.Bool("kill-on-disconnect")),
		}
		certFile, keyFile := ctx.String("tls-cert"), ctx.String("tls-key")
		if (certFile == "") != (keyFile == "") {
			return cli.Exit("--tls-cert and --tls-key must be given together", 1)
		}
		if certFile != "" {
			tlsConfig, err := agent.LoadServerTLSConfig(certFile, keyFile)
			if err != nil {
				return err
			}
			opts = append(opts, agent.WithTLSConfig(tlsConfig))
		}

		a, err := agent.New(agent.Config{
			Secret:        settings.Secret,
			WorkingDir:    settings.WorkingDir,
			DeployCommand: settings.DeployCommand,
		}, opts...)
		if err != nil {
			return fmt.Errorf("building agent: %w", err)
		}

		if path := ctx.String("pid-file"); path != "" {
			pf := pidfile.File{Path: path}
			if err := pf.Write(os.Getpid()); err != nil {
				return err
			}
			defer pf.Remove()
		}

		sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() { errCh <- a.Run() }()

		select {
		case err := <-errCh:
			return err
		case <-sigCtx.Done():
		}

		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down: %w", err)
		}
		return <-errCh
	},
}
