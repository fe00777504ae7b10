package main

import (
	"strings"

	"github.com/guseggert/redep/agent"
	"github.com/guseggert/redep/agent/session"
	"github.com/urfave/cli/v2"
)

var tlsCAFlag = &cli.StringFlag{
	Name:  "tls-ca",
	Usage: "PEM certificate to trust when the server uses a self-signed certificate.",
}

var deployCommand = &cli.Command{
	Name:      "deploy",
	Usage:     "Trigger the deploy command on the server",
	ArgsUsage: "<target>",
	Flags: []cli.Flag{
		tlsCAFlag,
		&cli.BoolFlag{
			Name:  "stream",
			Usage: "Stream output live over a WebSocket instead of waiting for the buffered result.",
		},
	},
	Action: func(ctx *cli.Context) error {
		target := ctx.Args().First()
		if target == "" {
			return cli.Exit("a deploy target is required", 1)
		}
		client, err := newClient(ctx, true)
		if err != nil {
			return err
		}

		out.Infof("Deploying %s...", target)
		if ctx.Bool("stream") {
			var sawFailure bool
			err = client.DeployStream(ctx.Context, target, func(e session.Event) {
				sawFailure = sawFailure || e.Kind == session.KindFailed
				printEvent(e)
			})
			if err != nil && sawFailure {
				// already reported by the failed event
				return cli.Exit("", exitExecutionFailed)
			}
			return exitFor("Deploy", err)
		}

		output, err := client.Deploy(ctx.Context, target)
		if err != nil {
			return exitFor("Deploy", err)
		}
		printOutput(output)
		out.Successf("Deployment successful")
		return nil
	},
}

var execCommand = &cli.Command{
	Name:      "exec",
	Usage:     "Run a shell command in the server's working directory",
	ArgsUsage: "<command...>",
	Flags:     []cli.Flag{tlsCAFlag},
	Action: func(ctx *cli.Context) error {
		command := strings.Join(ctx.Args().Slice(), " ")
		if strings.TrimSpace(command) == "" {
			return cli.Exit("a command is required", 1)
		}
		client, err := newClient(ctx, true)
		if err != nil {
			return err
		}
		output, err := client.Execute(ctx.Context, command)
		if err != nil {
			return exitFor("Command", err)
		}
		printOutput(output)
		return nil
	},
}

var healthCommand = &cli.Command{
	Name:  "health",
	Usage: "Check that the server is reachable",
	Flags: []cli.Flag{tlsCAFlag},
	Action: func(ctx *cli.Context) error {
		client, err := newClient(ctx, false)
		if err != nil {
			return err
		}
		if err := client.Health(ctx.Context); err != nil {
			return exitFor("Health check", err)
		}
		out.Successf("Server is up")
		return nil
	},
}

func printOutput(o *agent.Output) {
	if o.Stdout != "" {
		out.Stdout(o.Stdout)
	}
	if o.Stderr != "" {
		out.Stderr(o.Stderr)
	}
}

func printEvent(e session.Event) {
	switch e.Kind {
	case session.KindStarted:
		out.Infof("%s", e.Message)
	case session.KindLog:
		if e.Stream == session.Stderr {
			out.Stderr(e.Data)
		} else {
			out.Stdout(e.Data)
		}
	case session.KindCompleted:
		out.Successf("%s", e.Message)
	case session.KindFailed:
		out.Errorf("%s", e.Error)
	}
}
