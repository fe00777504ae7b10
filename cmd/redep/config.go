package main

import (
	"fmt"

	"github.com/guseggert/redep/agent"
	"github.com/guseggert/redep/config"
	"github.com/urfave/cli/v2"
)

var configCommand = &cli.Command{
	Name:  "config",
	Usage: "Manage the persistent configuration",
	Subcommands: []*cli.Command{
		{
			Name:      "set",
			Usage:     "Set a configuration value",
			ArgsUsage: "<key> <value>",
			Action: func(ctx *cli.Context) error {
				if ctx.NArg() != 2 {
					return cli.Exit("usage: redep config set <key> <value>", 1)
				}
				store, err := openStore(ctx)
				if err != nil {
					return err
				}
				key, value := ctx.Args().Get(0), ctx.Args().Get(1)
				if err := store.Set(key, value); err != nil {
					return err
				}
				if !isKnownKey(key) {
					out.Warnf("%q is not a key redep reads", key)
				}
				out.Successf("Configuration updated: %s = %s", key, displayValue(key, value))
				return nil
			},
		},
		{
			Name:      "get",
			Usage:     "Print a configuration value",
			ArgsUsage: "<key>",
			Action: func(ctx *cli.Context) error {
				key := ctx.Args().First()
				if key == "" {
					return cli.Exit("usage: redep config get <key>", 1)
				}
				store, err := openStore(ctx)
				if err != nil {
					return err
				}
				value, ok := store.Get(key)
				if !ok {
					return cli.Exit(fmt.Sprintf("%q is not set", key), 1)
				}
				out.Stdout(value + "\n")
				return nil
			},
		},
		{
			Name:  "list",
			Usage: "List all configuration values",
			Action: func(ctx *cli.Context) error {
				store, err := openStore(ctx)
				if err != nil {
					return err
				}
				keys := store.Keys()
				if len(keys) == 0 {
					out.Infof("No configuration set in %s", store.Path())
					return nil
				}
				out.Infof("Configuration in %s:", store.Path())
				rows := make([][2]string, 0, len(keys))
				for _, k := range keys {
					v, _ := store.Get(k)
					rows = append(rows, [2]string{k, displayValue(k, v)})
				}
				out.Table(rows)
				return nil
			},
		},
		{
			Name:  "clear",
			Usage: "Remove all configuration values",
			Action: func(ctx *cli.Context) error {
				store, err := openStore(ctx)
				if err != nil {
					return err
				}
				if err := store.Clear(); err != nil {
					return err
				}
				out.Successf("Configuration cleared")
				return nil
			},
		},
	},
}

func isKnownKey(key string) bool {
	for _, k := range config.KnownKeys {
		if k == key {
			return true
		}
	}
	return false
}

func displayValue(key, value string) string {
	if key == config.KeySecret {
		return agent.MaskSecret(value)
	}
	return value
}
