package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/guseggert/redep/agent"
	"github.com/urfave/cli/v2"
)

var certCommand = &cli.Command{
	Name:  "cert",
	Usage: "Generate a self-signed TLS certificate for the server",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:     "host",
			Usage:    "DNS name or IP the certificate is valid for. Repeatable.",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "out",
			Usage: "Directory to write cert.pem and key.pem to.",
			Value: ".",
		},
		&cli.DurationFlag{
			Name:  "valid-for",
			Usage: "How long the certificate is valid.",
			Value: 365 * 24 * time.Hour,
		},
	},
	Action: func(ctx *cli.Context) error {
		cert, err := agent.GenerateCert(ctx.StringSlice("host"), ctx.Duration("valid-for"))
		if err != nil {
			return err
		}
		dir := ctx.String("out")
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
		certPath := filepath.Join(dir, "cert.pem")
		keyPath := filepath.Join(dir, "key.pem")
		if err := os.WriteFile(certPath, cert.CertPEMBytes, 0o644); err != nil {
			return fmt.Errorf("writing cert: %w", err)
		}
		if err := os.WriteFile(keyPath, cert.KeyPEMBytes, 0o600); err != nil {
			return fmt.Errorf("writing key: %w", err)
		}
		out.Successf("Wrote %s and %s", certPath, keyPath)
		out.Infof("Serve with: redep listen --tls-cert %s --tls-key %s", certPath, keyPath)
		out.Infof("Clients trust it with: --tls-ca %s", certPath)
		return nil
	},
}
