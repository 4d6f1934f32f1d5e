package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/layer-3/certsettle/adapters/tokenizer"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "issuertoken",
		Usage: "manage issuer signing keys and bearer tokens",
		Commands: []*cli.Command{
			{
				Name:  "genkey",
				Usage: "write a new P-256 signing key",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "out", Usage: "key file path", Required: true},
				},
				Action: genKey,
			},
			{
				Name:  "issue",
				Usage: "sign a bearer token for an issuer",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "key", Usage: "key file path", EnvVars: []string{"ISSUER_JWT_KEY"}, Required: true},
					&cli.StringFlag{Name: "issuer", Usage: "issuer id", Required: true},
					&cli.DurationFlag{Name: "ttl", Usage: "token lifetime", Value: 30 * 24 * time.Hour},
				},
				Action: issue,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func genKey(c *cli.Context) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	encoded, err := tokenizer.EncodeSigningKey(key)
	if err != nil {
		return err
	}
	if err := os.WriteFile(c.String("out"), encoded, 0o600); err != nil {
		return fmt.Errorf("failed to write key: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "wrote %s\n", c.String("out"))
	return nil
}

func issue(c *cli.Context) error {
	key, err := tokenizer.LoadSigningKey(c.String("key"))
	if err != nil {
		return err
	}
	token, err := tokenizer.NewJWTTokenizer(key).IssueToken(c.String("issuer"), c.Duration("ttl"))
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, token)
	return nil
}
