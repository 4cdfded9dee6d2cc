// The agent CLI performs the provisioning exchange for an agent holding an
// Ed25519 SSH key and prints the resulting tenant as JSON.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
	"golang.org/x/crypto/ssh"

	"github.com/beerpub/agent-provisioning-backend/api/provisioner"
	"github.com/beerpub/agent-provisioning-backend/cmd/flags"
	"github.com/beerpub/agent-provisioning-backend/cryptoutils"
	"github.com/beerpub/agent-provisioning-backend/kms"
)

var cliFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "server-addr",
		Value: "http://127.0.0.1:8080",
		Usage: "provisioning server address to request",
	},
	&cli.StringFlag{
		Name:     "key",
		Required: true,
		Usage:    "path to the agent's OpenSSH Ed25519 private key",
	},
	&cli.StringFlag{
		Name:  "service",
		Usage: "service name to scope the tenant to",
	},
	flags.GroupSecretFlag,
	&cli.BoolFlag{
		Name:  "send-public-key",
		Value: true,
		Usage: "include the public key in the request for registry-less modes",
	},
	&cli.BoolFlag{
		Name:  "fingerprint-only",
		Usage: "print the key's fingerprint and exit without provisioning",
	},
}

func main() {
	app := &cli.App{
		Name:   "provisioning-agent",
		Usage:  "Prove key possession and provision an observability tenant",
		Flags:  cliFlags,
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	ctx := context.Background()

	raw, err := os.ReadFile(cCtx.String("key"))
	if err != nil {
		return fmt.Errorf("could not read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return fmt.Errorf("could not parse private key: %w", err)
	}
	if signer.PublicKey().Type() != ssh.KeyAlgoED25519 {
		return fmt.Errorf("unsupported key type %s, only ssh-ed25519 is accepted", signer.PublicKey().Type())
	}

	if cCtx.Bool("fingerprint-only") {
		fmt.Println(cryptoutils.ComputeFingerprint(signer.PublicKey()))
		return nil
	}

	var groupSecret []byte
	if spec := cCtx.String(flags.GroupSecretFlag.Name); spec != "" {
		source, err := kms.NewSecretSource(spec)
		if err != nil {
			return err
		}
		groupSecret, err = source.Resolve(ctx)
		if err != nil {
			return fmt.Errorf("could not resolve group secret: %w", err)
		}
	}

	client := &provisioner.Client{
		ServerAddr:    cCtx.String("server-addr"),
		Signer:        signer,
		ServiceName:   cCtx.String("service"),
		GroupSecret:   groupSecret,
		SendPublicKey: cCtx.Bool("send-public-key"),
	}

	resp, err := client.Provision(ctx)
	if err != nil {
		return err
	}

	encoded, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}
