// Package main provides the bootstrap CLI: it generates the credentials an
// eventbell deployment needs (the VAPID key pair and the operator key) and
// records them in a .env file.
//
// Usage:
//
//	go run ./cmd/ops/bootstrap --env-file .env --subject mailto:ops@example.com
//
// The plaintext operator key is printed once to stderr; only its bcrypt hash
// is written to the file.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

type options struct {
	envFile string
	force   bool
	subject string
	cost    int
}

func main() {
	var opts options
	flag.StringVar(&opts.envFile, "env-file", ".env", "Path of the .env file to create or update")
	flag.BoolVar(&opts.force, "force", false, "Replace credentials that already have a value")
	flag.StringVar(&opts.subject, "subject", "", "VAPID subject (mailto: or https: URL) written as VAPID_SUBJECT")
	flag.IntVar(&opts.cost, "bcrypt-cost", bcrypt.DefaultCost, "bcrypt cost of the operator key hash")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `eventbell Bootstrap CLI

Generates the VAPID key pair and the operator key and stores them in a .env file.
Existing values are preserved unless --force is given.

Usage:
  bootstrap [flags]

Flags:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	if err := run(opts, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options, stdout, stderr io.Writer) error {
	if opts.subject != "" && !validSubject(opts.subject) {
		return fmt.Errorf("--subject must start with mailto: or https://, got %q", opts.subject)
	}

	secrets, err := GenerateSecrets(opts.cost)
	if err != nil {
		return err
	}

	values := secrets.Env()
	if opts.subject != "" {
		values["VAPID_SUBJECT"] = opts.subject
	}

	res, err := MergeEnv(opts.envFile, values, localDefaults, opts.force)
	if err != nil {
		return fmt.Errorf("updating %s: %w", opts.envFile, err)
	}

	for _, k := range res.Written {
		fmt.Fprintf(stdout, "  wrote %s\n", k)
	}
	for _, k := range res.Kept {
		fmt.Fprintf(stdout, "  kept  %s (use --force to replace)\n", k)
	}

	if contains(res.Written, "OPERATOR_KEY_HASH") {
		fmt.Fprintf(stderr, "\nOperator key (shown once, store it now):\n  %s\n", secrets.OperatorKey)
	}
	return nil
}

func validSubject(s string) bool {
	return strings.HasPrefix(s, "mailto:") || strings.HasPrefix(s, "https://")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
