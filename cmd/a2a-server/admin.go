package main

import (
	"flag"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"
)

// runHashSecret generates the bcrypt hash placed in worker.secret_hash.
// Workers present the plain secret at registration; the server only ever
// stores the hash.
func runHashSecret(args []string) error {
	fs := flag.NewFlagSet("hash-secret", flag.ContinueOnError)
	secret := fs.String("secret", "", "worker registration secret (prompted when omitted)")
	cost := fs.Int("cost", bcrypt.DefaultCost, "bcrypt cost factor")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: a2a-server hash-secret [options]

Prints the bcrypt hash of a worker registration secret, for use as
worker.secret_hash in the server configuration.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	s := *secret
	if s == "" {
		var err error
		s, err = promptSecret("Secret: ")
		if err != nil {
			return fmt.Errorf("read secret: %w", err)
		}
		confirm, err := promptSecret("Confirm secret: ")
		if err != nil {
			return fmt.Errorf("read secret: %w", err)
		}
		if s != confirm {
			return fmt.Errorf("secrets do not match")
		}
	}
	if s == "" {
		return fmt.Errorf("secret must not be empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(s), *cost)
	if err != nil {
		return fmt.Errorf("hash secret: %w", err)
	}

	fmt.Println(string(hash))
	return nil
}

// promptSecret reads a secret from the terminal without echoing.
func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin)) //nolint:unconvert // int conversion needed on some platforms
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
