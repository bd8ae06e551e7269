// Package main applies the eventbell schema: the events, recurrence rules
// and subscriptions tables, then the job queue tables. Every statement is
// idempotent, so the command is safe to run on every deploy.
//
// Usage:
//
//	DATABASE_URL=postgres://... go run ./cmd/migrate
//	go run ./cmd/migrate --print > schema.sql
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"eventbell/internal/db"
	"eventbell/internal/queue"
	"eventbell/internal/types"
)

// migrateConfig is the subset of the process configuration the migration
// needs; it does not require the push credentials.
type migrateConfig struct {
	DatabaseURL types.SecretString `envconfig:"DATABASE_URL" required:"true"`
	Timeout     time.Duration      `envconfig:"MIGRATE_TIMEOUT" default:"1m"`
}

// step is one named DDL script.
type step struct {
	name string
	sql  string
}

func steps() []step {
	return []step{
		{"domain", db.Schema()},
		{"queue", queue.Schema()},
	}
}

func main() {
	printOnly := flag.Bool("print", false, "print the schema instead of applying it")
	flag.Parse()

	if *printOnly {
		writeSchema(os.Stdout)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func writeSchema(w io.Writer) {
	for _, s := range steps() {
		fmt.Fprintf(w, "-- %s\n%s\n", s.name, s.sql)
	}
}

func run() error {
	_ = godotenv.Load()

	var cfg migrateConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL.Unmask(), MaxConns: 1})
	if err != nil {
		return err
	}
	defer pool.Close()

	return db.WithTx(ctx, pool, func(tx db.DBTX) error {
		for _, s := range steps() {
			if _, err := tx.Exec(ctx, s.sql); err != nil {
				return fmt.Errorf("applying %s schema: %w", s.name, err)
			}
			fmt.Printf("applied %s schema\n", s.name)
		}
		return nil
	})
}
