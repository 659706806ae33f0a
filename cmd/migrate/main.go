// Command migrate applies or rolls back sigma's database migrations.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/sigma/internal/infra/config"
	"github.com/coachpo/sigma/internal/infra/persistence/migrations"
)

const defaultTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dsn     = flag.String("database", "", "PostgreSQL DSN (default: $"+config.EnvDatabaseDSN+")")
		dir     = flag.String("path", "", "Directory containing SQL migrations (default: embedded migrations)")
		timeout = flag.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		quiet   = flag.Bool("quiet", false, "Suppress informational logs")
	)
	flag.Parse()

	target := strings.TrimSpace(*dsn)
	if target == "" {
		target = strings.TrimSpace(os.Getenv(config.EnvDatabaseDSN))
	}
	if target == "" {
		return errors.New("-database flag or " + config.EnvDatabaseDSN + " is required")
	}

	args := flag.Args()
	if len(args) == 0 {
		return errors.New("command required (up|down [n])")
	}

	var logger *log.Logger
	if !*quiet {
		logger = log.New(os.Stdout, "sigma-migrate ", log.LstdFlags)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch args[0] {
	case "up":
		return migrations.Apply(ctx, target, *dir, logger)
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid down steps %q: %w", args[1], err)
			}
			steps = n
		}
		return migrations.Rollback(ctx, target, *dir, steps, logger)
	default:
		return fmt.Errorf("unknown command %q (expected up or down)", args[0])
	}
}
