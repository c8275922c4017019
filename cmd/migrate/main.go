// Command migrate applies the embedded schema migrations to DATABASE_URL.
//
//	migrate up             apply pending migrations
//	migrate up-by-one      apply the next pending migration
//	migrate up-to N        apply pending migrations up to version N
//	migrate down           roll back the latest migration
//	migrate down-to N      roll back to version N
//	migrate status         list migrations and when they were applied
//	migrate version        print the current schema version
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/milepay/internal/logging"
	"github.com/mbd888/milepay/migrations"
)

const usage = "usage: migrate up | up-by-one | up-to N | down | down-to N | status | version"

func main() {
	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1], os.Args[2:]); err != nil {
		logger.Error("migrate failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command string, args []string) error {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return errors.New("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	p, err := migrations.NewProvider(db)
	if err != nil {
		return err
	}

	switch command {
	case "up":
		return report(p.Up(ctx))
	case "up-by-one":
		res, err := p.UpByOne(ctx)
		return report([]*goose.MigrationResult{res}, err)
	case "up-to", "down-to":
		if len(args) != 1 {
			return fmt.Errorf("%s needs a version", command)
		}
		v, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("bad version %q: %w", args[0], err)
		}
		if command == "up-to" {
			return report(p.UpTo(ctx, v))
		}
		return report(p.DownTo(ctx, v))
	case "down":
		res, err := p.Down(ctx)
		return report([]*goose.MigrationResult{res}, err)
	case "status":
		statuses, err := p.Status(ctx)
		if err != nil {
			return err
		}
		for _, s := range statuses {
			applied := "pending"
			if !s.AppliedAt.IsZero() {
				applied = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%5d  %-20s %s\n", s.Source.Version, applied, s.Source.Path)
		}
		return nil
	case "version":
		v, err := p.GetDBVersion(ctx)
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	default:
		return fmt.Errorf("unknown command %q\n%s", command, usage)
	}
}

func report(results []*goose.MigrationResult, err error) error {
	for _, r := range results {
		if r != nil {
			fmt.Println(r)
		}
	}
	if len(results) == 0 && err == nil {
		fmt.Println("no migrations to run")
	}
	if errors.Is(err, goose.ErrNoNextVersion) {
		fmt.Println("already at the latest version")
		return nil
	}
	return err
}
