// Command migrate applies or inspects the gigledger schema.
//
//	migrate up | down | status | version | redo
//	migrate up-to <version> | down-to <version>
//
// DATABASE_URL is read from the environment or a .env file.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/mbd888/gigledger/internal/logging"
	"github.com/mbd888/gigledger/migrations"
)

var errUsage = errors.New("usage: migrate <up|down|status|version|redo|up-to N|down-to N>")

func main() {
	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		logger.Error("migrate failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	_ = godotenv.Load()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return errors.New("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	if err := migrations.Run(ctx, args[0], db, args[1:]...); err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	return nil
}
