package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	"dealbook/internal/persistence"

	_ "github.com/lib/pq"
)

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: migrate <up|down>")
	fmt.Fprintln(os.Stderr, "  up    apply all pending migrations")
	fmt.Fprintln(os.Stderr, "  down  roll back the last migration")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Environment:")
	fmt.Fprintln(os.Stderr, "  POSTGRES_URL    Postgres connection string")
	fmt.Fprintln(os.Stderr, "  MIGRATIONS_DIR  migrations directory (default: migrations)")
	os.Exit(2)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if len(os.Args) != 2 {
		usage()
	}

	pgURL := envOr("POSTGRES_URL", "postgres://localhost:5432/dealbook?sslmode=disable")
	dir := envOr("MIGRATIONS_DIR", "migrations")

	db, err := sql.Open("postgres", pgURL)
	if err != nil {
		log.Fatalf("FATAL: open db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, dir)

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			log.Fatalf("FATAL: migrate up: %v", err)
		}
		log.Println("INFO: all migrations applied")
	case "down":
		if err := migrator.Down(ctx); err != nil {
			log.Fatalf("FATAL: migrate down: %v", err)
		}
		log.Println("INFO: last migration rolled back")
	default:
		usage()
	}
}
