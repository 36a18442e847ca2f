package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/tandem-io/tandem/pkg/store"
)

var dsn = flag.String("dsn", "", "PostgreSQL DSN (default: TANDEM_STORE_DSN environment variable)")

func usage() {
	fmt.Fprintf(os.Stderr, `Tandem Schema Migration Tool

Usage:
  tandem-migrate [flags] COMMAND

Commands:
  up       Apply all pending migrations
  down     Roll back the most recent migration
  status   Show the status of every migration
  version  Print the current schema version

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	log.SetFlags(log.LstdFlags)
	log.Println("Tandem Schema Migration Tool")
	log.Println("============================")

	command := flag.Arg(0)
	if command == "" {
		usage()
		os.Exit(2)
	}

	connStr := *dsn
	if connStr == "" {
		connStr = os.Getenv("TANDEM_STORE_DSN")
	}
	if connStr == "" {
		log.Fatal("No DSN given: pass -dsn or set TANDEM_STORE_DSN")
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to reach database: %v", err)
	}
	log.Println("✓ Connected to database")

	goose.SetBaseFS(store.Migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		log.Fatalf("Failed to set dialect: %v", err)
	}

	switch command {
	case "up":
		if err := goose.Up(db, "migrations"); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Println("✓ All migrations applied")
	case "down":
		if err := goose.Down(db, "migrations"); err != nil {
			log.Fatalf("Rollback failed: %v", err)
		}
		log.Println("✓ Rolled back one migration")
	case "status":
		if err := goose.Status(db, "migrations"); err != nil {
			log.Fatalf("Status check failed: %v", err)
		}
	case "version":
		v, err := goose.GetDBVersion(db)
		if err != nil {
			log.Fatalf("Version check failed: %v", err)
		}
		log.Printf("Schema version: %d", v)
	default:
		log.Printf("Unknown command %q", command)
		usage()
		os.Exit(2)
	}
}
