package main

import (
	"database/sql"
	"flag"
	"log"

	"github.com/pressly/goose/v3"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/publicboost/boost-publisher/internal/config"
	"github.com/publicboost/boost-publisher/migrations"
)

var (
	flags = flag.NewFlagSet("migrate", flag.ExitOnError)
	dsn   = flags.String("dsn", "", "postgres DSN (defaults to BOOST_POSTGRES_DSN)")
)

func main() {
	flag.Parse()
	flags.Parse(flag.Args())
	args := flags.Args()

	if len(args) < 1 {
		log.Fatal("Usage: migrate [-dsn DSN] COMMAND\n\nCommands:\n  up\n  down\n  status\n  version")
	}

	target := *dsn
	if target == "" {
		cfg, err := config.Load()
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		target = cfg.Database.PostgresDSN
	}

	db, err := sql.Open("pgx", target)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		log.Fatalf("Failed to set dialect: %v", err)
	}

	command := args[0]
	switch command {
	case "up":
		if err := goose.Up(db, "."); err != nil {
			log.Fatalf("Migration up failed: %v", err)
		}
	case "down":
		if err := goose.Down(db, "."); err != nil {
			log.Fatalf("Migration down failed: %v", err)
		}
	case "status":
		if err := goose.Status(db, "."); err != nil {
			log.Fatalf("Migration status failed: %v", err)
		}
	case "version":
		if err := goose.Version(db, "."); err != nil {
			log.Fatalf("Migration version failed: %v", err)
		}
	default:
		log.Fatalf("Unknown command: %s", command)
	}
}
