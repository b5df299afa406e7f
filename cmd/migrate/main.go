package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	"recoverdesk.org/internal/migrate"
	"recoverdesk.org/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	var (
		dsn            = flag.String("dsn", os.Getenv("RECOVERDESK_DATABASE_DSN"), "PostgreSQL DSN")
		migrationsPath = flag.String("migrations", "", "Directory of SQL migrations (default: embedded schema)")
		seedsPath      = flag.String("seeds", "", "Directory of SQL seeds")
		timeout        = flag.Duration("timeout", 30*time.Second, "Overall deadline")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or RECOVERDESK_DATABASE_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	var migrations, seeds fs.FS
	if *migrationsPath != "" {
		migrations = os.DirFS(*migrationsPath)
	}
	if *seedsPath != "" {
		seeds = os.DirFS(*seedsPath)
	}
	mgr := migrate.NewManager(store.DB(), migrations, seeds)

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		if seeds == nil {
			log.Fatal("seed requires -seeds")
		}
		err = mgr.Seed(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}
