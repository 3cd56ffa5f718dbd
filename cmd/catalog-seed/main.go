package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/ILLUVRSE/installdesk/internal/catalog"
	"github.com/ILLUVRSE/installdesk/internal/config"
	"github.com/ILLUVRSE/installdesk/internal/logging"
	"github.com/ILLUVRSE/installdesk/internal/models"
	"github.com/ILLUVRSE/installdesk/internal/store"
)

// catalog-seed creates the schema and upserts catalog entries, either the
// built-in defaults or a JSON array read from -file.
func main() {
	file := flag.String("file", "", "JSON array of catalog entries (defaults to the built-in catalog)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		os.Exit(1)
	}
	log := logging.Component(logging.New(cfg.LogLevel, cfg.LogFormat), "catalog-seed")
	if cfg.Store != "postgres" {
		log.Fatal("catalog-seed only applies to the postgres store")
	}

	entries := catalog.DefaultEntries()
	if *file != "" {
		if entries, err = readEntries(*file); err != nil {
			log.Fatalf("read %s: %v", *file, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	defer db.Close()
	if err := store.EnsureSchema(ctx, db); err != nil {
		log.Fatalf("%v", err)
	}

	st := store.NewPGStore(db)
	for _, e := range entries {
		if _, err := st.UpsertCatalogEntry(ctx, e); err != nil {
			log.Fatalf("upsert %q: %v", e.Name, err)
		}
	}
	log.WithField("count", len(entries)).Info("catalog seeded")

	if cfg.Redis.Addr != "" {
		rc, err := catalog.NewRedisCache(catalog.RedisCacheConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		})
		if err != nil {
			log.Fatalf("redis cache init: %v", err)
		}
		defer rc.Close()
		if err := catalog.NewLoader(st, rc, log).Invalidate(ctx); err != nil {
			log.WithError(err).Warn("catalog cache not invalidated; it expires after its ttl")
		}
	}
}

func readEntries(path string) ([]models.CatalogEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []models.CatalogEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	for i, e := range entries {
		if e.Name == "" || e.ExternalID == "" {
			return nil, fmt.Errorf("entry %d: name and externalId required", i)
		}
	}
	return entries, nil
}
