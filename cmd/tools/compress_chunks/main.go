// Force-compresses hypertable chunks older than a cutoff. The database also
// runs background compression policies; this tool exists for reclaiming disk
// ahead of schedule after a large backfill.
package main

import (
	"context"
	"flag"
	"log"
	"strings"
	"time"

	"databento-ingest/internal/config"
	"databento-ingest/internal/repository"
)

var defaultTables = []string{
	"market.trades",
	"market.tbbo",
	"market.ohlcv",
	"market.statistics",
}

func main() {
	var (
		olderThan time.Duration
		tables    string
	)
	flag.DurationVar(&olderThan, "older-than", 30*24*time.Hour, "compress chunks entirely older than this")
	flag.StringVar(&tables, "tables", strings.Join(defaultTables, ","), "comma-separated hypertables")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	repo, err := repository.New(ctx, cfg)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer repo.Close()

	total := 0
	for _, table := range strings.Split(tables, ",") {
		table = strings.TrimSpace(table)
		if table == "" {
			continue
		}
		n, err := repo.CompressOlderThan(ctx, table, olderThan)
		if err != nil {
			log.Fatalf("compress %s: %v", table, err)
		}
		total += n
	}
	log.Printf("compressed %d chunk(s) across %s", total, tables)
}
