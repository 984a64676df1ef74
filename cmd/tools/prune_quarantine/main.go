// Removes quarantine day directories older than the retention window.
// Intended for cron; the ingest command also prunes on startup.
package main

import (
	"flag"
	"log"
	"time"

	"databento-ingest/internal/config"
	"databento-ingest/internal/quarantine"
)

func main() {
	var (
		dir  string
		days int
	)
	flag.StringVar(&dir, "dir", "", "quarantine base directory, default from QUARANTINE_DIR")
	flag.IntVar(&days, "days", 0, "retention in days, default from QUARANTINE_RETENTION_DAYS")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if dir == "" {
		dir = cfg.QuarantineDir
	}
	if days == 0 {
		days = cfg.QuarantineRetentionDays
	}
	if days <= 0 {
		log.Fatal("retention must be positive")
	}

	sink := quarantine.NewSink(dir)
	removed, err := sink.Prune(time.Duration(days) * 24 * time.Hour)
	if err != nil {
		log.Fatalf("prune: %v", err)
	}
	log.Printf("pruned %d day director%s from %s (retention %dd)",
		removed, plural(removed, "y", "ies"), dir, days)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
