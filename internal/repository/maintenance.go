package repository

import (
	"context"
	"fmt"
	"log"
	"time"
)

// CompressOlderThan compresses hypertable chunks past the given age and
// returns how many chunks were touched. Historical partitions are immutable
// once an ingest has passed them, so compressing aged chunks is safe.
func (r *Repository) CompressOlderThan(ctx context.Context, table string, age time.Duration) (int, error) {
	if _, ok := tableSpecs[table]; !ok {
		return 0, fmt.Errorf("no table spec for %q", table)
	}
	interval := fmt.Sprintf("%d hours", int(age.Hours()))

	rows, err := r.db.Query(ctx, `
		SELECT compress_chunk(c, true)
		FROM show_chunks($1::regclass, older_than => $2::interval) AS c
	`, table, interval)
	if err != nil {
		return 0, fmt.Errorf("compress %s: %w", table, err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		count++
	}
	if err := rows.Err(); err != nil {
		return count, fmt.Errorf("compress %s: %w", table, err)
	}
	if count > 0 {
		log.Printf("[repository] compressed %d chunks of %s older than %s", count, table, interval)
	}
	return count, nil
}
