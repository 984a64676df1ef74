package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"databento-ingest/internal/models"
)

// ResultSet is a generic tabular answer: column names in table order plus raw
// row values. The CLI renders it as table, csv, or json.
type ResultSet struct {
	Columns []string
	Rows    [][]any
}

// Query reads stored records for a set of symbols. Symbols resolve through
// instrument_mapping first; an unknown symbol fails the whole call with
// ErrSymbolResolution. The date range is inclusive on both ends at day
// granularity and results come back ascending by ts_event.
func (r *Repository) Query(ctx context.Context, schema models.Schema, symbols []string, start, end time.Time, limit int) (*ResultSet, error) {
	table := schema.TargetTable()
	spec, ok := tableSpecs[table]
	if !ok {
		return nil, fmt.Errorf("no table spec for %q", table)
	}

	resolved, err := r.ResolveSymbols(ctx, symbols)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(resolved))
	for _, id := range resolved {
		ids = append(ids, int64(id))
	}

	cols := make([]string, len(spec.cols))
	for i, c := range spec.cols {
		cols[i] = c.name
	}

	q := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE instrument_id = ANY($1)
		  AND ts_event >= $2
		  AND ts_event < $3
	`, strings.Join(cols, ", "), table)
	args := []any{ids, dayFloor(start), dayFloor(end).AddDate(0, 0, 1)}

	if g := schema.Granularity(); g != "" {
		args = append(args, g)
		q += fmt.Sprintf(" AND granularity = $%d", len(args))
	}
	q += " ORDER BY ts_event ASC"
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	res := &ResultSet{Columns: cols}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		res.Rows = append(res.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	return res, nil
}

func dayFloor(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
