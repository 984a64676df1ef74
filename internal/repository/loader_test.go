package repository

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"databento-ingest/internal/rules"
)

func TestSanitizeForPG(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"ESH4", "ESH4"},
		{"ESH4\x00\x00", "ESH4"},
		{"a\\u0000b", "ab"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := sanitizeForPG(tc.in); got != tc.want {
			t.Fatalf("sanitizeForPG(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTableSpecsMatchColumnRegistry(t *testing.T) {
	t.Parallel()

	for table, spec := range tableSpecs {
		want := rules.TargetColumns(table)
		if want == nil {
			t.Fatalf("table %s has a load spec but no column registry entry", table)
		}
		if len(spec.cols) != len(want) {
			t.Fatalf("table %s: %d load columns vs %d registry columns", table, len(spec.cols), len(want))
		}
		registered := make(map[string]bool, len(want))
		for _, c := range want {
			registered[c] = true
		}
		for _, c := range spec.cols {
			if !registered[c.name] {
				t.Fatalf("table %s: load column %q not in registry", table, c.name)
			}
		}
	}
}

func TestBuildUpsertShape(t *testing.T) {
	t.Parallel()

	spec := tableSpecs["market.ohlcv"]
	sql := buildUpsert("market.ohlcv", spec.cols, spec.key)

	for _, want := range []string{
		"INSERT INTO market.ohlcv",
		"UNNEST(",
		"$1::bigint[]",
		"ON CONFLICT (instrument_id, ts_event, granularity) DO UPDATE SET",
		"open_price = EXCLUDED.open_price",
		"trade_count = EXCLUDED.trade_count",
	} {
		if !strings.Contains(sql, want) {
			t.Fatalf("upsert SQL missing %q:\n%s", want, sql)
		}
	}

	// Natural key columns are never rewritten by the conflict clause.
	updates := sql[strings.Index(sql, "DO UPDATE SET"):]
	for _, key := range spec.key {
		if strings.Contains(updates, key+" = EXCLUDED.") {
			t.Fatalf("conflict clause updates key column %s:\n%s", key, sql)
		}
	}
}

func TestBuildUpsertStatisticsKey(t *testing.T) {
	t.Parallel()

	spec := tableSpecs["market.statistics"]
	sql := buildUpsert("market.statistics", spec.cols, spec.key)
	if !strings.Contains(sql, "ON CONFLICT (instrument_id, ts_event, stat_type, sequence)") {
		t.Fatalf("statistics natural key wrong:\n%s", sql)
	}
}

func TestBuildArrays(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC)
	open := decimal.RequireFromString("4770.25")
	tc := int64(8000)

	rec := rules.StandardizedRecord{
		"instrument_id": int64(42),
		"symbol":        "ESH4\x00",
		"ts_event":      &ts,
		"granularity":   "1d",
		"publisher_id":  int64(1),
		"open_price":    &open,
		"high_price":    &open,
		"low_price":     &open,
		"close_price":   &open,
		"volume":        int64(100),
		"trade_count":   &tc,
	}

	spec := tableSpecs["market.ohlcv"]
	args, err := buildArrays(spec.cols, []rules.StandardizedRecord{rec})
	if err != nil {
		t.Fatalf("buildArrays: %v", err)
	}
	if len(args) != len(spec.cols) {
		t.Fatalf("got %d args, want %d", len(args), len(spec.cols))
	}

	byName := func(name string) any {
		for i, c := range spec.cols {
			if c.name == name {
				return args[i]
			}
		}
		t.Fatalf("no column %s", name)
		return nil
	}

	if syms := byName("symbol").([]string); syms[0] != "ESH4" {
		t.Fatalf("symbol not sanitized: %q", syms[0])
	}
	if prices := byName("open_price").([]string); prices[0] != "4770.25" {
		t.Fatalf("decimal should pass as exact string, got %q", prices[0])
	}
	if counts := byName("trade_count").([]*int64); *counts[0] != 8000 {
		t.Fatalf("trade_count %v", counts[0])
	}
	if times := byName("ts_event").([]time.Time); !times[0].Equal(ts) {
		t.Fatalf("ts_event %v", times[0])
	}
}

func TestBuildArraysNullables(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC)
	price := decimal.RequireFromString("4770")

	rec := rules.StandardizedRecord{
		"instrument_id": int64(42),
		"symbol":        "ESH4",
		"ts_event":      &ts,
		"ts_recv":       &ts,
		"publisher_id":  int64(1),
		"price":         &price,
		"size":          int64(1),
		"side":          "A",
		"depth":         int64(0),
		"sequence":      int64(7),
		"bid_px":        (*decimal.Decimal)(nil),
		"ask_px":        &price,
		"bid_sz":        (*int64)(nil),
		"ask_sz":        (*int64)(nil),
		"bid_ct":        (*int64)(nil),
		"ask_ct":        (*int64)(nil),
	}

	spec := tableSpecs["market.tbbo"]
	args, err := buildArrays(spec.cols, []rules.StandardizedRecord{rec})
	if err != nil {
		t.Fatalf("buildArrays: %v", err)
	}

	var bidIdx, askIdx int
	for i, c := range spec.cols {
		switch c.name {
		case "bid_px":
			bidIdx = i
		case "ask_px":
			askIdx = i
		}
	}
	if bid := args[bidIdx].([]*string); bid[0] != nil {
		t.Fatalf("nil decimal should stay NULL, got %v", *bid[0])
	}
	if ask := args[askIdx].([]*string); ask[0] == nil || *ask[0] != "4770" {
		t.Fatalf("ask_px %v", ask[0])
	}
}

func TestBuildArraysRejectsMissingRequired(t *testing.T) {
	t.Parallel()

	rec := rules.StandardizedRecord{
		"symbol": "ESH4",
	}
	spec := tableSpecs["market.ohlcv"]
	if _, err := buildArrays(spec.cols, []rules.StandardizedRecord{rec}); err == nil {
		t.Fatal("expected error for missing required columns")
	}
}
