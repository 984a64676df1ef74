package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"databento-ingest/internal/models"
)

func writeJobs(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadJobs(t *testing.T) {
	path := writeJobs(t, `
jobs:
  - name: es-daily
    dataset: GLBX.MDP3
    schema: ohlcv-1d
    symbols: [ES.c.0]
    stype_in: continuous
    start_date: "2024-01-15"
    end_date: "2024-01-16"
  - name: es-trades
    dataset: GLBX.MDP3
    schema: trades
    symbols: [" ES.c.0 "]
    stype_in: continuous
    start_date: "2024-01-15"
    end_date: "2024-01-15"
    chunk_days: 1
    calendar_filter: weekdays
`)

	jobs, err := LoadJobs(path)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	daily := jobs[0]
	require.Equal(t, models.SchemaOHLCV1D, daily.Schema)
	require.Equal(t, models.SymbolTypeContinuous, daily.SymbolType)
	require.Equal(t, "databento", daily.Vendor)
	require.Equal(t, 30, daily.ChunkDays, "dense-schema default applied")

	trades := jobs[1]
	require.Equal(t, []string{"ES.c.0"}, trades.Symbols, "symbols are trimmed")
	require.Equal(t, 1, trades.ChunkDays)

	found, err := FindJob(jobs, "es-trades")
	require.NoError(t, err)
	require.Equal(t, "es-trades", found.Name)

	_, err = FindJob(jobs, "missing")
	require.Error(t, err)
}

func TestLoadJobsRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{name: "empty file", body: "jobs: []\n"},
		{name: "bad schema", body: `
jobs:
  - {name: j, dataset: D, schema: nope, symbols: [A], start_date: "2024-01-01", end_date: "2024-01-02"}
`},
		{name: "start after end", body: `
jobs:
  - {name: j, dataset: D, schema: trades, symbols: [A], start_date: "2024-01-05", end_date: "2024-01-02"}
`},
		{name: "no symbols", body: `
jobs:
  - {name: j, dataset: D, schema: trades, symbols: [], start_date: "2024-01-01", end_date: "2024-01-02"}
`},
		{name: "duplicate names", body: `
jobs:
  - {name: j, dataset: D, schema: trades, symbols: [A], start_date: "2024-01-01", end_date: "2024-01-02"}
  - {name: j, dataset: D, schema: trades, symbols: [B], start_date: "2024-01-01", end_date: "2024-01-02"}
`},
		{name: "bad calendar filter", body: `
jobs:
  - {name: j, dataset: D, schema: trades, symbols: [A], start_date: "2024-01-01", end_date: "2024-01-02", calendar_filter: lunar}
`},
		{name: "bad date format", body: `
jobs:
  - {name: j, dataset: D, schema: trades, symbols: [A], start_date: "01/15/2024", end_date: "2024-01-16"}
`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadJobs(writeJobs(t, tc.body))
			require.Error(t, err)
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DATABENTO_API_KEY", "db-test-key")
	t.Setenv("TIMESCALEDB_HOST", "tsdb.internal")
	t.Setenv("TIMESCALEDB_PASSWORD", "p@ss/word")
	t.Setenv("RETRY_ON_STATUS", "429,503")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.RequireAPIKey())
	require.Equal(t, []int{429, 503}, cfg.Retry.RetryOnStatus)
	require.Equal(t, 5, cfg.Retry.MaxAttempts)
	require.Contains(t, cfg.DatabaseURL(), "tsdb.internal:5432/market_data")
	require.Contains(t, cfg.DatabaseURL(), "p%40ss%2Fword", "password is URL-escaped")
}

func TestLoadRejectsBadRetryShape(t *testing.T) {
	t.Setenv("RETRY_MAX_ATTEMPTS", "0")
	_, err := Load()
	require.Error(t, err)
}
