package quarantine

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"databento-ingest/internal/models"
)

func entry(job string, stage models.Stage, at time.Time) models.QuarantineEntry {
	return models.QuarantineEntry{
		JobName:    job,
		Schema:     models.SchemaTrades,
		Stage:      stage,
		RuleName:   "trade_size",
		Error:      "size not positive",
		Payload:    json.RawMessage(`{"size": 0}`),
		ReceivedAt: at,
	}
}

func TestSinkWriteAppends(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	sink := NewSink(base)
	at := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	require.NoError(t, sink.Write(entry("es-trades", models.StageValidate, at)))
	require.NoError(t, sink.Write(entry("es-trades", models.StageValidate, at)))

	path := filepath.Join(base, "validate", "2024-01-15", "es-trades.jsonl")
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var got models.QuarantineEntry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &got))
		assert.Equal(t, "es-trades", got.JobName)
		assert.Equal(t, models.StageValidate, got.Stage)
		assert.Equal(t, "trade_size", got.RuleName)
		lines++
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, 2, lines)
}

func TestSinkWriteStampsReceivedAt(t *testing.T) {
	t.Parallel()

	sink := NewSink(t.TempDir())
	e := entry("j", models.StageDecode, time.Time{})
	require.NoError(t, sink.Write(e))
}

func TestSinkWriteRequiresJobName(t *testing.T) {
	t.Parallel()

	sink := NewSink(t.TempDir())
	e := entry("", models.StageLoad, time.Now())
	assert.Error(t, sink.Write(e))
}

func TestSinkPrune(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	sink := NewSink(base)

	old := time.Now().UTC().AddDate(0, 0, -40)
	fresh := time.Now().UTC().AddDate(0, 0, -1)
	require.NoError(t, sink.Write(entry("j", models.StageValidate, old)))
	require.NoError(t, sink.Write(entry("j", models.StageLoad, old)))
	require.NoError(t, sink.Write(entry("j", models.StageValidate, fresh)))

	removed, err := sink.Prune(30 * 24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = os.Stat(filepath.Join(base, "validate", old.Format("2006-01-02")))
	assert.True(t, os.IsNotExist(err), "aged directory should be gone")
	_, err = os.Stat(filepath.Join(base, "validate", fresh.Format("2006-01-02"), "j.jsonl"))
	assert.NoError(t, err, "recent entries survive")
}

func TestSinkPruneMissingBase(t *testing.T) {
	t.Parallel()

	sink := NewSink(filepath.Join(t.TempDir(), "never-created"))
	removed, err := sink.Prune(time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestSinkWritable(t *testing.T) {
	t.Parallel()

	sink := NewSink(filepath.Join(t.TempDir(), "dlq"))
	assert.NoError(t, sink.Writable())
}
