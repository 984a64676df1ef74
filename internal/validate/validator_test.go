package validate

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"databento-ingest/internal/config"
	"databento-ingest/internal/models"
	"databento-ingest/internal/rules"
)

func testValidator() *Validator {
	return New(config.ValidationConfig{
		StrictMode:        false,
		QuarantineEnabled: true,
		MaxErrorsPerBatch: 100,
	})
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func pd(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func pi(n int64) *int64 { return &n }

func ts() time.Time { return time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC) }

func goodBar() rules.StandardizedRecord {
	return rules.StandardizedRecord{
		"instrument_id": int64(42),
		"symbol":        "ESH4",
		"ts_event":      ts(),
		"publisher_id":  int64(1),
		"granularity":   "1d",
		"open_price":    d("4770.25"),
		"high_price":    d("4775.5"),
		"low_price":     d("4765"),
		"close_price":   d("4772.75"),
		"volume":        int64(125000),
		"trade_count":   pi(8000),
	}
}

func goodTrade() rules.StandardizedRecord {
	return rules.StandardizedRecord{
		"instrument_id": int64(42),
		"symbol":        "ESH4",
		"ts_event":      ts(),
		"ts_recv":       ts(),
		"publisher_id":  int64(1),
		"price":         d("4770.25"),
		"size":          int64(3),
		"side":          "B",
		"depth":         int64(0),
		"sequence":      int64(991),
	}
}

func TestValidateBatchAccepts(t *testing.T) {
	t.Parallel()

	res, err := testValidator().ValidateBatch(models.SchemaOHLCV1D, []string{"ESH4"},
		[]rules.StandardizedRecord{goodBar()})
	require.NoError(t, err)
	require.Len(t, res.Valid, 1)
	assert.Empty(t, res.Failures)
	assert.Zero(t, res.Repaired)

	// Normalization leaves canonical containers behind.
	rec := res.Valid[0]
	assert.IsType(t, (*time.Time)(nil), rec["ts_event"])
	assert.IsType(t, (*decimal.Decimal)(nil), rec["open_price"])
	assert.IsType(t, (*int64)(nil), rec["trade_count"])
	assert.IsType(t, int64(0), rec["volume"])
}

func TestValidateBatchRejectsFloatIntegers(t *testing.T) {
	t.Parallel()

	bar := goodBar()
	// NaN-for-null float representation of a nullable integer is forbidden.
	bar["trade_count"] = float64(8000)

	res, err := testValidator().ValidateBatch(models.SchemaOHLCV1D, []string{"ESH4"},
		[]rules.StandardizedRecord{bar})
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "dtype:trade_count", res.Failures[0].Rule)
	assert.Empty(t, res.Valid)
}

func TestValidateBatchRejectsFloatPrices(t *testing.T) {
	t.Parallel()

	bar := goodBar()
	bar["open_price"] = 4770.25

	res, err := testValidator().ValidateBatch(models.SchemaOHLCV1D, []string{"ESH4"},
		[]rules.StandardizedRecord{bar})
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "dtype:open_price", res.Failures[0].Rule)
}

func TestValidateBatchRejectsNonUTCTimestamp(t *testing.T) {
	t.Parallel()

	chicago, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)
	trade := goodTrade()
	trade["ts_event"] = ts().In(chicago)

	res, err := testValidator().ValidateBatch(models.SchemaTrades, []string{"ESH4"},
		[]rules.StandardizedRecord{trade})
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "dtype:ts_event", res.Failures[0].Rule)
}

func TestValidateBatchBusinessChecks(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		schema   models.Schema
		mutate   func(rules.StandardizedRecord)
		base     func() rules.StandardizedRecord
		wantRule string
	}{
		{
			name: "ohlcv high below low", schema: models.SchemaOHLCV1D, base: goodBar,
			mutate:   func(r rules.StandardizedRecord) { r["high_price"] = d("4000") },
			wantRule: "ohlcv_high_bound",
		},
		{
			name: "ohlcv zero price", schema: models.SchemaOHLCV1D, base: goodBar,
			mutate:   func(r rules.StandardizedRecord) { r["close_price"] = d("0") },
			wantRule: "ohlcv_positive_prices",
		},
		{
			name: "trade zero size", schema: models.SchemaTrades, base: goodTrade,
			mutate:   func(r rules.StandardizedRecord) { r["size"] = int64(0) },
			wantRule: "trade_size",
		},
		{
			name: "trade bad side", schema: models.SchemaTrades, base: goodTrade,
			mutate:   func(r rules.StandardizedRecord) { r["side"] = "X" },
			wantRule: "trade_side",
		},
		{
			name: "missing instrument", schema: models.SchemaTrades, base: goodTrade,
			mutate:   func(r rules.StandardizedRecord) { r["instrument_id"] = int64(0) },
			wantRule: "instrument_id_missing",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := tc.base()
			tc.mutate(rec)
			res, err := testValidator().ValidateBatch(tc.schema, []string{"ESH4"},
				[]rules.StandardizedRecord{rec})
			require.NoError(t, err)
			require.Len(t, res.Failures, 1)
			assert.Equal(t, tc.wantRule, res.Failures[0].Rule)
		})
	}
}

func TestValidateBatchTBBO(t *testing.T) {
	t.Parallel()

	quote := goodTrade()
	quote["bid_px"] = pd("4771")
	quote["ask_px"] = pd("4770") // crossed
	quote["bid_sz"] = pi(1)
	quote["ask_sz"] = pi(1)

	res, err := testValidator().ValidateBatch(models.SchemaTBBO, []string{"ESH4"},
		[]rules.StandardizedRecord{quote})
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "tbbo_crossed_book", res.Failures[0].Rule)

	ok := goodTrade()
	ok["bid_px"] = pd("4770")
	ok["ask_px"] = nil // one-sided book is fine
	ok["bid_sz"] = pi(5)
	ok["ask_sz"] = nil
	res, err = testValidator().ValidateBatch(models.SchemaTBBO, []string{"ESH4"},
		[]rules.StandardizedRecord{ok})
	require.NoError(t, err)
	assert.Len(t, res.Valid, 1)
}

func TestValidateBatchStatisticDomain(t *testing.T) {
	t.Parallel()

	stat := rules.StandardizedRecord{
		"instrument_id": int64(42),
		"symbol":        "ESH4",
		"ts_event":      ts(),
		"ts_recv":       ts(),
		"publisher_id":  int64(1),
		"stat_type":     int64(99),
		"price":         pd("4771"),
		"quantity":      pi(10),
		"update_action": int64(1),
		"sequence":      int64(1),
		"channel_id":    int64(0),
	}
	res, err := testValidator().ValidateBatch(models.SchemaStatistics, []string{"ESH4"},
		[]rules.StandardizedRecord{stat})
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "stat_type_domain", res.Failures[0].Rule)
}

func TestValidateBatchDefinitionLegs(t *testing.T) {
	t.Parallel()

	def := rules.StandardizedRecord{
		"instrument_id":       int64(42),
		"symbol":              "ESH4-ESM4",
		"ts_event":            ts(),
		"ts_recv":             ts(),
		"publisher_id":        int64(1),
		"raw_symbol":          "ESH4-ESM4",
		"min_price_increment": d("0.05"),
		"display_factor":      d("1"),
		"activation":          ts(),
		"expiration":          ts().AddDate(0, 3, 0),
		"leg_count":           int64(2),
		"leg_index":           nil,
		"leg_raw_symbol":      "",
	}
	res, err := testValidator().ValidateBatch(models.SchemaDefinition, []string{"ESH4-ESM4"},
		[]rules.StandardizedRecord{def})
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "def_leg_consistency", res.Failures[0].Rule)
}

func TestValidateBatchDefinitionLimitPriceOrder(t *testing.T) {
	t.Parallel()

	def := rules.StandardizedRecord{
		"instrument_id":       int64(42),
		"symbol":              "ESH4",
		"ts_event":            ts(),
		"ts_recv":             ts(),
		"publisher_id":        int64(1),
		"raw_symbol":          "ESH4",
		"min_price_increment": d("0.25"),
		"display_factor":      d("1"),
		"high_limit_price":    pd("100"),
		"low_limit_price":     pd("200"),
		"leg_count":           int64(0),
	}
	res, err := testValidator().ValidateBatch(models.SchemaDefinition, []string{"ESH4"},
		[]rules.StandardizedRecord{def})
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "def_limit_price_order", res.Failures[0].Rule)

	ok := rules.StandardizedRecord{}
	for k, v := range def {
		ok[k] = v
	}
	ok["high_limit_price"] = pd("200")
	ok["low_limit_price"] = pd("100")
	res, err = testValidator().ValidateBatch(models.SchemaDefinition, []string{"ESH4"},
		[]rules.StandardizedRecord{ok})
	require.NoError(t, err)
	assert.Len(t, res.Valid, 1)
}

func TestValidateBatchStrictMode(t *testing.T) {
	t.Parallel()

	stray := goodTrade()
	stray["ts_in_delta"] = int64(145)

	strict := New(config.ValidationConfig{StrictMode: true, QuarantineEnabled: true, MaxErrorsPerBatch: 100})
	res, err := strict.ValidateBatch(models.SchemaTrades, []string{"ESH4"},
		[]rules.StandardizedRecord{stray})
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "unknown_column", res.Failures[0].Rule)
	assert.Contains(t, res.Failures[0].Detail, "ts_in_delta")

	// Lenient mode tolerates the stray column; the loader never reads it.
	lenient := goodTrade()
	lenient["ts_in_delta"] = int64(145)
	res, err = testValidator().ValidateBatch(models.SchemaTrades, []string{"ESH4"},
		[]rules.StandardizedRecord{lenient})
	require.NoError(t, err)
	assert.Len(t, res.Valid, 1)
	assert.Empty(t, res.Failures)
}

func TestValidateBatchSymbolRepair(t *testing.T) {
	t.Parallel()

	one := goodTrade()
	one["symbol"] = ""
	res, err := testValidator().ValidateBatch(models.SchemaTrades, []string{"ESH4"},
		[]rules.StandardizedRecord{one})
	require.NoError(t, err)
	require.Len(t, res.Valid, 1)
	assert.Equal(t, 1, res.Repaired)
	assert.Equal(t, "ESH4", res.Valid[0]["symbol"])

	two := goodTrade()
	two["symbol"] = ""
	res, err = testValidator().ValidateBatch(models.SchemaTrades, []string{"ESH4", "NQH4"},
		[]rules.StandardizedRecord{two})
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "symbol_missing", res.Failures[0].Rule)
}

func TestValidateBatchFailureCap(t *testing.T) {
	t.Parallel()

	v := New(config.ValidationConfig{MaxErrorsPerBatch: 2, QuarantineEnabled: true})
	batch := make([]rules.StandardizedRecord, 3)
	for i := range batch {
		rec := goodTrade()
		rec["size"] = int64(0)
		batch[i] = rec
	}
	_, err := v.ValidateBatch(models.SchemaTrades, []string{"ESH4"}, batch)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTooManyFailures))
}
