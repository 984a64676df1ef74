// Package validate normalizes standardized record batches to canonical column
// types and enforces the per-schema business checks before anything reaches
// the loader.
package validate

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"databento-ingest/internal/config"
	"databento-ingest/internal/models"
	"databento-ingest/internal/rules"
)

// ErrTooManyFailures aborts a chunk when the failure count passes the
// configured cap.
var ErrTooManyFailures = errors.New("validation failures exceed max_errors_per_batch")

// Failure is one rejected row with the rule that rejected it.
type Failure struct {
	Record rules.StandardizedRecord
	Rule   string
	Detail string
}

// Result splits a batch into loadable rows and quarantine candidates.
type Result struct {
	Valid    []rules.StandardizedRecord
	Failures []Failure
	// Repaired counts rows whose symbol was filled from the job config.
	Repaired int
}

// Validator applies dtype normalization and business checks batch-wise.
type Validator struct {
	cfg config.ValidationConfig
}

func New(cfg config.ValidationConfig) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateBatch checks every row of one chunk batch. Row failures accumulate
// in the result; only a tripped failure cap or a programming error returns a
// non-nil error.
func (v *Validator) ValidateBatch(schema models.Schema, jobSymbols []string, batch []rules.StandardizedRecord) (*Result, error) {
	res := &Result{Valid: make([]rules.StandardizedRecord, 0, len(batch))}

	// Strict mode closes the column set to the target table; otherwise
	// unknown columns pass through and the loader ignores them.
	var known map[string]bool
	if v.cfg.StrictMode {
		cols := rules.TargetColumns(schema.TargetTable())
		known = make(map[string]bool, len(cols))
		for _, c := range cols {
			known[c] = true
		}
	}

	for _, rec := range batch {
		if fail := checkKnownColumns(rec, known); fail != nil {
			res.Failures = append(res.Failures, *fail)
			continue
		}
		if fail := normalizeTypes(rec); fail != nil {
			res.Failures = append(res.Failures, *fail)
			continue
		}

		if repaired, fail := repairSymbol(rec, jobSymbols); fail != nil {
			res.Failures = append(res.Failures, *fail)
			continue
		} else if repaired {
			res.Repaired++
		}

		if fail := checkBusiness(schema, rec); fail != nil {
			res.Failures = append(res.Failures, *fail)
			continue
		}
		res.Valid = append(res.Valid, rec)
	}

	if max := v.cfg.MaxErrorsPerBatch; max > 0 && len(res.Failures) > max {
		return res, fmt.Errorf("%w: %d failures in batch of %d",
			ErrTooManyFailures, len(res.Failures), len(batch))
	}
	return res, nil
}

// column classes drive dtype normalization. Columns not listed pass through
// untouched (plain strings, booleans).
var (
	timestampCols = set("ts_event", "ts_recv", "ts_ref", "expiration", "activation")

	decimalCols = set(
		"open_price", "high_price", "low_price", "close_price",
		"price", "bid_px", "ask_px",
		"min_price_increment", "display_factor", "strike_price",
		"high_limit_price", "low_limit_price", "max_price_variation",
		"unit_of_measure_qty", "trading_reference_price",
		"leg_price", "leg_delta",
	)

	requiredIntCols = set(
		"instrument_id", "publisher_id", "volume", "size", "depth",
		"sequence", "stat_type", "update_action", "channel_id", "leg_count",
	)

	nullableIntCols = set(
		"trade_count", "bid_sz", "ask_sz", "bid_ct", "ask_ct", "quantity",
		"main_fraction", "price_display_format", "sub_fraction",
		"underlying_product", "maturity_year", "maturity_month",
		"maturity_day", "maturity_week", "decay_start_date", "decay_quantity",
		"market_depth", "market_depth_implied", "market_segment_id",
		"max_trade_vol", "min_lot_size", "min_lot_size_block",
		"min_lot_size_round_lot", "min_trade_vol", "contract_multiplier",
		"contract_multiplier_unit", "flow_schedule_type", "tick_rule",
		"inst_attrib_value", "underlying_id", "raw_instrument_id",
		"trading_reference_date", "settl_price_type",
		"leg_index", "leg_instrument_id", "leg_ratio_qty",
	)
)

func set(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

func checkKnownColumns(rec rules.StandardizedRecord, known map[string]bool) *Failure {
	if known == nil {
		return nil
	}
	for col := range rec {
		if !known[col] {
			return &Failure{Record: rec, Rule: "unknown_column",
				Detail: fmt.Sprintf("column %q not in target table", col)}
		}
	}
	return nil
}

func dtypeFailure(rec rules.StandardizedRecord, col, detail string) *Failure {
	return &Failure{Record: rec, Rule: "dtype:" + col, Detail: detail}
}

// normalizeTypes coerces each column to its canonical container in place.
// Integer columns arriving as floating point are rejected outright; that
// representation cannot round-trip 64-bit values and smuggles NaN for null.
func normalizeTypes(rec rules.StandardizedRecord) *Failure {
	for col, val := range rec {
		switch {
		case timestampCols[col]:
			t, ok := asTime(val)
			if !ok {
				if val == nil && col == "ts_ref" {
					rec[col] = (*time.Time)(nil)
					continue
				}
				return dtypeFailure(rec, col, fmt.Sprintf("want tz-aware timestamp, got %T", val))
			}
			if t != nil && t.Location() != time.UTC {
				return dtypeFailure(rec, col, "timestamp not UTC")
			}
			rec[col] = t

		case decimalCols[col]:
			d, ok := asDecimal(val)
			if !ok {
				return dtypeFailure(rec, col, fmt.Sprintf("want decimal, got %T", val))
			}
			rec[col] = d

		case requiredIntCols[col]:
			n, ok := asInt64(val)
			if !ok || n == nil {
				return dtypeFailure(rec, col, fmt.Sprintf("want integer, got %T", val))
			}
			rec[col] = *n

		case nullableIntCols[col]:
			n, ok := asInt64(val)
			if !ok {
				return dtypeFailure(rec, col, fmt.Sprintf("want nullable integer, got %T", val))
			}
			rec[col] = n
		}
	}
	return nil
}

func asTime(val any) (*time.Time, bool) {
	switch t := val.(type) {
	case time.Time:
		return &t, true
	case *time.Time:
		return t, true
	default:
		return nil, false
	}
}

// asDecimal returns a *decimal.Decimal (nil for null). Binary floating point
// is rejected; it cannot carry exact prices.
func asDecimal(val any) (*decimal.Decimal, bool) {
	switch t := val.(type) {
	case decimal.Decimal:
		return &t, true
	case *decimal.Decimal:
		return t, true
	case nil:
		return nil, true
	case int64:
		d := decimal.NewFromInt(t)
		return &d, true
	default:
		return nil, false
	}
}

func asInt64(val any) (*int64, bool) {
	switch t := val.(type) {
	case int64:
		return &t, true
	case *int64:
		return t, true
	case int:
		n := int64(t)
		return &n, true
	case nil:
		return nil, true
	case float64:
		// Forbidden representation: NaN-for-null and precision loss.
		return nil, false
	default:
		return nil, false
	}
}

// repairSymbol fills a blank symbol from the job config when exactly one
// symbol is possible. Ambiguous rows fail.
func repairSymbol(rec rules.StandardizedRecord, jobSymbols []string) (bool, *Failure) {
	sym, _ := rec["symbol"].(string)
	if sym != "" {
		return false, nil
	}
	if len(jobSymbols) == 1 {
		rec["symbol"] = jobSymbols[0]
		return true, nil
	}
	return false, &Failure{Record: rec, Rule: "symbol_missing",
		Detail: fmt.Sprintf("no symbol and %d job symbols", len(jobSymbols))}
}

func checkBusiness(schema models.Schema, rec rules.StandardizedRecord) *Failure {
	if id, _ := rec["instrument_id"].(int64); id <= 0 {
		return &Failure{Record: rec, Rule: "instrument_id_missing", Detail: "instrument_id not positive"}
	}
	if ts, _ := rec["ts_event"].(*time.Time); ts == nil || ts.IsZero() {
		return &Failure{Record: rec, Rule: "ts_event_missing", Detail: "ts_event absent"}
	}

	switch {
	case schema.IsOHLCV():
		return checkOHLCV(rec)
	case schema == models.SchemaTrades:
		return checkTrade(rec)
	case schema == models.SchemaTBBO:
		if fail := checkTrade(rec); fail != nil {
			return fail
		}
		return checkTBBO(rec)
	case schema == models.SchemaStatistics:
		return checkStatistic(rec)
	case schema == models.SchemaDefinition:
		return checkDefinition(rec)
	}
	return nil
}

func dec(rec rules.StandardizedRecord, col string) *decimal.Decimal {
	d, _ := rec[col].(*decimal.Decimal)
	return d
}

func optInt(rec rules.StandardizedRecord, col string) *int64 {
	n, _ := rec[col].(*int64)
	return n
}

func reqInt(rec rules.StandardizedRecord, col string) int64 {
	n, _ := rec[col].(int64)
	return n
}

func checkOHLCV(rec rules.StandardizedRecord) *Failure {
	open, high := dec(rec, "open_price"), dec(rec, "high_price")
	low, cls := dec(rec, "low_price"), dec(rec, "close_price")
	for col, d := range map[string]*decimal.Decimal{
		"open_price": open, "high_price": high, "low_price": low, "close_price": cls,
	} {
		if d == nil || d.Sign() <= 0 {
			return &Failure{Record: rec, Rule: "ohlcv_positive_prices", Detail: col + " not positive"}
		}
	}
	if high.LessThan(*open) || high.LessThan(*cls) || high.LessThan(*low) {
		return &Failure{Record: rec, Rule: "ohlcv_high_bound", Detail: "high below open/close/low"}
	}
	if low.GreaterThan(*open) || low.GreaterThan(*cls) || low.GreaterThan(*high) {
		return &Failure{Record: rec, Rule: "ohlcv_low_bound", Detail: "low above open/close/high"}
	}
	if reqInt(rec, "volume") < 0 {
		return &Failure{Record: rec, Rule: "ohlcv_volume", Detail: "volume negative"}
	}
	return nil
}

func checkTrade(rec rules.StandardizedRecord) *Failure {
	if p := dec(rec, "price"); p == nil || p.Sign() <= 0 {
		return &Failure{Record: rec, Rule: "trade_price", Detail: "price not positive"}
	}
	if reqInt(rec, "size") <= 0 {
		return &Failure{Record: rec, Rule: "trade_size", Detail: "size not positive"}
	}
	switch rec["side"] {
	case "A", "B", "N":
	default:
		return &Failure{Record: rec, Rule: "trade_side", Detail: fmt.Sprintf("side %v not allowed", rec["side"])}
	}
	return nil
}

func checkTBBO(rec rules.StandardizedRecord) *Failure {
	bid, ask := dec(rec, "bid_px"), dec(rec, "ask_px")
	if bid != nil && ask != nil && bid.GreaterThan(*ask) {
		return &Failure{Record: rec, Rule: "tbbo_crossed_book", Detail: "bid_px above ask_px"}
	}
	for _, col := range []string{"bid_sz", "ask_sz"} {
		if n := optInt(rec, col); n != nil && *n <= 0 {
			return &Failure{Record: rec, Rule: "tbbo_size", Detail: col + " not positive"}
		}
	}
	return nil
}

func checkStatistic(rec rules.StandardizedRecord) *Failure {
	st := reqInt(rec, "stat_type")
	if st < 1 || st > 13 {
		return &Failure{Record: rec, Rule: "stat_type_domain", Detail: fmt.Sprintf("stat_type %d out of domain", st)}
	}
	if p := dec(rec, "price"); p != nil && p.Sign() <= 0 {
		return &Failure{Record: rec, Rule: "stat_price", Detail: "price not positive"}
	}
	if q := optInt(rec, "quantity"); q != nil && *q < 0 {
		return &Failure{Record: rec, Rule: "stat_quantity", Detail: "quantity negative"}
	}
	return nil
}

func checkDefinition(rec rules.StandardizedRecord) *Failure {
	if d := dec(rec, "min_price_increment"); d == nil || d.Sign() <= 0 {
		return &Failure{Record: rec, Rule: "def_min_price_increment", Detail: "min_price_increment not positive"}
	}
	if d := dec(rec, "display_factor"); d == nil || d.Sign() <= 0 {
		return &Failure{Record: rec, Rule: "def_display_factor", Detail: "display_factor not positive"}
	}
	if d := dec(rec, "unit_of_measure_qty"); d != nil && d.Sign() <= 0 {
		return &Failure{Record: rec, Rule: "def_unit_of_measure_qty", Detail: "unit_of_measure_qty not positive"}
	}
	hi, lo := dec(rec, "high_limit_price"), dec(rec, "low_limit_price")
	if hi != nil && lo != nil && hi.LessThan(*lo) {
		return &Failure{Record: rec, Rule: "def_limit_price_order", Detail: "high_limit_price below low_limit_price"}
	}
	act, _ := rec["activation"].(*time.Time)
	exp, _ := rec["expiration"].(*time.Time)
	if act != nil && exp != nil && !act.IsZero() && !exp.IsZero() && act.After(*exp) {
		return &Failure{Record: rec, Rule: "def_lifecycle", Detail: "activation after expiration"}
	}

	legCount := reqInt(rec, "leg_count")
	legIndex := optInt(rec, "leg_index")
	legSym, _ := rec["leg_raw_symbol"].(string)
	switch {
	case legCount < 0:
		return &Failure{Record: rec, Rule: "def_leg_consistency", Detail: "leg_count negative"}
	case legCount > 0 && (legIndex == nil || legSym == ""):
		return &Failure{Record: rec, Rule: "def_leg_consistency", Detail: "leg fields required when leg_count > 0"}
	case legCount == 0 && (legIndex != nil || legSym != ""):
		return &Failure{Record: rec, Rule: "def_leg_consistency", Detail: "leg fields present with leg_count == 0"}
	}
	return nil
}
