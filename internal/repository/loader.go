package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"databento-ingest/internal/models"
	"databento-ingest/internal/rules"
)

// colKind selects the postgres array type and the extraction rule for one
// target column.
type colKind int

const (
	kindInt colKind = iota
	kindOptInt
	kindText
	kindDec
	kindOptDec
	kindTime
	kindOptTime
	kindBool
)

func (k colKind) pgType() string {
	switch k {
	case kindInt, kindOptInt:
		return "bigint"
	case kindText:
		return "text"
	case kindDec, kindOptDec:
		return "numeric"
	case kindTime, kindOptTime:
		return "timestamptz"
	case kindBool:
		return "boolean"
	}
	return "text"
}

type colSpec struct {
	name string
	kind colKind
}

// tableSpecs declares every loadable table: column shapes and the natural key
// the upsert conflicts on. Column order must stay consistent with schema.sql.
var tableSpecs = map[string]struct {
	cols []colSpec
	key  []string
}{
	"market.ohlcv": {
		key: []string{"instrument_id", "ts_event", "granularity"},
		cols: []colSpec{
			{"instrument_id", kindInt},
			{"symbol", kindText},
			{"ts_event", kindTime},
			{"granularity", kindText},
			{"publisher_id", kindInt},
			{"open_price", kindDec},
			{"high_price", kindDec},
			{"low_price", kindDec},
			{"close_price", kindDec},
			{"volume", kindInt},
			{"trade_count", kindOptInt},
		},
	},
	"market.trades": {
		key: []string{"instrument_id", "ts_event", "sequence"},
		cols: []colSpec{
			{"instrument_id", kindInt},
			{"symbol", kindText},
			{"ts_event", kindTime},
			{"ts_recv", kindTime},
			{"publisher_id", kindInt},
			{"price", kindDec},
			{"size", kindInt},
			{"side", kindText},
			{"depth", kindInt},
			{"sequence", kindInt},
		},
	},
	"market.tbbo": {
		key: []string{"instrument_id", "ts_event", "sequence"},
		cols: []colSpec{
			{"instrument_id", kindInt},
			{"symbol", kindText},
			{"ts_event", kindTime},
			{"ts_recv", kindTime},
			{"publisher_id", kindInt},
			{"price", kindDec},
			{"size", kindInt},
			{"side", kindText},
			{"depth", kindInt},
			{"sequence", kindInt},
			{"bid_px", kindOptDec},
			{"ask_px", kindOptDec},
			{"bid_sz", kindOptInt},
			{"ask_sz", kindOptInt},
			{"bid_ct", kindOptInt},
			{"ask_ct", kindOptInt},
		},
	},
	"market.statistics": {
		key: []string{"instrument_id", "ts_event", "stat_type", "sequence"},
		cols: []colSpec{
			{"instrument_id", kindInt},
			{"symbol", kindText},
			{"ts_event", kindTime},
			{"ts_recv", kindTime},
			{"ts_ref", kindOptTime},
			{"publisher_id", kindInt},
			{"stat_type", kindInt},
			{"price", kindOptDec},
			{"quantity", kindOptInt},
			{"update_action", kindInt},
			{"sequence", kindInt},
			{"channel_id", kindInt},
		},
	},
	"market.definitions": {
		key: []string{"instrument_id", "ts_event"},
		cols: []colSpec{
			{"instrument_id", kindInt},
			{"symbol", kindText},
			{"ts_event", kindTime},
			{"ts_recv", kindTime},
			{"publisher_id", kindInt},
			{"raw_symbol", kindText},
			{"security_update_action", kindText},
			{"instrument_class", kindText},
			{"min_price_increment", kindDec},
			{"display_factor", kindDec},
			{"strike_price", kindOptDec},
			{"high_limit_price", kindOptDec},
			{"low_limit_price", kindOptDec},
			{"max_price_variation", kindOptDec},
			{"unit_of_measure_qty", kindOptDec},
			{"expiration", kindOptTime},
			{"activation", kindOptTime},
			{"currency", kindText},
			{"settl_currency", kindText},
			{"secsubtype", kindText},
			{"group_code", kindText},
			{"exchange", kindText},
			{"asset", kindText},
			{"cfi", kindText},
			{"security_type", kindText},
			{"unit_of_measure", kindText},
			{"underlying", kindText},
			{"strike_price_currency", kindText},
			{"match_algorithm", kindText},
			{"main_fraction", kindOptInt},
			{"price_display_format", kindOptInt},
			{"sub_fraction", kindOptInt},
			{"underlying_product", kindOptInt},
			{"maturity_year", kindOptInt},
			{"maturity_month", kindOptInt},
			{"maturity_day", kindOptInt},
			{"maturity_week", kindOptInt},
			{"decay_start_date", kindOptInt},
			{"decay_quantity", kindOptInt},
			{"channel_id", kindInt},
			{"market_depth", kindOptInt},
			{"market_depth_implied", kindOptInt},
			{"market_segment_id", kindOptInt},
			{"max_trade_vol", kindOptInt},
			{"min_lot_size", kindOptInt},
			{"min_lot_size_block", kindOptInt},
			{"min_lot_size_round_lot", kindOptInt},
			{"min_trade_vol", kindOptInt},
			{"contract_multiplier", kindOptInt},
			{"contract_multiplier_unit", kindOptInt},
			{"flow_schedule_type", kindOptInt},
			{"tick_rule", kindOptInt},
			{"inst_attrib_value", kindOptInt},
			{"underlying_id", kindOptInt},
			{"raw_instrument_id", kindOptInt},
			{"trading_reference_date", kindOptInt},
			{"trading_reference_price", kindOptDec},
			{"settl_price_type", kindOptInt},
			{"user_defined_instrument", kindBool},
			{"leg_count", kindInt},
			{"leg_index", kindOptInt},
			{"leg_instrument_id", kindOptInt},
			{"leg_raw_symbol", kindText},
			{"leg_side", kindText},
			{"leg_ratio_qty", kindOptInt},
			{"leg_price", kindOptDec},
			{"leg_delta", kindOptDec},
		},
	},
}

// buildUpsert assembles the UNNEST bulk upsert for a table. Passing column
// arrays instead of per-row statements keeps a chunk at two round trips:
// the mapping upsert and this one.
func buildUpsert(table string, cols []colSpec, key []string) string {
	names := make([]string, len(cols))
	unnestArgs := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.name
		unnestArgs[i] = fmt.Sprintf("$%d::%s[]", i+1, c.kind.pgType())
	}

	keySet := make(map[string]bool, len(key))
	for _, k := range key {
		keySet[k] = true
	}
	var updates []string
	for _, c := range cols {
		if !keySet[c.name] {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", c.name, c.name))
		}
	}

	return fmt.Sprintf(`
		INSERT INTO %s (%s)
		SELECT * FROM UNNEST(%s) AS u(%s)
		ON CONFLICT (%s) DO UPDATE SET
			%s
	`, table,
		strings.Join(names, ", "),
		strings.Join(unnestArgs, ", "),
		strings.Join(names, ", "),
		strings.Join(key, ", "),
		strings.Join(updates, ",\n\t\t\t"))
}

// buildArrays turns a batch into one typed array per column, in spec order.
func buildArrays(cols []colSpec, batch []rules.StandardizedRecord) ([]any, error) {
	args := make([]any, len(cols))
	for i, c := range cols {
		switch c.kind {
		case kindInt:
			vals := make([]int64, len(batch))
			for j, rec := range batch {
				n, err := recInt(rec, c.name)
				if err != nil {
					return nil, err
				}
				vals[j] = n
			}
			args[i] = vals
		case kindOptInt:
			vals := make([]*int64, len(batch))
			for j, rec := range batch {
				vals[j] = recOptInt(rec, c.name)
			}
			args[i] = vals
		case kindText:
			vals := make([]string, len(batch))
			for j, rec := range batch {
				s, _ := rec[c.name].(string)
				vals[j] = sanitizeForPG(s)
			}
			args[i] = vals
		case kindDec:
			vals := make([]string, len(batch))
			for j, rec := range batch {
				d := recDec(rec, c.name)
				if d == nil {
					return nil, fmt.Errorf("column %s: required decimal is null", c.name)
				}
				vals[j] = d.String()
			}
			args[i] = vals
		case kindOptDec:
			vals := make([]*string, len(batch))
			for j, rec := range batch {
				if d := recDec(rec, c.name); d != nil {
					s := d.String()
					vals[j] = &s
				}
			}
			args[i] = vals
		case kindTime:
			vals := make([]time.Time, len(batch))
			for j, rec := range batch {
				t := recTime(rec, c.name)
				if t == nil || t.IsZero() {
					return nil, fmt.Errorf("column %s: required timestamp is null", c.name)
				}
				vals[j] = *t
			}
			args[i] = vals
		case kindOptTime:
			vals := make([]*time.Time, len(batch))
			for j, rec := range batch {
				if t := recTime(rec, c.name); t != nil && !t.IsZero() {
					vals[j] = t
				}
			}
			args[i] = vals
		case kindBool:
			vals := make([]bool, len(batch))
			for j, rec := range batch {
				b, _ := rec[c.name].(bool)
				vals[j] = b
			}
			args[i] = vals
		}
	}
	return args, nil
}

func recInt(rec rules.StandardizedRecord, col string) (int64, error) {
	switch t := rec[col].(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case *int64:
		if t != nil {
			return *t, nil
		}
	}
	return 0, fmt.Errorf("column %s: required integer is %T", col, rec[col])
}

func recOptInt(rec rules.StandardizedRecord, col string) *int64 {
	switch t := rec[col].(type) {
	case *int64:
		return t
	case int64:
		return &t
	case int:
		n := int64(t)
		return &n
	}
	return nil
}

func recDec(rec rules.StandardizedRecord, col string) *decimal.Decimal {
	switch t := rec[col].(type) {
	case *decimal.Decimal:
		return t
	case decimal.Decimal:
		return &t
	}
	return nil
}

func recTime(rec rules.StandardizedRecord, col string) *time.Time {
	switch t := rec[col].(type) {
	case *time.Time:
		return t
	case time.Time:
		return &t
	}
	return nil
}

// LoadBatch stores one chunk batch in a single transaction: instrument
// mappings first, then the fact rows as a bulk upsert keyed on the table's
// natural key. Replays are idempotent. A returned error means nothing from
// this batch was committed.
func (r *Repository) LoadBatch(ctx context.Context, jobName, exchange string, schema models.Schema, batch []rules.StandardizedRecord) (int64, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	table := schema.TargetTable()
	spec, ok := tableSpecs[table]
	if !ok {
		return 0, fmt.Errorf("no table spec for %q", table)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin batch tx: %w", err)
	}
	defer tx.Rollback(ctx)

	mappings := make(map[string]instrumentMapping)
	var unresolved []string
	for _, rec := range batch {
		sym, _ := rec["symbol"].(string)
		id, _ := recInt(rec, "instrument_id")
		switch {
		case sym != "" && id > 0:
			mappings[sym] = instrumentMapping{Symbol: sym, Exchange: exchange, InstrumentID: id}
		case sym != "" && id <= 0:
			unresolved = append(unresolved, sym)
		}
	}
	if err := upsertInstrumentMappings(ctx, tx, mappings); err != nil {
		return 0, err
	}

	// Last line of defense for rows that lost their instrument id upstream:
	// resolve from the mapping table before the fact insert.
	if len(unresolved) > 0 {
		resolved, err := resolveSymbolsTx(ctx, tx, exchange, unresolved)
		if err != nil {
			return 0, err
		}
		for _, rec := range batch {
			if id, _ := recInt(rec, "instrument_id"); id > 0 {
				continue
			}
			sym, _ := rec["symbol"].(string)
			id, ok := resolved[sym]
			if !ok {
				return 0, fmt.Errorf("%w: %q has no instrument mapping", ErrSymbolResolution, sym)
			}
			rec["instrument_id"] = id
		}
	}

	args, err := buildArrays(spec.cols, batch)
	if err != nil {
		return 0, fmt.Errorf("batch for %s: %w", table, err)
	}
	if _, err := tx.Exec(ctx, buildUpsert(table, spec.cols, spec.key), args...); err != nil {
		return 0, fmt.Errorf("bulk upsert %s (job %s): %w", table, jobName, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit batch: %w", err)
	}
	return int64(len(batch)), nil
}
