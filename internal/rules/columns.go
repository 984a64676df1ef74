package rules

// targetColumns is the registry of writable columns per target table. Mapping
// destinations are checked against it when a rules document loads, so a typo
// in a yaml file fails at startup instead of at the database.
var targetColumns = map[string][]string{
	"market.ohlcv": {
		"instrument_id", "symbol", "ts_event", "granularity", "publisher_id",
		"open_price", "high_price", "low_price", "close_price",
		"volume", "trade_count",
	},
	"market.trades": {
		"instrument_id", "symbol", "ts_event", "ts_recv", "publisher_id",
		"price", "size", "side", "depth", "sequence",
	},
	"market.tbbo": {
		"instrument_id", "symbol", "ts_event", "ts_recv", "publisher_id",
		"price", "size", "side", "depth", "sequence",
		"bid_px", "ask_px", "bid_sz", "ask_sz", "bid_ct", "ask_ct",
	},
	"market.statistics": {
		"instrument_id", "symbol", "ts_event", "ts_recv", "ts_ref", "publisher_id",
		"stat_type", "price", "quantity", "update_action", "sequence", "channel_id",
	},
	"market.definitions": {
		"instrument_id", "symbol", "ts_event", "ts_recv", "publisher_id",
		"raw_symbol", "security_update_action", "instrument_class",
		"min_price_increment", "display_factor", "strike_price",
		"high_limit_price", "low_limit_price", "max_price_variation",
		"unit_of_measure_qty", "expiration", "activation",
		"currency", "settl_currency", "secsubtype", "group_code", "exchange",
		"asset", "cfi", "security_type", "unit_of_measure", "underlying",
		"strike_price_currency", "match_algorithm", "main_fraction",
		"price_display_format", "sub_fraction", "underlying_product",
		"maturity_year", "maturity_month", "maturity_day", "maturity_week",
		"decay_start_date", "decay_quantity", "channel_id", "market_depth",
		"market_depth_implied", "market_segment_id", "max_trade_vol",
		"min_lot_size", "min_lot_size_block", "min_lot_size_round_lot",
		"min_trade_vol", "contract_multiplier", "contract_multiplier_unit",
		"flow_schedule_type", "tick_rule", "inst_attrib_value", "underlying_id",
		"raw_instrument_id", "trading_reference_date", "trading_reference_price",
		"settl_price_type", "user_defined_instrument",
		"leg_count", "leg_index", "leg_instrument_id", "leg_raw_symbol",
		"leg_side", "leg_ratio_qty", "leg_price", "leg_delta",
	},
}

// TargetColumns returns the writable column list for a table in registry
// order, or nil for an unknown table. The loader builds its upsert statements
// from the same list the mapping checker uses.
func TargetColumns(table string) []string {
	return targetColumns[table]
}

func columnSet(table string) map[string]bool {
	cols := targetColumns[table]
	if cols == nil {
		return nil
	}
	set := make(map[string]bool, len(cols))
	for _, c := range cols {
		set[c] = true
	}
	return set
}
