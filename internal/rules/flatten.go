package rules

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"databento-ingest/internal/models"
)

// flatten exposes a typed record as a map of vendor attribute names. Values
// keep their storage types (decimal.Decimal, *int64, time.Time); mapping
// destinations receive them as-is.
func flatten(rec models.Record) (map[string]any, error) {
	hdr := rec.Header()
	out := map[string]any{
		"ts_event":      hdr.TsEvent,
		"instrument_id": int64(hdr.InstrumentID),
		"symbol":        hdr.Symbol,
		"publisher_id":  int64(hdr.PublisherID),
	}

	switch r := rec.(type) {
	case *models.OHLCV:
		out["granularity"] = r.Granularity
		out["open"] = r.Open
		out["high"] = r.High
		out["low"] = r.Low
		out["close"] = r.Close
		out["volume"] = int64(r.Volume)
		out["count"] = r.TradeCount
	case *models.Trade:
		out["ts_recv"] = r.TsRecv
		out["price"] = r.Price
		out["size"] = int64(r.Size)
		out["side"] = string(rune(r.Side))
		out["depth"] = int64(r.Depth)
		out["sequence"] = int64(r.Sequence)
	case *models.TBBO:
		out["ts_recv"] = r.TsRecv
		out["price"] = r.Price
		out["size"] = int64(r.Size)
		out["side"] = string(rune(r.Side))
		out["depth"] = int64(r.Depth)
		out["sequence"] = int64(r.Sequence)
		out["bid_px"] = r.BidPx
		out["ask_px"] = r.AskPx
		out["bid_sz"] = r.BidSz
		out["ask_sz"] = r.AskSz
		out["bid_ct"] = r.BidCt
		out["ask_ct"] = r.AskCt
	case *models.Statistic:
		out["ts_recv"] = r.TsRecv
		out["ts_ref"] = r.TsRef
		out["stat_type"] = int64(r.StatType)
		out["price"] = r.Price
		out["quantity"] = r.Quantity
		out["update_action"] = int64(r.UpdateAction)
		out["sequence"] = int64(r.Sequence)
		out["channel_id"] = int64(r.ChannelID)
	case *models.Definition:
		flattenDefinition(out, r)
	default:
		return nil, fmt.Errorf("no flattener for record type %T", rec)
	}
	return out, nil
}

func flattenDefinition(out map[string]any, r *models.Definition) {
	out["ts_recv"] = r.TsRecv
	out["raw_symbol"] = r.RawSymbol
	out["security_update_action"] = string(rune(r.SecurityUpdateAct))
	out["instrument_class"] = string(rune(r.InstrumentClass))

	out["min_price_increment"] = r.MinPriceIncrement
	out["display_factor"] = r.DisplayFactor
	out["strike_price"] = r.StrikePrice
	out["high_limit_price"] = r.HighLimitPrice
	out["low_limit_price"] = r.LowLimitPrice
	out["max_price_variation"] = r.MaxPriceVariation
	out["unit_of_measure_qty"] = r.UnitOfMeasureQty
	out["trading_reference_price"] = r.TradingReferencePrice

	out["expiration"] = r.Expiration
	out["activation"] = r.Activation

	out["currency"] = r.Currency
	out["settl_currency"] = r.SettlCurrency
	out["secsubtype"] = r.SecSubType
	out["group"] = r.Group
	out["exchange"] = r.Exchange
	out["asset"] = r.Asset
	out["cfi"] = r.CFI
	out["security_type"] = r.SecurityType
	out["unit_of_measure"] = r.UnitOfMeasure
	out["underlying"] = r.Underlying
	out["strike_price_currency"] = r.StrikePriceCcy
	out["match_algorithm"] = r.MatchAlgorithm

	out["main_fraction"] = r.MainFraction
	out["price_display_format"] = r.PriceDisplayFormat
	out["sub_fraction"] = r.SubFraction
	out["underlying_product"] = r.UnderlyingProduct
	out["maturity_year"] = r.MaturityYear
	out["maturity_month"] = r.MaturityMonth
	out["maturity_day"] = r.MaturityDay
	out["maturity_week"] = r.MaturityWeek
	out["decay_start_date"] = r.DecayStartDate
	out["decay_quantity"] = r.DecayQuantity
	out["channel_id"] = int64(r.ChannelID)
	out["market_depth"] = r.MarketDepth
	out["market_depth_implied"] = r.MarketDepthImplied
	out["market_segment_id"] = r.MarketSegmentID
	out["max_trade_vol"] = r.MaxTradeVol
	out["min_lot_size"] = r.MinLotSize
	out["min_lot_size_block"] = r.MinLotSizeBlock
	out["min_lot_size_round_lot"] = r.MinLotSizeRoundLot
	out["min_trade_vol"] = r.MinTradeVol
	out["contract_multiplier"] = r.ContractMultiplier
	out["contract_multiplier_unit"] = r.ContractMultUnit
	out["flow_schedule_type"] = r.FlowScheduleType
	out["tick_rule"] = r.TickRule
	out["inst_attrib_value"] = r.InstAttribValue
	out["underlying_id"] = r.UnderlyingID
	out["raw_instrument_id"] = r.RawInstrumentID
	out["trading_reference_date"] = r.TradingReferenceDate
	out["settl_price_type"] = r.SettlPriceType
	out["user_defined_instrument"] = r.UserDefinedInstrument

	out["leg_count"] = r.LegCount
	out["leg_index"] = r.LegIndex
	out["leg_instrument_id"] = r.LegInstrumentID
	out["leg_raw_symbol"] = r.LegRawSymbol
	out["leg_side"] = r.LegSide
	out["leg_ratio_qty"] = r.LegRatioQty
	out["leg_price"] = r.LegPrice
	out["leg_delta"] = r.LegDelta
}

// exprValue converts a storage value into something rule expressions can
// compare with plain literals. Decimals become float64 for the comparison
// only; the standardized record keeps the exact value.
func exprValue(v any) any {
	switch t := v.(type) {
	case decimal.Decimal:
		return t.InexactFloat64()
	case *decimal.Decimal:
		if t == nil {
			return nil
		}
		return t.InexactFloat64()
	case *int64:
		if t == nil {
			return nil
		}
		return *t
	case *time.Time:
		if t == nil {
			return nil
		}
		return *t
	default:
		return v
	}
}

// exprEnv builds the evaluation environment for a standardized record.
func exprEnv(rec StandardizedRecord) map[string]any {
	env := make(map[string]any, len(rec)+1)
	for k, v := range rec {
		env[k] = exprValue(v)
	}
	return env
}
