package models

import (
	"fmt"
	"strings"
	"time"

	dbn "github.com/NimbleMarkets/dbn-go"
	"github.com/shopspring/decimal"
)

// Schema identifies a vendor record shape. The string values match the
// Databento schema identifiers used in job configs and API requests.
type Schema string

const (
	SchemaOHLCV1S    Schema = "ohlcv-1s"
	SchemaOHLCV1M    Schema = "ohlcv-1m"
	SchemaOHLCV5M    Schema = "ohlcv-5m"
	SchemaOHLCV15M   Schema = "ohlcv-15m"
	SchemaOHLCV1H    Schema = "ohlcv-1h"
	SchemaOHLCV1D    Schema = "ohlcv-1d"
	SchemaTrades     Schema = "trades"
	SchemaTBBO       Schema = "tbbo"
	SchemaStatistics Schema = "statistics"
	SchemaDefinition Schema = "definition"
)

// AllSchemas lists every supported schema in registry order.
var AllSchemas = []Schema{
	SchemaOHLCV1S, SchemaOHLCV1M, SchemaOHLCV5M, SchemaOHLCV15M,
	SchemaOHLCV1H, SchemaOHLCV1D,
	SchemaTrades, SchemaTBBO, SchemaStatistics, SchemaDefinition,
}

// ParseSchema validates a schema identifier from config or CLI input.
func ParseSchema(s string) (Schema, error) {
	for _, known := range AllSchemas {
		if Schema(s) == known {
			return known, nil
		}
	}
	return "", fmt.Errorf("unknown schema %q", s)
}

// IsOHLCV reports whether the schema is one of the bar cadences.
func (s Schema) IsOHLCV() bool {
	return strings.HasPrefix(string(s), "ohlcv-")
}

// Granularity returns the bar cadence suffix for OHLCV schemas ("1d", "1m", ...)
// and "" for everything else.
func (s Schema) Granularity() string {
	if !s.IsOHLCV() {
		return ""
	}
	return strings.TrimPrefix(string(s), "ohlcv-")
}

// TargetTable returns the fact table a schema loads into. All OHLCV cadences
// share one table and are disambiguated by the granularity column.
func (s Schema) TargetTable() string {
	switch {
	case s.IsOHLCV():
		return "market.ohlcv"
	case s == SchemaTrades:
		return "market.trades"
	case s == SchemaTBBO:
		return "market.tbbo"
	case s == SchemaStatistics:
		return "market.statistics"
	case s == SchemaDefinition:
		return "market.definitions"
	}
	return ""
}

// SymbolType is the symbology of the job's input symbols.
type SymbolType string

const (
	SymbolTypeContinuous   SymbolType = "continuous"
	SymbolTypeParent       SymbolType = "parent"
	SymbolTypeNative       SymbolType = "raw_symbol"
	SymbolTypeInstrumentID SymbolType = "instrument_id"
)

// ParseSymbolType accepts both our names and the vendor's stype_in strings.
func ParseSymbolType(s string) (SymbolType, error) {
	switch strings.ToLower(s) {
	case "continuous":
		return SymbolTypeContinuous, nil
	case "parent":
		return SymbolTypeParent, nil
	case "native", "raw_symbol":
		return SymbolTypeNative, nil
	case "instrument_id":
		return SymbolTypeInstrumentID, nil
	}
	return "", fmt.Errorf("unknown symbol type %q", s)
}

// DBN maps the symbol type onto the vendor enum.
func (st SymbolType) DBN() dbn.SType {
	switch st {
	case SymbolTypeContinuous:
		return dbn.SType_Continuous
	case SymbolTypeParent:
		return dbn.SType_Parent
	case SymbolTypeInstrumentID:
		return dbn.SType_InstrumentId
	default:
		return dbn.SType_RawSymbol
	}
}

// Header carries the fields common to every record variant.
type Header struct {
	TsEvent      time.Time `json:"ts_event"`
	InstrumentID uint32    `json:"instrument_id"`
	Symbol       string    `json:"symbol"`
	PublisherID  uint16    `json:"publisher_id"`
}

func (h *Header) validate() error {
	if h.TsEvent.IsZero() {
		return fmt.Errorf("ts_event missing")
	}
	if h.TsEvent.Location() != time.UTC {
		return fmt.Errorf("ts_event not UTC")
	}
	if h.InstrumentID == 0 {
		return fmt.Errorf("instrument_id missing")
	}
	return nil
}

// Record is the tagged sum over schema variants. Records exist only in-flight
// between the adapter and the loader.
type Record interface {
	Header() *Header
	Schema() Schema
	// Validate performs construction-time structural checks. Business rules
	// run later in the tabular validator.
	Validate() error
}

// OHLCV is a bar record at one of the supported cadences.
type OHLCV struct {
	Hdr         Header          `json:"hd"`
	Granularity string          `json:"granularity"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      uint64          `json:"volume"`
	TradeCount  *int64          `json:"trade_count,omitempty"`
}

func (r *OHLCV) Header() *Header { return &r.Hdr }
func (r *OHLCV) Schema() Schema  { return Schema("ohlcv-" + r.Granularity) }

func (r *OHLCV) Validate() error {
	if err := r.Hdr.validate(); err != nil {
		return err
	}
	switch r.Granularity {
	case "1s", "1m", "5m", "15m", "1h", "1d":
	default:
		return fmt.Errorf("invalid granularity %q", r.Granularity)
	}
	if r.TradeCount != nil && *r.TradeCount < 0 {
		return fmt.Errorf("trade_count negative")
	}
	return nil
}

// Trade is a single execution from the trades schema.
type Trade struct {
	Hdr      Header          `json:"hd"`
	TsRecv   time.Time       `json:"ts_recv"`
	Price    decimal.Decimal `json:"price"`
	Size     uint32          `json:"size"`
	Side     dbn.Side        `json:"side"`
	Depth    uint8           `json:"depth"`
	Sequence uint32          `json:"sequence"`
}

func (r *Trade) Header() *Header { return &r.Hdr }
func (r *Trade) Schema() Schema  { return SchemaTrades }

func (r *Trade) Validate() error {
	if err := r.Hdr.validate(); err != nil {
		return err
	}
	switch r.Side {
	case dbn.Side_Ask, dbn.Side_Bid, dbn.Side_None:
	default:
		return fmt.Errorf("invalid side %q", string(rune(r.Side)))
	}
	return nil
}

// TBBO is a trade paired with the best bid/ask at event time. Book fields are
// nullable because the venue may have an empty side.
type TBBO struct {
	Hdr      Header           `json:"hd"`
	TsRecv   time.Time        `json:"ts_recv"`
	Price    decimal.Decimal  `json:"price"`
	Size     uint32           `json:"size"`
	Side     dbn.Side         `json:"side"`
	Depth    uint8            `json:"depth"`
	Sequence uint32           `json:"sequence"`
	BidPx    *decimal.Decimal `json:"bid_px,omitempty"`
	AskPx    *decimal.Decimal `json:"ask_px,omitempty"`
	BidSz    *int64           `json:"bid_sz,omitempty"`
	AskSz    *int64           `json:"ask_sz,omitempty"`
	BidCt    *int64           `json:"bid_ct,omitempty"`
	AskCt    *int64           `json:"ask_ct,omitempty"`
}

func (r *TBBO) Header() *Header { return &r.Hdr }
func (r *TBBO) Schema() Schema  { return SchemaTBBO }

func (r *TBBO) Validate() error {
	if err := r.Hdr.validate(); err != nil {
		return err
	}
	switch r.Side {
	case dbn.Side_Ask, dbn.Side_Bid, dbn.Side_None:
	default:
		return fmt.Errorf("invalid side %q", string(rune(r.Side)))
	}
	return nil
}

// Statistic is a publisher statistics record. Price and quantity are each
// optional depending on stat_type.
type Statistic struct {
	Hdr          Header               `json:"hd"`
	TsRecv       time.Time            `json:"ts_recv"`
	TsRef        *time.Time           `json:"ts_ref,omitempty"`
	StatType     dbn.StatType         `json:"stat_type"`
	Price        *decimal.Decimal     `json:"price,omitempty"`
	Quantity     *int64               `json:"quantity,omitempty"`
	UpdateAction dbn.StatUpdateAction `json:"update_action"`
	Sequence     uint32               `json:"sequence"`
	ChannelID    uint16               `json:"channel_id"`
}

func (r *Statistic) Header() *Header { return &r.Hdr }
func (r *Statistic) Schema() Schema  { return SchemaStatistics }

// statTypeMax bounds the vendor stat_type domain (see dbn.StatType).
const statTypeMax = dbn.StatType_Vwap

func (r *Statistic) Validate() error {
	if err := r.Hdr.validate(); err != nil {
		return err
	}
	if r.StatType < dbn.StatType_OpeningPrice || r.StatType > statTypeMax {
		return fmt.Errorf("stat_type %d out of domain", r.StatType)
	}
	switch r.UpdateAction {
	case dbn.StatUpdateAction_New, dbn.StatUpdateAction_Delete:
	default:
		return fmt.Errorf("invalid update_action %d", r.UpdateAction)
	}
	return nil
}

// Definition is the instrument metadata record. The field set mirrors the
// vendor's definition schema; optional numeric fields are nullable.
type Definition struct {
	Hdr    Header    `json:"hd"`
	TsRecv time.Time `json:"ts_recv"`

	RawSymbol         string                   `json:"raw_symbol"`
	SecurityUpdateAct dbn.SecurityUpdateAction `json:"security_update_action"`
	InstrumentClass   dbn.InstrumentClass      `json:"instrument_class"`

	MinPriceIncrement decimal.Decimal  `json:"min_price_increment"`
	DisplayFactor     decimal.Decimal  `json:"display_factor"`
	StrikePrice       *decimal.Decimal `json:"strike_price,omitempty"`
	HighLimitPrice    *decimal.Decimal `json:"high_limit_price,omitempty"`
	LowLimitPrice     *decimal.Decimal `json:"low_limit_price,omitempty"`
	MaxPriceVariation *decimal.Decimal `json:"max_price_variation,omitempty"`
	UnitOfMeasureQty  *decimal.Decimal `json:"unit_of_measure_qty,omitempty"`

	Expiration time.Time `json:"expiration"`
	Activation time.Time `json:"activation"`

	Currency       string `json:"currency"`
	SettlCurrency  string `json:"settl_currency"`
	SecSubType     string `json:"secsubtype"`
	Group          string `json:"group"`
	Exchange       string `json:"exchange"`
	Asset          string `json:"asset"`
	CFI            string `json:"cfi"`
	SecurityType   string `json:"security_type"`
	UnitOfMeasure  string `json:"unit_of_measure"`
	Underlying     string `json:"underlying"`
	StrikePriceCcy string `json:"strike_price_currency"`

	MatchAlgorithm        string           `json:"match_algorithm"`
	MainFraction          *int64           `json:"main_fraction,omitempty"`
	PriceDisplayFormat    *int64           `json:"price_display_format,omitempty"`
	SubFraction           *int64           `json:"sub_fraction,omitempty"`
	UnderlyingProduct     *int64           `json:"underlying_product,omitempty"`
	MaturityYear          *int64           `json:"maturity_year,omitempty"`
	MaturityMonth         *int64           `json:"maturity_month,omitempty"`
	MaturityDay           *int64           `json:"maturity_day,omitempty"`
	MaturityWeek          *int64           `json:"maturity_week,omitempty"`
	DecayStartDate        *int64           `json:"decay_start_date,omitempty"`
	DecayQuantity         *int64           `json:"decay_quantity,omitempty"`
	ChannelID             uint16           `json:"channel_id"`
	MarketDepth           *int64           `json:"market_depth,omitempty"`
	MarketDepthImplied    *int64           `json:"market_depth_implied,omitempty"`
	MarketSegmentID       *int64           `json:"market_segment_id,omitempty"`
	MaxTradeVol           *int64           `json:"max_trade_vol,omitempty"`
	MinLotSize            *int64           `json:"min_lot_size,omitempty"`
	MinLotSizeBlock       *int64           `json:"min_lot_size_block,omitempty"`
	MinLotSizeRoundLot    *int64           `json:"min_lot_size_round_lot,omitempty"`
	MinTradeVol           *int64           `json:"min_trade_vol,omitempty"`
	ContractMultiplier    *int64           `json:"contract_multiplier,omitempty"`
	ContractMultUnit      *int64           `json:"contract_multiplier_unit,omitempty"`
	FlowScheduleType      *int64           `json:"flow_schedule_type,omitempty"`
	TickRule              *int64           `json:"tick_rule,omitempty"`
	InstAttribValue       *int64           `json:"inst_attrib_value,omitempty"`
	UnderlyingID          *int64           `json:"underlying_id,omitempty"`
	RawInstrumentID       *int64           `json:"raw_instrument_id,omitempty"`
	TradingReferenceDate  *int64           `json:"trading_reference_date,omitempty"`
	TradingReferencePrice *decimal.Decimal `json:"trading_reference_price,omitempty"`
	SettlPriceType        *int64           `json:"settl_price_type,omitempty"`
	UserDefinedInstrument bool             `json:"user_defined_instrument"`

	LegCount        int64            `json:"leg_count"`
	LegIndex        *int64           `json:"leg_index,omitempty"`
	LegInstrumentID *int64           `json:"leg_instrument_id,omitempty"`
	LegRawSymbol    string           `json:"leg_raw_symbol,omitempty"`
	LegSide         string           `json:"leg_side,omitempty"`
	LegRatioQty     *int64           `json:"leg_ratio_qty,omitempty"`
	LegPrice        *decimal.Decimal `json:"leg_price,omitempty"`
	LegDelta        *decimal.Decimal `json:"leg_delta,omitempty"`
}

func (r *Definition) Header() *Header { return &r.Hdr }
func (r *Definition) Schema() Schema  { return SchemaDefinition }

func (r *Definition) Validate() error {
	if err := r.Hdr.validate(); err != nil {
		return err
	}
	if r.RawSymbol == "" {
		return fmt.Errorf("raw_symbol missing")
	}
	if r.LegCount < 0 {
		return fmt.Errorf("leg_count negative")
	}
	if r.LegCount > 0 && (r.LegIndex == nil || r.LegRawSymbol == "") {
		return fmt.Errorf("leg fields required when leg_count > 0")
	}
	if r.LegCount == 0 && (r.LegIndex != nil || r.LegRawSymbol != "") {
		return fmt.Errorf("leg fields present with leg_count == 0")
	}
	return nil
}
