package databento

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	dbn "github.com/NimbleMarkets/dbn-go"
	"github.com/shopspring/decimal"

	"databento-ingest/internal/models"
)

// Sentinels the vendor uses for absent numeric fields.
const (
	undefPrice = math.MaxInt64
	undefInt32 = math.MaxInt32
	undefTime  = math.MaxInt64
)

// priceScale: vendor prices are fixed-point with nine implied decimals.
const priceScale = -9

// flexInt64 accepts both JSON numbers and numeric strings. The vendor's JSON
// encoding emits 64-bit quantities as strings to survive double-precision
// parsers, but smaller fields come through as plain numbers.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*f = undefInt64Sentinel
		return nil
	}
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %q: %w", string(b), err)
	}
	*f = flexInt64(v)
	return nil
}

const undefInt64Sentinel flexInt64 = math.MaxInt64

// stripNUL removes NUL bytes the vendor pads fixed-width string fields with.
func stripNUL(s string) string {
	if !strings.ContainsRune(s, 0) {
		return s
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// tsFromNanos converts an epoch-nanosecond field into a tz-aware UTC time.
func tsFromNanos(v flexInt64) time.Time {
	if int64(v) == undefTime || v <= 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(v)).UTC()
}

// priceFromFixed converts a required fixed-point price field.
func priceFromFixed(v flexInt64) decimal.Decimal {
	return decimal.New(int64(v), priceScale)
}

// optPriceFromFixed converts an optional price, mapping the vendor sentinel
// to nil.
func optPriceFromFixed(v flexInt64) *decimal.Decimal {
	if int64(v) == undefPrice {
		return nil
	}
	d := decimal.New(int64(v), priceScale)
	return &d
}

// optInt maps 32-bit and 64-bit absence sentinels to nil.
func optInt(v flexInt64) *int64 {
	if int64(v) == undefPrice || int64(v) == undefInt32 {
		return nil
	}
	n := int64(v)
	return &n
}

func sideFromString(s string) dbn.Side {
	if s == "" {
		return dbn.Side_None
	}
	return dbn.Side(s[0])
}

type rawHeader struct {
	TsEvent      flexInt64 `json:"ts_event"`
	RType        uint8     `json:"rtype"`
	PublisherID  uint16    `json:"publisher_id"`
	InstrumentID uint32    `json:"instrument_id"`
}

func (h rawHeader) toModel(symbol string) models.Header {
	return models.Header{
		TsEvent:      tsFromNanos(h.TsEvent),
		InstrumentID: h.InstrumentID,
		Symbol:       stripNUL(symbol),
		PublisherID:  h.PublisherID,
	}
}

type rawOHLCV struct {
	Hd     rawHeader  `json:"hd"`
	Open   flexInt64  `json:"open"`
	High   flexInt64  `json:"high"`
	Low    flexInt64  `json:"low"`
	Close  flexInt64  `json:"close"`
	Volume flexInt64  `json:"volume"`
	Count  *flexInt64 `json:"count,omitempty"`
	Symbol string     `json:"symbol"`
}

type rawLevel struct {
	BidPx flexInt64 `json:"bid_px"`
	AskPx flexInt64 `json:"ask_px"`
	BidSz flexInt64 `json:"bid_sz"`
	AskSz flexInt64 `json:"ask_sz"`
	BidCt flexInt64 `json:"bid_ct"`
	AskCt flexInt64 `json:"ask_ct"`
}

type rawTrade struct {
	Hd       rawHeader  `json:"hd"`
	TsRecv   flexInt64  `json:"ts_recv"`
	Price    flexInt64  `json:"price"`
	Size     uint32     `json:"size"`
	Side     string     `json:"side"`
	Depth    uint8      `json:"depth"`
	Sequence uint32     `json:"sequence"`
	Levels   []rawLevel `json:"levels,omitempty"`
	Symbol   string     `json:"symbol"`
}

type rawStatistic struct {
	Hd           rawHeader `json:"hd"`
	TsRecv       flexInt64 `json:"ts_recv"`
	TsRef        flexInt64 `json:"ts_ref"`
	Price        flexInt64 `json:"price"`
	Quantity     flexInt64 `json:"quantity"`
	Sequence     uint32    `json:"sequence"`
	StatType     uint16    `json:"stat_type"`
	ChannelID    uint16    `json:"channel_id"`
	UpdateAction uint8     `json:"update_action"`
	Symbol       string    `json:"symbol"`
}

type rawDefinition struct {
	Hd     rawHeader `json:"hd"`
	TsRecv flexInt64 `json:"ts_recv"`

	MinPriceIncrement flexInt64 `json:"min_price_increment"`
	DisplayFactor     flexInt64 `json:"display_factor"`
	Expiration        flexInt64 `json:"expiration"`
	Activation        flexInt64 `json:"activation"`
	HighLimitPrice    flexInt64 `json:"high_limit_price"`
	LowLimitPrice     flexInt64 `json:"low_limit_price"`
	MaxPriceVariation flexInt64 `json:"max_price_variation"`
	TradingRefPrice   flexInt64 `json:"trading_reference_price"`
	UnitOfMeasureQty  flexInt64 `json:"unit_of_measure_qty"`
	MinPriceIncrAmt   flexInt64 `json:"min_price_increment_amount"`
	PriceRatio        flexInt64 `json:"price_ratio"`
	StrikePrice       flexInt64 `json:"strike_price"`

	InstAttribValue  flexInt64 `json:"inst_attrib_value"`
	UnderlyingID     flexInt64 `json:"underlying_id"`
	RawInstrumentID  flexInt64 `json:"raw_instrument_id"`
	MarketDepthImpl  flexInt64 `json:"market_depth_implied"`
	MarketDepth      flexInt64 `json:"market_depth"`
	MarketSegmentID  flexInt64 `json:"market_segment_id"`
	MaxTradeVol      flexInt64 `json:"max_trade_vol"`
	MinLotSize       flexInt64 `json:"min_lot_size"`
	MinLotSizeBlock  flexInt64 `json:"min_lot_size_block"`
	MinLotSizeRound  flexInt64 `json:"min_lot_size_round_lot"`
	MinTradeVol      flexInt64 `json:"min_trade_vol"`
	ContractMult     flexInt64 `json:"contract_multiplier"`
	DecayQuantity    flexInt64 `json:"decay_quantity"`
	OriginalContract flexInt64 `json:"original_contract_size"`
	TradingRefDate   flexInt64 `json:"trading_reference_date"`
	ApplID           flexInt64 `json:"appl_id"`
	MaturityYear     flexInt64 `json:"maturity_year"`
	DecayStartDate   flexInt64 `json:"decay_start_date"`
	ChannelID        uint16    `json:"channel_id"`

	Currency       string `json:"currency"`
	SettlCurrency  string `json:"settl_currency"`
	SecSubType     string `json:"secsubtype"`
	RawSymbol      string `json:"raw_symbol"`
	Group          string `json:"group"`
	Exchange       string `json:"exchange"`
	Asset          string `json:"asset"`
	CFI            string `json:"cfi"`
	SecurityType   string `json:"security_type"`
	UnitOfMeasure  string `json:"unit_of_measure"`
	Underlying     string `json:"underlying"`
	StrikePriceCcy string `json:"strike_price_currency"`

	InstrumentClass   string    `json:"instrument_class"`
	MatchAlgorithm    string    `json:"match_algorithm"`
	MainFraction      flexInt64 `json:"main_fraction"`
	PriceDisplayFmt   flexInt64 `json:"price_display_format"`
	SubFraction       flexInt64 `json:"sub_fraction"`
	UnderlyingProduct flexInt64 `json:"underlying_product"`
	SecurityUpdateAct string    `json:"security_update_action"`
	MaturityMonth     flexInt64 `json:"maturity_month"`
	MaturityDay       flexInt64 `json:"maturity_day"`
	MaturityWeek      flexInt64 `json:"maturity_week"`
	UserDefinedInstr  string    `json:"user_defined_instrument"`
	ContractMultUnit  flexInt64 `json:"contract_multiplier_unit"`
	FlowScheduleType  flexInt64 `json:"flow_schedule_type"`
	TickRule          flexInt64 `json:"tick_rule"`
	SettlPriceType    flexInt64 `json:"settl_price_type"`

	LegCount        flexInt64 `json:"leg_count"`
	LegIndex        flexInt64 `json:"leg_index"`
	LegInstrumentID flexInt64 `json:"leg_instrument_id"`
	LegRawSymbol    string    `json:"leg_raw_symbol"`
	LegSide         string    `json:"leg_side"`
	LegRatioQty     flexInt64 `json:"leg_ratio_qty"`
	LegPrice        flexInt64 `json:"leg_price"`
	LegDelta        flexInt64 `json:"leg_delta"`

	Symbol string `json:"symbol"`
}

// Decode turns one JSON line from the vendor stream into the typed record for
// the requested schema. A non-nil error means the raw record cannot form a
// typed record and belongs in quarantine.
func Decode(schema models.Schema, line []byte) (models.Record, error) {
	var (
		rec models.Record
		err error
	)
	switch {
	case schema.IsOHLCV():
		rec, err = decodeOHLCV(schema, line)
	case schema == models.SchemaTrades:
		rec, err = decodeTrade(line)
	case schema == models.SchemaTBBO:
		rec, err = decodeTBBO(line)
	case schema == models.SchemaStatistics:
		rec, err = decodeStatistic(line)
	case schema == models.SchemaDefinition:
		rec, err = decodeDefinition(line)
	default:
		return nil, fmt.Errorf("no decoder registered for schema %q", schema)
	}
	if err != nil {
		return nil, err
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

func decodeOHLCV(schema models.Schema, line []byte) (models.Record, error) {
	var raw rawOHLCV
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("decode ohlcv: %w", err)
	}
	rec := &models.OHLCV{
		Hdr:         raw.Hd.toModel(raw.Symbol),
		Granularity: schema.Granularity(),
		Open:        priceFromFixed(raw.Open),
		High:        priceFromFixed(raw.High),
		Low:         priceFromFixed(raw.Low),
		Close:       priceFromFixed(raw.Close),
	}
	if v := int64(raw.Volume); v >= 0 && v != undefPrice {
		rec.Volume = uint64(v)
	}
	if raw.Count != nil {
		rec.TradeCount = optInt(*raw.Count)
	}
	return rec, nil
}

func decodeTrade(line []byte) (models.Record, error) {
	var raw rawTrade
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("decode trade: %w", err)
	}
	return &models.Trade{
		Hdr:      raw.Hd.toModel(raw.Symbol),
		TsRecv:   tsFromNanos(raw.TsRecv),
		Price:    priceFromFixed(raw.Price),
		Size:     raw.Size,
		Side:     sideFromString(raw.Side),
		Depth:    raw.Depth,
		Sequence: raw.Sequence,
	}, nil
}

func decodeTBBO(line []byte) (models.Record, error) {
	var raw rawTrade
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("decode tbbo: %w", err)
	}
	rec := &models.TBBO{
		Hdr:      raw.Hd.toModel(raw.Symbol),
		TsRecv:   tsFromNanos(raw.TsRecv),
		Price:    priceFromFixed(raw.Price),
		Size:     raw.Size,
		Side:     sideFromString(raw.Side),
		Depth:    raw.Depth,
		Sequence: raw.Sequence,
	}
	if len(raw.Levels) > 0 {
		lvl := raw.Levels[0]
		rec.BidPx = optPriceFromFixed(lvl.BidPx)
		rec.AskPx = optPriceFromFixed(lvl.AskPx)
		rec.BidSz = optInt(lvl.BidSz)
		rec.AskSz = optInt(lvl.AskSz)
		rec.BidCt = optInt(lvl.BidCt)
		rec.AskCt = optInt(lvl.AskCt)
	}
	return rec, nil
}

func decodeStatistic(line []byte) (models.Record, error) {
	var raw rawStatistic
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("decode statistic: %w", err)
	}
	rec := &models.Statistic{
		Hdr:          raw.Hd.toModel(raw.Symbol),
		TsRecv:       tsFromNanos(raw.TsRecv),
		StatType:     dbn.StatType(raw.StatType),
		Price:        optPriceFromFixed(raw.Price),
		Quantity:     optInt(raw.Quantity),
		UpdateAction: dbn.StatUpdateAction(raw.UpdateAction),
		Sequence:     raw.Sequence,
		ChannelID:    raw.ChannelID,
	}
	if ref := tsFromNanos(raw.TsRef); !ref.IsZero() {
		rec.TsRef = &ref
	}
	return rec, nil
}

func decodeDefinition(line []byte) (models.Record, error) {
	var raw rawDefinition
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}

	rec := &models.Definition{
		Hdr:    raw.Hd.toModel(raw.Symbol),
		TsRecv: tsFromNanos(raw.TsRecv),

		RawSymbol:         stripNUL(raw.RawSymbol),
		SecurityUpdateAct: updateActionFromString(raw.SecurityUpdateAct),
		InstrumentClass:   instrumentClassFromString(raw.InstrumentClass),

		MinPriceIncrement: priceFromFixed(raw.MinPriceIncrement),
		DisplayFactor:     priceFromFixed(raw.DisplayFactor),
		StrikePrice:       optPriceFromFixed(raw.StrikePrice),
		HighLimitPrice:    optPriceFromFixed(raw.HighLimitPrice),
		LowLimitPrice:     optPriceFromFixed(raw.LowLimitPrice),
		MaxPriceVariation: optPriceFromFixed(raw.MaxPriceVariation),
		UnitOfMeasureQty:  optPriceFromFixed(raw.UnitOfMeasureQty),

		Expiration: tsFromNanos(raw.Expiration),
		Activation: tsFromNanos(raw.Activation),

		Currency:       stripNUL(raw.Currency),
		SettlCurrency:  stripNUL(raw.SettlCurrency),
		SecSubType:     stripNUL(raw.SecSubType),
		Group:          stripNUL(raw.Group),
		Exchange:       stripNUL(raw.Exchange),
		Asset:          stripNUL(raw.Asset),
		CFI:            stripNUL(raw.CFI),
		SecurityType:   stripNUL(raw.SecurityType),
		UnitOfMeasure:  stripNUL(raw.UnitOfMeasure),
		Underlying:     stripNUL(raw.Underlying),
		StrikePriceCcy: stripNUL(raw.StrikePriceCcy),

		MatchAlgorithm:        stripNUL(raw.MatchAlgorithm),
		MainFraction:          optInt(raw.MainFraction),
		PriceDisplayFormat:    optInt(raw.PriceDisplayFmt),
		SubFraction:           optInt(raw.SubFraction),
		UnderlyingProduct:     optInt(raw.UnderlyingProduct),
		MaturityYear:          optInt(raw.MaturityYear),
		MaturityMonth:         optInt(raw.MaturityMonth),
		MaturityDay:           optInt(raw.MaturityDay),
		MaturityWeek:          optInt(raw.MaturityWeek),
		DecayStartDate:        optInt(raw.DecayStartDate),
		DecayQuantity:         optInt(raw.DecayQuantity),
		ChannelID:             raw.ChannelID,
		MarketDepth:           optInt(raw.MarketDepth),
		MarketDepthImplied:    optInt(raw.MarketDepthImpl),
		MarketSegmentID:       optInt(raw.MarketSegmentID),
		MaxTradeVol:           optInt(raw.MaxTradeVol),
		MinLotSize:            optInt(raw.MinLotSize),
		MinLotSizeBlock:       optInt(raw.MinLotSizeBlock),
		MinLotSizeRoundLot:    optInt(raw.MinLotSizeRound),
		MinTradeVol:           optInt(raw.MinTradeVol),
		ContractMultiplier:    optInt(raw.ContractMult),
		ContractMultUnit:      optInt(raw.ContractMultUnit),
		FlowScheduleType:      optInt(raw.FlowScheduleType),
		TickRule:              optInt(raw.TickRule),
		InstAttribValue:       optInt(raw.InstAttribValue),
		UnderlyingID:          optInt(raw.UnderlyingID),
		RawInstrumentID:       optInt(raw.RawInstrumentID),
		TradingReferenceDate:  optInt(raw.TradingRefDate),
		TradingReferencePrice: optPriceFromFixed(raw.TradingRefPrice),
		SettlPriceType:        optInt(raw.SettlPriceType),
		UserDefinedInstrument: raw.UserDefinedInstr == "Y",

		LegRawSymbol: stripNUL(raw.LegRawSymbol),
		LegSide:      stripNUL(raw.LegSide),
	}

	if lc := optInt(raw.LegCount); lc != nil && *lc > 0 {
		rec.LegCount = *lc
		rec.LegIndex = optInt(raw.LegIndex)
		rec.LegInstrumentID = optInt(raw.LegInstrumentID)
		rec.LegRatioQty = optInt(raw.LegRatioQty)
		rec.LegPrice = optPriceFromFixed(raw.LegPrice)
		rec.LegDelta = optPriceFromFixed(raw.LegDelta)
	} else {
		rec.LegRawSymbol = ""
		rec.LegSide = ""
	}
	return rec, nil
}

func updateActionFromString(s string) dbn.SecurityUpdateAction {
	if s == "" {
		return dbn.Add
	}
	return dbn.SecurityUpdateAction(s[0])
}

func instrumentClassFromString(s string) dbn.InstrumentClass {
	if s == "" {
		return dbn.InstrumentClass_Future
	}
	return dbn.InstrumentClass(s[0])
}
