package models

import (
	"testing"
	"time"

	dbn "github.com/NimbleMarkets/dbn-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSchema(t *testing.T) {
	t.Parallel()

	for _, s := range AllSchemas {
		got, err := ParseSchema(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseSchema("mbp-10")
	assert.Error(t, err)
}

func TestSchemaTargetTable(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "market.ohlcv", SchemaOHLCV1S.TargetTable())
	assert.Equal(t, "market.ohlcv", SchemaOHLCV1D.TargetTable())
	assert.Equal(t, "market.definitions", SchemaDefinition.TargetTable())
	assert.Equal(t, "1h", SchemaOHLCV1H.Granularity())
	assert.Equal(t, "", SchemaTrades.Granularity())
}

func TestParseSymbolType(t *testing.T) {
	t.Parallel()

	st, err := ParseSymbolType("native")
	require.NoError(t, err)
	assert.Equal(t, SymbolTypeNative, st)
	assert.Equal(t, dbn.SType_RawSymbol, st.DBN())

	st, err = ParseSymbolType("Parent")
	require.NoError(t, err)
	assert.Equal(t, dbn.SType_Parent, st.DBN())

	_, err = ParseSymbolType("smart")
	assert.Error(t, err)
}

func TestHeaderValidate(t *testing.T) {
	t.Parallel()

	hdr := Header{
		TsEvent:      time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		InstrumentID: 42,
	}
	rec := &Trade{
		Hdr:   hdr,
		Price: decimal.NewFromInt(100),
		Side:  dbn.Side_Ask,
	}
	require.NoError(t, rec.Validate())

	chicago, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)

	bad := *rec
	bad.Hdr.TsEvent = bad.Hdr.TsEvent.In(chicago)
	assert.Error(t, bad.Validate(), "non-UTC event time")

	bad = *rec
	bad.Hdr.InstrumentID = 0
	assert.Error(t, bad.Validate())

	bad = *rec
	bad.Side = dbn.Side('Z')
	assert.Error(t, bad.Validate())
}

func TestDefinitionLegConsistency(t *testing.T) {
	t.Parallel()

	def := Definition{
		Hdr: Header{
			TsEvent:      time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
			InstrumentID: 42,
			Symbol:       "ESH4",
		},
		TsRecv:            time.Date(2024, 1, 15, 0, 0, 1, 0, time.UTC),
		RawSymbol:         "ESH4",
		SecurityUpdateAct: dbn.Add,
		InstrumentClass:   dbn.InstrumentClass_Future,
		MinPriceIncrement: decimal.RequireFromString("0.25"),
		DisplayFactor:     decimal.NewFromInt(1),
	}
	require.NoError(t, def.Validate())

	spread := def
	spread.InstrumentClass = dbn.InstrumentClass_FutureSpread
	spread.LegCount = 2
	assert.Error(t, spread.Validate(), "leg_count > 0 needs leg fields")

	legIdx := int64(0)
	legID := int64(7)
	spread.LegIndex = &legIdx
	spread.LegInstrumentID = &legID
	spread.LegRawSymbol = "ESH4"
	require.NoError(t, spread.Validate())

	orphan := def
	orphan.LegIndex = &legIdx
	assert.Error(t, orphan.Validate(), "leg fields need leg_count > 0")
}
