package usecase

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MarketPipe/internal/domain/models"
)

func testInstruments() *Instruments {
	return NewInstruments([]models.Instrument{
		{ID: "EURUSD", Class: models.ClassFX, Precision: 4},
		{ID: "US500", Class: models.ClassCFD, Precision: 1, Markup: 0.3},
		{ID: "BTCUSD", Class: models.ClassCrypto, Precision: 2},
		{ID: "ACME", Class: models.ClassEquity, Precision: 2, ListedAt: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)},
		{ID: "WIDE", Class: models.ClassFX, Precision: 4, EmbeddedSpread: true},
	})
}

func TestAggregateBestLevelScenario(t *testing.T) {
	qs := NewQuoteStore()
	now := time.Now()
	require.NoError(t, qs.Upsert(quote("EURUSD", "lp1", 1.0950, 1.0952, 1_000_000, 1_000_000, now)))
	require.NoError(t, qs.Upsert(quote("EURUSD", "lp2", 1.0951, 1.0953, 2_000_000, 2_000_000, now)))
	require.NoError(t, qs.Upsert(quote("EURUSD", "lp3", 1.0949, 1.0951, 500_000, 500_000, now)))

	e := NewPricingEngine(qs, testInstruments(), nil)
	agg, err := e.Aggregate("EURUSD")
	require.NoError(t, err)

	assert.Equal(t, models.QuoteAvailable, agg.Status)
	assert.InDelta(t, 1.0951, agg.BestBid, 1e-12)
	assert.InDelta(t, 1.0952, agg.BestAsk, 1e-12)
	assert.Equal(t, 2_000_000.0, agg.TotalBidLiquidity)
	assert.Equal(t, 1_000_000.0, agg.TotalAskLiquidity)
	assert.InDelta(t, 0.0001, agg.Spread, 1e-12)
	assert.Equal(t, 3, agg.Providers)
	assert.False(t, agg.ComputedAt.IsZero())
}

func TestAggregateUnavailableAndOneSided(t *testing.T) {
	qs := NewQuoteStore()
	e := NewPricingEngine(qs, testInstruments(), nil)

	agg, err := e.Aggregate("EURUSD")
	assert.ErrorIs(t, err, models.ErrQuoteUnavailable)
	assert.Equal(t, models.QuoteUnavailable, agg.Status)
	assert.False(t, agg.HasBid)
	assert.False(t, agg.HasAsk)

	_, err = e.Aggregate("NOPE")
	assert.True(t, errors.Is(err, models.ErrUnknownInstrument))
	assert.True(t, models.IsValidation(err))

	// a side without a valid quote is reported unavailable, never as zero
	inst, _ := testInstruments().Get("EURUSD")
	one := e.combine(inst, []models.Quote{{InstrumentID: "EURUSD", ProviderID: "lp", Bid: 1.2, BidQty: 5}})
	assert.Equal(t, models.QuoteOneSided, one.Status)
	assert.True(t, one.HasBid)
	assert.False(t, one.HasAsk)
	assert.Equal(t, 1.2, one.BestBid)
	assert.Zero(t, one.TotalAskLiquidity)
}

func TestAggregateSpreadPolicy(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name       string
		instrument string
		bid, ask   float64
		wantBid    float64
		wantAsk    float64
	}{
		// mid 5000, 3bp = 1.5, markup 0.3 => 1.8, rounded to 0.1
		{"cfd widens by bp plus markup", "US500", 4999.9, 5000.1, 4999.1, 5000.9},
		// raw spread already wider than policy
		{"never narrows raw", "EURUSD", 1.1000, 1.1010, 1.1000, 1.1010},
		// crypto has no widening by default
		{"zero policy keeps raw", "BTCUSD", 100.00, 100.02, 100.00, 100.02},
		// embedded spread widens on top of the raw spread: 0.0010 + 1.1005e-4
		{"embedded spread widens further", "WIDE", 1.1000, 1.1010, 1.0999, 1.1011},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			qs := NewQuoteStore()
			require.NoError(t, qs.Upsert(quote(tt.instrument, "lp", tt.bid, tt.ask, 1, 1, now)))
			agg, err := NewPricingEngine(qs, testInstruments(), nil).Aggregate(tt.instrument)
			require.NoError(t, err)
			assert.InDelta(t, tt.wantBid, agg.BestBid, 1e-9)
			assert.InDelta(t, tt.wantAsk, agg.BestAsk, 1e-9)
			assert.GreaterOrEqual(t, agg.BestAsk-agg.BestBid, tt.ask-tt.bid-1e-9)
		})
	}
}

func TestAggregateCrossedProvidersCollapseToMid(t *testing.T) {
	qs := NewQuoteStore()
	now := time.Now()
	require.NoError(t, qs.Upsert(quote("BTCUSD", "lp1", 101, 102, 1, 1, now)))
	require.NoError(t, qs.Upsert(quote("BTCUSD", "lp2", 99, 100, 1, 1, now)))

	agg, err := NewPricingEngine(qs, testInstruments(), nil).Aggregate("BTCUSD")
	require.NoError(t, err)
	assert.True(t, agg.Crossed)
	assert.LessOrEqual(t, agg.BestBid, agg.BestAsk)
	assert.InDelta(t, 100.5, agg.BestBid, 1e-9)
}

func TestAggregateBidNeverExceedsAsk(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	ins := testInstruments()
	for i := 0; i < 300; i++ {
		qs := NewQuoteStore()
		now := time.Now()
		id := []string{"EURUSD", "US500", "BTCUSD", "ACME"}[r.Intn(4)]
		for p := 0; p < 1+r.Intn(5); p++ {
			bid := 1 + r.Float64()*100
			ask := bid + r.Float64()
			require.NoError(t, qs.Upsert(quote(id, string(rune('a'+p)), bid, ask, 1, 1, now)))
		}
		agg, err := NewPricingEngine(qs, ins, nil).Aggregate(id)
		require.NoError(t, err)
		assert.LessOrEqual(t, agg.BestBid, agg.BestAsk, "instrument %s", id)
	}
}

func TestRoundTickIsHalfEven(t *testing.T) {
	assert.Equal(t, 0.12, roundTick(0.125, 2))
	assert.Equal(t, 0.14, roundTick(0.135, 2))
}
