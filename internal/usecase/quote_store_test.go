package usecase

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MarketPipe/internal/domain/models"
)

func quote(inst, lp string, bid, ask, bidQty, askQty float64, at time.Time) models.Quote {
	return models.Quote{InstrumentID: inst, ProviderID: lp, Bid: bid, Ask: ask, BidQty: bidQty, AskQty: askQty, ObservedAt: at}
}

func TestQuoteStoreUpsertReplacesProviderEntry(t *testing.T) {
	s := NewQuoteStore()
	now := time.Now()

	require.NoError(t, s.Upsert(quote("EURUSD", "lp1", 1.0950, 1.0952, 1, 1, now)))
	require.NoError(t, s.Upsert(quote("EURUSD", "lp1", 1.0951, 1.0953, 2, 2, now)))
	require.NoError(t, s.Upsert(quote("EURUSD", "lp2", 1.0949, 1.0954, 3, 3, now)))

	got := s.ValidQuotes("EURUSD", now)
	require.Len(t, got, 2)
	assert.Equal(t, "lp1", got[0].ProviderID)
	assert.Equal(t, 1.0951, got[0].Bid)
	assert.Equal(t, "lp2", got[1].ProviderID)
}

func TestQuoteStoreValidation(t *testing.T) {
	tests := []struct {
		name  string
		q     models.Quote
		field string
	}{
		{"missing instrument", quote("", "lp1", 1, 2, 1, 1, time.Now()), "instrument_id"},
		{"missing provider", quote("X", "", 1, 2, 1, 1, time.Now()), "provider_id"},
		{"zero bid", quote("X", "lp", 0, 2, 1, 1, time.Now()), "bid"},
		{"negative ask", quote("X", "lp", 1, -2, 1, 1, time.Now()), "ask"},
		{"crossed", quote("X", "lp", 3, 2, 1, 1, time.Now()), "ask"},
		{"negative size", quote("X", "lp", 1, 2, -1, 1, time.Now()), "bid_qty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewQuoteStore()
			err := s.Upsert(tt.q)
			require.Error(t, err)
			var ve *models.ValidationError
			require.ErrorAs(t, err, &ve)
			fields := make([]string, 0, len(ve.Fields))
			for _, f := range ve.Fields {
				fields = append(fields, f.Field)
			}
			assert.Contains(t, fields, tt.field)
			assert.Empty(t, s.ValidQuotes(tt.q.InstrumentID, time.Now()))
		})
	}
}

func TestQuoteStoreStaleEntriesAreAbsent(t *testing.T) {
	s := NewQuoteStore(WithStaleAfter(30 * time.Second))
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Upsert(quote("EURUSD", "old", 1.0, 1.1, 1, 1, base)))
	require.NoError(t, s.Upsert(quote("EURUSD", "fresh", 1.0, 1.1, 1, 1, base.Add(20*time.Second))))

	assert.Len(t, s.ValidQuotes("EURUSD", base.Add(30*time.Second)), 2)

	got := s.ValidQuotes("EURUSD", base.Add(31*time.Second))
	require.Len(t, got, 1)
	assert.Equal(t, "fresh", got[0].ProviderID)

	assert.Empty(t, s.ValidQuotes("EURUSD", base.Add(51*time.Second)))
	assert.Empty(t, s.ValidQuotes("UNKNOWN", base))
}

func TestQuoteStoreNeverReturnsStale(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	s := NewQuoteStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 500; i++ {
		at := base.Add(time.Duration(r.Intn(120)) * time.Second)
		require.NoError(t, s.Upsert(quote("X", fmt.Sprintf("lp%d", r.Intn(8)), 1, 2, 1, 1, at)))
		now := base.Add(time.Duration(r.Intn(150)) * time.Second)
		for _, q := range s.ValidQuotes("X", now) {
			assert.LessOrEqual(t, now.Sub(q.ObservedAt), s.StaleAfter())
		}
	}
}

func TestQuoteStoreSweep(t *testing.T) {
	s := NewQuoteStore()
	base := time.Now()
	require.NoError(t, s.Upsert(quote("A", "lp1", 1, 2, 1, 1, base.Add(-time.Minute))))
	require.NoError(t, s.Upsert(quote("B", "lp1", 1, 2, 1, 1, base.Add(-time.Minute))))
	require.NoError(t, s.Upsert(quote("B", "lp2", 1, 2, 1, 1, base)))

	assert.Equal(t, 2, s.Sweep(base))
	assert.Len(t, s.ValidQuotes("B", base), 1)
}
