package usecase

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"MarketPipe/internal/domain/models"
)

// SpreadPolicy widens the aggregated top-of-book for an instrument class.
type SpreadPolicy struct {
	BasisPoints float64 `yaml:"basis_points"`
	Markup      float64 `yaml:"markup"`
}

// DefaultSpreadPolicies apply when configuration names no policy for a class.
func DefaultSpreadPolicies() map[models.InstrumentClass]SpreadPolicy {
	return map[models.InstrumentClass]SpreadPolicy{
		models.ClassFX:     {BasisPoints: 1},
		models.ClassCFD:    {BasisPoints: 3},
		models.ClassCrypto: {},
		models.ClassEquity: {},
	}
}

// PricingEngine combines provider quotes into one top-of-book per instrument.
type PricingEngine struct {
	quotes      *QuoteStore
	instruments *Instruments
	policies    map[models.InstrumentClass]SpreadPolicy
	now         func() time.Time
}

func NewPricingEngine(quotes *QuoteStore, instruments *Instruments, policies map[models.InstrumentClass]SpreadPolicy) *PricingEngine {
	merged := DefaultSpreadPolicies()
	for class, p := range policies {
		merged[class] = p
	}
	return &PricingEngine{quotes: quotes, instruments: instruments, policies: merged, now: time.Now}
}

// Aggregate computes the current AggregatedQuote. When no side has a valid
// quote the result has Status unavailable and the error is ErrQuoteUnavailable.
func (e *PricingEngine) Aggregate(instrumentID string) (models.AggregatedQuote, error) {
	return e.AggregateWith(instrumentID, nil)
}

// AggregateWith is Aggregate that also hands the result to fn before the
// instrument's quotes are unlocked. Results reach fn in the order they were
// computed, so fn must not block.
func (e *PricingEngine) AggregateWith(instrumentID string, fn func(models.AggregatedQuote)) (models.AggregatedQuote, error) {
	inst, err := e.instruments.Get(instrumentID)
	if err != nil {
		return models.AggregatedQuote{}, err
	}
	now := e.now()
	var agg models.AggregatedQuote
	e.quotes.Snapshot(instrumentID, now, func(valid []models.Quote) {
		agg = e.combine(inst, valid)
		agg.ComputedAt = now
		if fn != nil {
			fn(agg)
		}
	})
	if agg.Status == models.QuoteUnavailable {
		return agg, models.ErrQuoteUnavailable
	}
	return agg, nil
}

func (e *PricingEngine) combine(inst models.Instrument, valid []models.Quote) models.AggregatedQuote {
	agg := models.AggregatedQuote{InstrumentID: inst.ID, Status: models.QuoteUnavailable}
	if len(valid) == 0 {
		return agg
	}
	agg.Providers = len(valid)

	bid, ask := math.Inf(-1), math.Inf(1)
	for _, q := range valid {
		if q.Bid > 0 && q.Bid > bid {
			bid = q.Bid
		}
		if q.Ask > 0 && q.Ask < ask {
			ask = q.Ask
		}
	}
	agg.HasBid = !math.IsInf(bid, -1)
	agg.HasAsk = !math.IsInf(ask, 1)

	// Liquidity counts only size quoted at the best level.
	for _, q := range valid {
		if agg.HasBid && q.Bid == bid {
			agg.TotalBidLiquidity += q.BidQty
		}
		if agg.HasAsk && q.Ask == ask {
			agg.TotalAskLiquidity += q.AskQty
		}
	}

	switch {
	case agg.HasBid && agg.HasAsk:
		agg.Status = models.QuoteAvailable
		agg.BestBid, agg.BestAsk, agg.Crossed = e.applyPolicy(inst, bid, ask)
		agg.Spread = roundTick(agg.BestAsk-agg.BestBid, inst.Precision)
	case agg.HasBid:
		agg.Status = models.QuoteOneSided
		agg.BestBid = roundTick(bid, inst.Precision)
	case agg.HasAsk:
		agg.Status = models.QuoteOneSided
		agg.BestAsk = roundTick(ask, inst.Precision)
	}
	return agg
}

// applyPolicy widens the raw book symmetrically around its mid and rounds to tick.
// Providers can cross each other; the book then collapses to the mid.
func (e *PricingEngine) applyPolicy(inst models.Instrument, bid, ask float64) (float64, float64, bool) {
	mid := (bid + ask) / 2
	raw := ask - bid
	crossed := raw < 0
	if crossed {
		raw = 0
	}

	p := e.policies[inst.Class]
	policy := mid*p.BasisPoints/1e4 + p.Markup + inst.Markup
	target := math.Max(raw, policy)
	if inst.EmbeddedSpread {
		target = raw + policy
	}

	half := decimal.NewFromFloat(target).Div(decimal.NewFromInt(2))
	m := decimal.NewFromFloat(mid)
	outBid := m.Sub(half).RoundBank(inst.Precision)
	outAsk := m.Add(half).RoundBank(inst.Precision)
	if outAsk.LessThan(outBid) {
		outAsk = outBid.Add(tickSize(inst.Precision))
	}
	b, _ := outBid.Float64()
	a, _ := outAsk.Float64()
	return b, a, crossed
}

func tickSize(precision int32) decimal.Decimal {
	return decimal.New(1, -precision)
}

func roundTick(v float64, precision int32) float64 {
	f, _ := decimal.NewFromFloat(v).RoundBank(precision).Float64()
	return f
}
