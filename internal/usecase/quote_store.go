package usecase

import (
	"math"
	"sort"
	"time"

	"MarketPipe/internal/domain/models"
	"MarketPipe/internal/service/shard"
)

// DefaultStaleAfter is how long a provider quote stays valid without a refresh.
const DefaultStaleAfter = 30 * time.Second

type providerQuotes struct {
	byProvider map[string]models.Quote
}

// evictStale drops entries older than staleAfter and returns the survivors sorted by provider.
func (p *providerQuotes) evictStale(now time.Time, staleAfter time.Duration) ([]models.Quote, int) {
	valid := make([]models.Quote, 0, len(p.byProvider))
	evicted := 0
	for id, q := range p.byProvider {
		if now.Sub(q.ObservedAt) > staleAfter {
			delete(p.byProvider, id)
			evicted++
			continue
		}
		valid = append(valid, q)
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i].ProviderID < valid[j].ProviderID })
	return valid, evicted
}

// QuoteStore keeps the latest quote per (instrument, provider). Each instrument
// is its own shard; aggregation reads run inside the same exclusive section as writes.
type QuoteStore struct {
	shards     *shard.Map[*providerQuotes]
	staleAfter time.Duration
}

type QuoteStoreOption func(*QuoteStore)

func WithStaleAfter(d time.Duration) QuoteStoreOption {
	return func(s *QuoteStore) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

func NewQuoteStore(opts ...QuoteStoreOption) *QuoteStore {
	s := &QuoteStore{
		shards: shard.New(func(string) *providerQuotes {
			return &providerQuotes{byProvider: make(map[string]models.Quote)}
		}),
		staleAfter: DefaultStaleAfter,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *QuoteStore) StaleAfter() time.Duration { return s.staleAfter }

// ValidateQuote checks the shape of a single provider quote.
func ValidateQuote(q models.Quote) error {
	ve := &models.ValidationError{}
	if q.InstrumentID == "" {
		ve.Add("instrument_id", "ERR_REQUIRED", "instrument_id is required")
	}
	if q.ProviderID == "" {
		ve.Add("provider_id", "ERR_REQUIRED", "provider_id is required")
	}
	if !(q.Bid > 0) || math.IsInf(q.Bid, 0) {
		ve.Add("bid", "ERR_NOT_POSITIVE", "bid must be a positive number")
	}
	if !(q.Ask > 0) || math.IsInf(q.Ask, 0) {
		ve.Add("ask", "ERR_NOT_POSITIVE", "ask must be a positive number")
	}
	if q.Bid > 0 && q.Ask > 0 && q.Bid > q.Ask {
		ve.Add("ask", "ERR_CROSSED", "ask must not be below bid")
	}
	if q.BidQty < 0 || math.IsNaN(q.BidQty) {
		ve.Add("bid_qty", "ERR_NEGATIVE", "bid_qty must not be negative")
	}
	if q.AskQty < 0 || math.IsNaN(q.AskQty) {
		ve.Add("ask_qty", "ERR_NEGATIVE", "ask_qty must not be negative")
	}
	return ve.OrNil()
}

// Upsert replaces the provider's previous quote for the instrument.
func (s *QuoteStore) Upsert(q models.Quote) error {
	if err := ValidateQuote(q); err != nil {
		return err
	}
	if q.ObservedAt.IsZero() {
		q.ObservedAt = time.Now()
	}
	s.shards.With(q.InstrumentID, func(p *providerQuotes) {
		p.byProvider[q.ProviderID] = q
	})
	return nil
}

// ValidQuotes returns the non-stale quotes for the instrument as of now.
func (s *QuoteStore) ValidQuotes(instrumentID string, now time.Time) []models.Quote {
	var out []models.Quote
	s.Snapshot(instrumentID, now, func(valid []models.Quote) {
		out = valid
	})
	return out
}

// Snapshot evicts stale entries and runs fn over the survivors while holding
// the instrument's lock, so no upsert interleaves with the read.
func (s *QuoteStore) Snapshot(instrumentID string, now time.Time, fn func(valid []models.Quote)) {
	found := s.shards.Peek(instrumentID, func(p *providerQuotes) {
		valid, _ := p.evictStale(now, s.staleAfter)
		fn(valid)
	})
	if !found {
		fn(nil)
	}
}

// Sweep evicts stale quotes across all instruments and returns the number removed.
func (s *QuoteStore) Sweep(now time.Time) int {
	total := 0
	for _, id := range s.shards.Keys() {
		s.shards.Peek(id, func(p *providerQuotes) {
			_, n := p.evictStale(now, s.staleAfter)
			total += n
		})
	}
	return total
}
