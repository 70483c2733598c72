package usecase

import (
	"math"
	"sort"
	"sync"
	"time"

	"MarketPipe/internal/domain/models"
)

// DepthBook holds the latest order-book depth per instrument as reported by the matching engine.
type DepthBook struct {
	mu    sync.RWMutex
	books map[string]models.DepthSnapshot
}

func NewDepthBook() *DepthBook {
	return &DepthBook{books: make(map[string]models.DepthSnapshot)}
}

// ValidateDepth rejects malformed levels before the book is replaced.
func ValidateDepth(d models.DepthSnapshot) error {
	ve := &models.ValidationError{}
	if d.InstrumentID == "" {
		ve.Add("instrument_id", "ERR_REQUIRED", "instrument_id is required")
	}
	check := func(field string, levels []models.DepthLevel) {
		for _, l := range levels {
			if !(l.Price > 0) || math.IsInf(l.Price, 0) || l.Qty < 0 || math.IsNaN(l.Qty) {
				ve.Add(field, "ERR_INVALID_LEVEL", "levels need a positive price and non-negative qty")
				return
			}
		}
	}
	check("bids", d.Bids)
	check("asks", d.Asks)
	return ve.OrNil()
}

// Replace stores a new snapshot, sorting bids descending and asks ascending.
func (b *DepthBook) Replace(d models.DepthSnapshot) error {
	if err := ValidateDepth(d); err != nil {
		return err
	}
	d.Bids = sortedLevels(d.Bids, true)
	d.Asks = sortedLevels(d.Asks, false)
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now()
	}
	b.mu.Lock()
	b.books[d.InstrumentID] = d
	b.mu.Unlock()
	return nil
}

func sortedLevels(in []models.DepthLevel, desc bool) []models.DepthLevel {
	out := make([]models.DepthLevel, 0, len(in))
	for _, l := range in {
		if l.Qty > 0 {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	return out
}

// Get returns at most levels per side.
func (b *DepthBook) Get(instrumentID string, levels int) (models.DepthSnapshot, bool) {
	b.mu.RLock()
	d, ok := b.books[instrumentID]
	b.mu.RUnlock()
	if !ok {
		return models.DepthSnapshot{}, false
	}
	return models.DepthSnapshot{
		InstrumentID: d.InstrumentID,
		Bids:         append([]models.DepthLevel(nil), d.Bids[:min(levels, len(d.Bids))]...),
		Asks:         append([]models.DepthLevel(nil), d.Asks[:min(levels, len(d.Asks))]...),
		UpdatedAt:    d.UpdatedAt,
	}, true
}
