package usecase

import (
	"sort"
	"sync"

	"MarketPipe/internal/domain/models"
)

// Instruments is the registry of tradable symbols. It is read-mostly and
// loaded from configuration at startup.
type Instruments struct {
	mu   sync.RWMutex
	byID map[string]models.Instrument
}

func NewInstruments(list []models.Instrument) *Instruments {
	r := &Instruments{byID: make(map[string]models.Instrument, len(list))}
	for _, in := range list {
		r.byID[in.ID] = in
	}
	return r
}

// Get returns the instrument or a ValidationError for an unknown id.
func (r *Instruments) Get(id string) (models.Instrument, error) {
	r.mu.RLock()
	in, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return models.Instrument{}, models.UnknownInstrument(id)
	}
	return in, nil
}

func (r *Instruments) Known(id string) bool {
	_, err := r.Get(id)
	return err == nil
}

// Put adds or replaces an instrument.
func (r *Instruments) Put(in models.Instrument) {
	r.mu.Lock()
	r.byID[in.ID] = in
	r.mu.Unlock()
}

// IDs returns all instrument ids, sorted.
func (r *Instruments) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
