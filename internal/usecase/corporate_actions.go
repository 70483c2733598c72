package usecase

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"MarketPipe/internal/domain/models"
	domrepo "MarketPipe/internal/domain/repository"
)

// CorporateActionLedger is the append-only record of splits and dividends.
// Stored candles are never rewritten; Adjust composes them with the ledger at read time.
type CorporateActionLedger struct {
	mu               sync.RWMutex
	byInstrument     map[string][]models.CorporateAction
	versions         map[string]int64
	instruments      *Instruments
	store            domrepo.ActionStore
	allowCorrections bool
	now              func() time.Time
}

type LedgerOption func(*CorporateActionLedger)

// WithCorrections lets a later entry with the same (instrument, effective_at, type) supersede the earlier one.
func WithCorrections(allow bool) LedgerOption {
	return func(l *CorporateActionLedger) { l.allowCorrections = allow }
}

// WithActionStore persists every recorded action before it becomes visible.
func WithActionStore(s domrepo.ActionStore) LedgerOption {
	return func(l *CorporateActionLedger) { l.store = s }
}

func NewCorporateActionLedger(instruments *Instruments, opts ...LedgerOption) *CorporateActionLedger {
	l := &CorporateActionLedger{
		byInstrument: make(map[string][]models.CorporateAction),
		versions:     make(map[string]int64),
		instruments:  instruments,
		now:          time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Load replays persisted actions in recorded order.
func (l *CorporateActionLedger) Load(ctx context.Context) (int, error) {
	if l.store == nil {
		return 0, nil
	}
	actions, err := l.store.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("load corporate actions: %w", err)
	}
	sort.SliceStable(actions, func(i, j int) bool { return actions[i].RecordedAt.Before(actions[j].RecordedAt) })

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, a := range actions {
		l.insertLocked(a, true)
	}
	return len(actions), nil
}

func (l *CorporateActionLedger) validate(a models.CorporateAction) error {
	inst, err := l.instruments.Get(a.InstrumentID)
	if err != nil {
		return err
	}
	ve := &models.ValidationError{}
	switch a.Type {
	case models.ActionSplit:
		if !(a.Value > 0) || math.IsInf(a.Value, 0) {
			ve.Add("ratio_or_amount", "ERR_NOT_POSITIVE", "split ratio must be greater than zero")
		}
	case models.ActionDividend:
		if !(a.Value > 0) || math.IsInf(a.Value, 0) {
			ve.Add("ratio_or_amount", "ERR_NOT_POSITIVE", "dividend amount must be greater than zero")
		}
	default:
		ve.Add("action_type", "ERR_UNSUPPORTED", fmt.Sprintf("unsupported action type %q", a.Type))
	}
	if a.EffectiveAt.IsZero() {
		ve.Add("effective_at", "ERR_REQUIRED", "effective_at is required")
	} else if !inst.ListedAt.IsZero() && a.EffectiveAt.Before(inst.ListedAt) {
		ve.Add("effective_at", "ERR_BEFORE_LISTING", "effective_at precedes listing date "+inst.ListedAt.UTC().Format(time.RFC3339))
	}
	return ve.OrNil()
}

// Record validates and appends an action. Nothing is stored when validation fails.
func (l *CorporateActionLedger) Record(ctx context.Context, a models.CorporateAction) (models.CorporateAction, error) {
	if err := l.validate(a); err != nil {
		return models.CorporateAction{}, err
	}
	a.EffectiveAt = a.EffectiveAt.UTC()
	a.RecordedAt = l.now().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.allowCorrections {
		for _, existing := range l.byInstrument[a.InstrumentID] {
			if existing.SameKey(a) {
				return models.CorporateAction{}, fmt.Errorf("%w: %s %s at %s", models.ErrDuplicateAction,
					a.InstrumentID, a.Type, a.EffectiveAt.Format(time.RFC3339))
			}
		}
	}
	if l.store != nil {
		if err := l.store.Append(ctx, a); err != nil {
			return models.CorporateAction{}, fmt.Errorf("persist corporate action: %w", err)
		}
	}
	l.insertLocked(a, l.allowCorrections)
	return a, nil
}

// insertLocked keeps the per-instrument list ordered by effective_at.
func (l *CorporateActionLedger) insertLocked(a models.CorporateAction, supersede bool) {
	list := l.byInstrument[a.InstrumentID]
	if supersede {
		for i := range list {
			if list[i].SameKey(a) {
				list[i] = a
				l.byInstrument[a.InstrumentID] = list
				l.versions[a.InstrumentID]++
				return
			}
		}
	}
	i := sort.Search(len(list), func(i int) bool { return list[i].EffectiveAt.After(a.EffectiveAt) })
	list = append(list, models.CorporateAction{})
	copy(list[i+1:], list[i:])
	list[i] = a
	l.byInstrument[a.InstrumentID] = list
	l.versions[a.InstrumentID]++
}

// ActionsAfter returns actions with effective_at strictly after t, ascending.
func (l *CorporateActionLedger) ActionsAfter(instrumentID string, t time.Time) []models.CorporateAction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	list := l.byInstrument[instrumentID]
	i := sort.Search(len(list), func(i int) bool { return list[i].EffectiveAt.After(t) })
	out := make([]models.CorporateAction, len(list)-i)
	copy(out, list[i:])
	return out
}

// Version changes whenever the instrument's action list changes. Caches key on it.
func (l *CorporateActionLedger) Version(instrumentID string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.versions[instrumentID]
}

// AdjustAll applies the ledger to a candle slice.
func (l *CorporateActionLedger) AdjustAll(candles []models.Candle) []models.AdjustedCandle {
	out := make([]models.AdjustedCandle, 0, len(candles))
	if len(candles) == 0 {
		return out
	}
	earliest := candles[0].BucketOpenTime
	for _, c := range candles[1:] {
		if c.BucketOpenTime.Before(earliest) {
			earliest = c.BucketOpenTime
		}
	}
	actions := l.ActionsAfter(candles[0].InstrumentID, earliest)
	for _, c := range candles {
		out = append(out, Adjust(c, actions))
	}
	return out
}

// Adjust returns the candle as seen after every action effective after its
// bucket opened. Actions are composed in effective_at order. The input is not
// modified, so adjusting the same stored candle again yields the same result.
//
// split r:    prices / r, volume * r (turnover and vwap numerator unchanged)
// dividend a: prices - a
func Adjust(c models.Candle, actions []models.CorporateAction) models.AdjustedCandle {
	open := decimal.NewFromFloat(c.Open)
	high := decimal.NewFromFloat(c.High)
	low := decimal.NewFromFloat(c.Low)
	cls := decimal.NewFromFloat(c.Close)
	vol := decimal.NewFromFloat(c.Volume)
	num := decimal.NewFromFloat(c.VWAPNumerator)
	den := decimal.NewFromFloat(c.VWAPDenominator)

	applied := 0
	for _, a := range actions {
		if a.InstrumentID != c.InstrumentID || !a.Applies(c.BucketOpenTime) {
			continue
		}
		v := decimal.NewFromFloat(a.Value)
		switch a.Type {
		case models.ActionSplit:
			if !v.IsPositive() {
				continue
			}
			open, high, low, cls = open.Div(v), high.Div(v), low.Div(v), cls.Div(v)
			vol = vol.Mul(v)
			den = den.Mul(v)
		case models.ActionDividend:
			open, high, low, cls = open.Sub(v), high.Sub(v), low.Sub(v), cls.Sub(v)
			num = num.Sub(v.Mul(den))
		default:
			continue
		}
		applied++
	}

	if applied == 0 {
		return models.AdjustedCandle{Candle: c, VWAP: c.VWAP()}
	}
	out := c
	out.Open, _ = open.Float64()
	out.High, _ = high.Float64()
	out.Low, _ = low.Float64()
	out.Close, _ = cls.Float64()
	out.Volume, _ = vol.Float64()
	out.VWAPNumerator, _ = num.Float64()
	out.VWAPDenominator, _ = den.Float64()
	out.TypicalPrice, _ = high.Add(low).Add(cls).Div(decimal.NewFromInt(3)).Float64()
	return models.AdjustedCandle{Candle: out, VWAP: out.VWAP(), AppliedActions: applied}
}
