package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"MarketPipe/internal/domain/models"
	pkgkafka "MarketPipe/pkg/kafka"
	"MarketPipe/pkg/util"
)

// Engine event types carried in the envelope.
const (
	EventTradeFilled  = "trade_filled"
	EventDepthChanged = "depth_changed"
	EventQuote        = "quote"
)

// EngineEvent is the envelope published by the matching engine and LP bridges.
// Timestamps accept RFC3339 or unix seconds/milliseconds.
type EngineEvent struct {
	Type         string              `json:"type"`
	InstrumentID string              `json:"instrument_id"`
	TradeID      string              `json:"trade_id,omitempty"`
	Price        float64             `json:"price,omitempty"`
	Qty          float64             `json:"qty,omitempty"`
	Timestamp    json.RawMessage     `json:"timestamp,omitempty"`
	Bids         []models.DepthLevel `json:"bids,omitempty"`
	Asks         []models.DepthLevel `json:"asks,omitempty"`
	ProviderID   string              `json:"provider_id,omitempty"`
	Bid          float64             `json:"bid,omitempty"`
	Ask          float64             `json:"ask,omitempty"`
	BidQty       float64             `json:"bid_qty,omitempty"`
	AskQty       float64             `json:"ask_qty,omitempty"`
}

func (e EngineEvent) time() (time.Time, error) {
	if len(e.Timestamp) == 0 {
		return time.Time{}, nil
	}
	raw := string(e.Timestamp)
	var s string
	if err := json.Unmarshal(e.Timestamp, &s); err == nil {
		raw = s
	}
	t, ok := util.ParseTime(raw)
	if !ok {
		return time.Time{}, fmt.Errorf("timestamp %s not recognised", e.Timestamp)
	}
	return t, nil
}

// EngineEventsHandler feeds matching-engine events into MarketData. The
// consumer routes by message key (the instrument id), so events for one
// instrument reach this handler in emission order.
type EngineEventsHandler struct {
	topic string
	md    *MarketData
}

func NewEngineEventsHandler(topic string, md *MarketData) *EngineEventsHandler {
	return &EngineEventsHandler{topic: topic, md: md}
}

func (h *EngineEventsHandler) Topic() string { return h.topic }

func (h *EngineEventsHandler) Handle(ctx context.Context, key, b []byte) error {
	var ev EngineEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return pkgkafka.Permanent(fmt.Errorf("decode engine event: %w", err))
	}
	if ev.InstrumentID == "" {
		ev.InstrumentID = string(key)
	}
	ts, err := ev.time()
	if err != nil {
		return pkgkafka.Permanent(err)
	}

	switch ev.Type {
	case EventTradeFilled:
		err = h.md.OnTradeFilled(ctx, models.TradeFill{
			InstrumentID: ev.InstrumentID, TradeID: ev.TradeID, Price: ev.Price, Qty: ev.Qty, Timestamp: ts,
		})
	case EventDepthChanged:
		err = h.md.OnDepthChanged(ctx, models.DepthSnapshot{
			InstrumentID: ev.InstrumentID, Bids: ev.Bids, Asks: ev.Asks, UpdatedAt: ts,
		})
	case EventQuote:
		_, err = h.md.SubmitQuote(ctx, models.Quote{
			InstrumentID: ev.InstrumentID, ProviderID: ev.ProviderID,
			Bid: ev.Bid, Ask: ev.Ask, BidQty: ev.BidQty, AskQty: ev.AskQty, ObservedAt: ts,
		})
		if errors.Is(err, models.ErrQuoteUnavailable) {
			err = nil
		}
	default:
		return pkgkafka.Permanent(fmt.Errorf("unknown engine event type %q", ev.Type))
	}

	// rejected events never succeed on retry
	if models.IsValidation(err) || errors.Is(err, models.ErrLateTrade) {
		return pkgkafka.Permanent(err)
	}
	return err
}

var _ pkgkafka.MessageHandler = (*EngineEventsHandler)(nil)
