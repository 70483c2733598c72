package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"MarketPipe/internal/domain/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	mu         sync.Mutex
	quotes     chan *models.Quote
	errs       chan error
	reconnects int
	connected  bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{quotes: make(chan *models.Quote, 8), errs: make(chan error, 1)}
}

func (s *fakeStream) Connect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

func (s *fakeStream) Subscribe(context.Context) error { return nil }

func (s *fakeStream) Read(context.Context) (<-chan *models.Quote, <-chan error) {
	return s.quotes, s.errs
}

func (s *fakeStream) Reconnect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnects++
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

func (s *fakeStream) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeStream) reconnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnects
}

func TestQuoteCollector(t *testing.T) {
	f := newFixture()
	stream := newFakeStream()
	c := NewQuoteCollector(stream, f.md, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, c.Start(ctx))
	assert.True(t, c.IsConnected())

	// the first two are rejected and must not stop the loop
	stream.quotes <- &models.Quote{InstrumentID: "EURUSD", ProviderID: "lp-a", Bid: 1.2, Ask: 1.1}
	stream.quotes <- &models.Quote{InstrumentID: "NOPE", ProviderID: "lp-a", Bid: 1, Ask: 2}
	stream.quotes <- &models.Quote{InstrumentID: "EURUSD", ProviderID: "lp-a", Bid: 1.1, Ask: 1.1004, BidQty: 1, AskQty: 1}

	assert.Eventually(t, func() bool {
		_, err := f.md.GetAggregatedQuote("EURUSD")
		return err == nil
	}, time.Second, 5*time.Millisecond)

	stream.errs <- errors.New("connection reset")
	assert.Eventually(t, func() bool { return stream.reconnectCount() == 1 }, time.Second, 5*time.Millisecond)

	shutdownCtx, stop := context.WithTimeout(context.Background(), time.Second)
	defer stop()
	cancel()
	require.NoError(t, c.Shutdown(shutdownCtx))
	assert.False(t, c.IsConnected())
}
