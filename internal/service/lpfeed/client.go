package lpfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"MarketPipe/internal/domain/models"
	drepo "MarketPipe/internal/domain/repository"
	"MarketPipe/pkg/logger"

	"github.com/gorilla/websocket"
)

// Config describes one liquidity-provider websocket endpoint.
type Config struct {
	URL            string
	APIKey         string
	ProviderID     string
	Instruments    []string
	ReconnectDelay time.Duration
	PingInterval   time.Duration
}

// Client implements a QuoteStream backed by an LP websocket.
type Client struct {
	cfg Config
	log *logger.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
}

// New creates a new LP QuoteStream.
func New(cfg Config, log *logger.Logger) drepo.QuoteStream {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Client{cfg: cfg, log: log.With(logger.String("provider", cfg.ProviderID))}
}

// Connect establishes the WebSocket connection.
func (c *Client) Connect(ctx context.Context) error {
	hdr := http.Header{}
	if c.cfg.APIKey != "" {
		hdr.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, hdr)
	if err != nil {
		return fmt.Errorf("lp connect: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	c.log.Info("lp feed connected", logger.String("url", c.cfg.URL))
	return nil
}

type subscribeMsg struct {
	Type       string `json:"type"`
	Instrument string `json:"instrument"`
}

// Subscribe subscribes to configured instruments.
func (c *Client) Subscribe(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || !c.connected {
		return fmt.Errorf("lp feed not connected")
	}
	for _, inst := range c.cfg.Instruments {
		if err := c.conn.WriteJSON(subscribeMsg{Type: "subscribe", Instrument: inst}); err != nil {
			return fmt.Errorf("subscribe %s: %w", inst, err)
		}
	}
	c.log.Info("lp feed subscribed", logger.Strings("instruments", c.cfg.Instruments))
	return nil
}

type lpQuote struct {
	I  string  `json:"i"`
	B  float64 `json:"b"`
	A  float64 `json:"a"`
	BQ float64 `json:"bq"`
	AQ float64 `json:"aq"`
	T  int64   `json:"t"` // ms
}

type lpMessage struct {
	Type string    `json:"type"`
	Data []lpQuote `json:"data"`
}

// decode turns one frame into quotes; non-quote frames yield nothing.
func (c *Client) decode(b []byte) []*models.Quote {
	var m lpMessage
	if err := json.Unmarshal(b, &m); err != nil || m.Type != "quote" {
		return nil
	}
	out := make([]*models.Quote, 0, len(m.Data))
	for _, d := range m.Data {
		q := &models.Quote{
			InstrumentID: d.I,
			ProviderID:   c.cfg.ProviderID,
			Bid:          d.B,
			Ask:          d.A,
			BidQty:       d.BQ,
			AskQty:       d.AQ,
		}
		if d.T > 0 {
			q.ObservedAt = time.UnixMilli(d.T).UTC()
		}
		out = append(out, q)
	}
	return out
}

// Read streams quotes and errors. Both channels close when the connection ends.
func (c *Client) Read(ctx context.Context) (<-chan *models.Quote, <-chan error) {
	quotes := make(chan *models.Quote, 1024)
	errs := make(chan error, 1)

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	readCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-readCtx.Done():
				return
			case <-ticker.C:
				if conn != nil {
					c.mu.Lock()
					_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
					c.mu.Unlock()
				}
			}
		}
	}()

	go func() {
		defer cancel()
		defer close(quotes)
		defer close(errs)
		if conn == nil {
			errs <- fmt.Errorf("lp conn nil")
			return
		}
		for {
			if readCtx.Err() != nil {
				return
			}
			_, b, err := conn.ReadMessage()
			if err != nil {
				errs <- fmt.Errorf("lp read: %w", err)
				return
			}
			for _, q := range c.decode(b) {
				select {
				case quotes <- q:
				default:
					// a newer quote for the same book follows soon
				}
			}
		}
	}()

	return quotes, errs
}

// Reconnect closes and reconnects.
func (c *Client) Reconnect(ctx context.Context) error {
	_ = c.Close()
	select {
	case <-time.After(c.cfg.ReconnectDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := c.Connect(ctx); err != nil {
		return err
	}
	return c.Subscribe(ctx)
}

// Close closes the WS connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// IsConnected indicates status.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
